package filestore

// ============================================================================
// 職責說明：
// 1. 將所有任務記錄序列化為單一 JSON 檔
// 2. 每次變更都使用原子性寫入（temp file + rename）防止損壞
// 3. 開啟時驗證 schema 版本相容性
// 4. 單機部署使用；檔案不支援多進程共享
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// SchemaVersion 目前的檔案格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedFile       = errors.New("job store file is corrupted")
	ErrIncompatibleVersion = errors.New("job store schema version is incompatible")
)

// fileData 檔案內容
type fileData struct {
	SchemaVer int                       `json:"schema_ver"`
	SavedAt   int64                     `json:"saved_at"`
	Jobs      map[types.JobID]types.Job `json:"jobs"`
}

// Store 以 JSON 檔案保存任務
type Store struct {
	path string                    // 檔案路徑
	mu   sync.Mutex                // 保護 jobs 與檔案寫入
	jobs map[types.JobID]types.Job // 記憶體中的完整副本
}

var _ store.Store = (*Store)(nil)

// Open 開啟（或建立）任務檔案
//
// 行為：
//   - 檔案不存在時從空狀態開始（首次啟動）
//   - 驗證 schema 版本
//   - 偵測損壞的檔案
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		jobs: make(map[types.JobID]types.Job),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(path); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create store dir: %w", err)
				}
			}
			return s, nil
		}
		return nil, fmt.Errorf("failed to read job store: %w", err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedFile, err)
	}
	if data.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Jobs != nil {
		s.jobs = data.Jobs
	}
	return s, nil
}

// Path 檔案路徑
func (s *Store) Path() string {
	return s.path
}

// flush 原子性寫入；呼叫方必須持有 mu
//
// 1. 寫入臨時檔案（.tmp）
// 2. os.Rename 原子性替換原始檔案
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(fileData{
		SchemaVer: SchemaVersion,
		SavedAt:   time.Now().UnixMilli(),
		Jobs:      s.jobs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp job store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename job store: %w", err)
	}
	return nil
}

// Insert 新增任務
func (s *Store) Insert(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrJobAlreadyExists
	}
	now := time.Now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.jobs[job.ID] = job
	if err := s.flush(); err != nil {
		delete(s.jobs, job.ID)
		return err
	}
	return nil
}

// Load 讀取任務
func (s *Store) Load(_ context.Context, id types.JobID) (types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, store.ErrJobNotFound
	}
	return job, nil
}

// Update 覆寫任務
func (s *Store) Update(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrJobNotFound
	}
	job.CreatedAt = old.CreatedAt
	job.UpdatedAt = time.Now().UnixMilli()

	s.jobs[job.ID] = job
	if err := s.flush(); err != nil {
		s.jobs[job.ID] = old
		return err
	}
	return nil
}

// Delete 刪除任務
func (s *Store) Delete(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.jobs[id]
	if !ok {
		return nil
	}
	delete(s.jobs, id)
	if err := s.flush(); err != nil {
		s.jobs[id] = old
		return err
	}
	return nil
}

// List 返回所有任務
func (s *Store) List(_ context.Context) ([]types.Job, error) {
	s.mu.Lock()
	jobs := make([]types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	store.SortByID(jobs)
	return jobs, nil
}
