package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// MemoryStore 進程內任務存儲
//
// 只在單一進程內共享；重啟後資料遺失。測試與單機模式使用。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[types.JobID]types.Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 建立進程內存儲
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[types.JobID]types.Job),
		now:  time.Now,
	}
}

// Insert 新增任務
func (s *MemoryStore) Insert(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobAlreadyExists
	}
	now := s.now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return nil
}

// Load 讀取任務
func (s *MemoryStore) Load(_ context.Context, id types.JobID) (types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return job, nil
}

// Update 以新值覆寫任務記錄
func (s *MemoryStore) Update(_ context.Context, job types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	job.CreatedAt = old.CreatedAt
	job.UpdatedAt = s.now().UnixMilli()
	s.jobs[job.ID] = job
	return nil
}

// Delete 刪除任務
func (s *MemoryStore) Delete(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

// List 返回所有任務
func (s *MemoryStore) List(_ context.Context) ([]types.Job, error) {
	s.mu.RLock()
	jobs := make([]types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	SortByID(jobs)
	return jobs, nil
}

// Len 任務數
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// SortByID 依 ID 排序
func SortByID(jobs []types.Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}
