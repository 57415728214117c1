// Package sqlstore 以 gorm 實作 store.Store，支援 Postgres 與 SQLite
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// jobRow jobrun_jobs 表；payload 為整個任務的 JSON
type jobRow struct {
	ID        string `gorm:"column:id;primaryKey;size:191"`
	Type      string `gorm:"column:type;size:64;not null"`
	Payload   []byte `gorm:"column:payload;not null"`
	CreatedAt int64  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (jobRow) TableName() string { return "jobrun_jobs" }

func toRow(job types.Job) (jobRow, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return jobRow{}, fmt.Errorf("sqlstore: encode %s: %w", job.ID, err)
	}
	return jobRow{
		ID:        string(job.ID),
		Type:      string(job.Type),
		Payload:   payload,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

func fromRow(row jobRow) (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(row.Payload, &job); err != nil {
		return types.Job{}, fmt.Errorf("sqlstore: decode %s: %w", row.ID, err)
	}
	job.ID = types.JobID(row.ID)
	job.Type = types.JobType(row.Type)
	job.CreatedAt = row.CreatedAt
	job.UpdatedAt = row.UpdatedAt
	return job, nil
}

// Option 選項
type Option func(*Store)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store gorm 任務存儲
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New 建立存儲；呼叫方擁有 db 的生命週期
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate 建立 jobrun_jobs 表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Insert INSERT .. ON CONFLICT DO NOTHING；沒有寫入任何列即代表重複
func (s *Store) Insert(ctx context.Context, job types.Job) error {
	now := time.Now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	row, err := toRow(job)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("sqlstore: insert %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrJobAlreadyExists
	}
	return nil
}

// Load 讀取任務
func (s *Store) Load(ctx context.Context, id types.JobID) (types.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Job{}, store.ErrJobNotFound
		}
		return types.Job{}, fmt.Errorf("sqlstore: load %s: %w", id, err)
	}
	return fromRow(row)
}

// Update 覆寫任務內容，保留 created_at
func (s *Store) Update(ctx context.Context, job types.Job) error {
	job.UpdatedAt = time.Now().UnixMilli()
	row, err := toRow(job)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"type":       row.Type,
			"payload":    row.Payload,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("sqlstore: update %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// Delete 刪除任務
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	res := s.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&jobRow{})
	if res.Error != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", id, res.Error)
	}
	return nil
}

// List 返回所有任務；無法解碼的列記錄後略過
func (s *Store) List(ctx context.Context) ([]types.Job, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}

	jobs := make([]types.Job, 0, len(rows))
	for _, row := range rows {
		job, err := fromRow(row)
		if err != nil {
			s.logger.Warn("skipping undecodable job row", "job_id", row.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
