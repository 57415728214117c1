package lock

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// leaseRow job_leases 表；expires_at 為 Unix 毫秒
type leaseRow struct {
	JobID     string `gorm:"column:job_id;primaryKey;size:191"`
	Owner     string `gorm:"column:owner;size:64;not null"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;index"`
}

func (leaseRow) TableName() string { return "job_leases" }

// SQLLocker 以關聯式資料庫保存租約
type SQLLocker struct {
	db   *gorm.DB
	ttl  time.Duration
	opts options
}

var _ Locker = (*SQLLocker)(nil)

// NewSQLLocker 建立 SQL 租約鎖
func NewSQLLocker(db *gorm.DB, ttl time.Duration, opts ...Option) (*SQLLocker, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &SQLLocker{db: db, ttl: ttl, opts: o}, nil
}

// Migrate 建立 job_leases 表
func (s *SQLLocker) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&leaseRow{}); err != nil {
		return fmt.Errorf("lock/sql: migrate: %w", err)
	}
	return nil
}

// AttemptLock 插入租約；衝突時僅在舊租約已過期時覆寫
//
//	INSERT INTO job_leases (...) VALUES (...)
//	ON CONFLICT (job_id) DO UPDATE SET owner = ?, expires_at = ?
//	WHERE job_leases.expires_at <= now
func (s *SQLLocker) AttemptLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	if err := validateArgs(id, owner); err != nil {
		return false, err
	}
	now := s.opts.now().UnixMilli()
	row := leaseRow{
		JobID:     string(id),
		Owner:     string(owner),
		ExpiresAt: now + s.ttl.Milliseconds(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"owner":      row.Owner,
			"expires_at": row.ExpiresAt,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "job_leases.expires_at <= ?", Vars: []interface{}{now}},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("lock/sql: attempt %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateLock 只續期自己持有且仍存活的租約
func (s *SQLLocker) UpdateLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	if err := validateArgs(id, owner); err != nil {
		return false, err
	}
	now := s.opts.now().UnixMilli()

	res := s.db.WithContext(ctx).Model(&leaseRow{}).
		Where("job_id = ? AND owner = ? AND expires_at > ?", string(id), string(owner), now).
		Update("expires_at", now+s.ttl.Milliseconds())
	if res.Error != nil {
		return false, fmt.Errorf("lock/sql: renew %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLock 刪除自己持有的租約
func (s *SQLLocker) ReleaseLock(ctx context.Context, id types.JobID, owner types.OwnerToken) error {
	if err := validateArgs(id, owner); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Where("job_id = ? AND owner = ?", string(id), string(owner)).
		Delete(&leaseRow{})
	if res.Error != nil {
		return fmt.Errorf("lock/sql: release %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		s.opts.logger.Debug("release skipped, lease not held", "job_id", id, "owner", owner)
	}
	return nil
}
