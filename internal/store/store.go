// ============================================================================
// Beaver-JobRun 任務存儲 - 任務記錄的持久化介面
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 定義任務記錄的 CRUD 介面與錯誤；提供進程內實作
//
// 後端:
//   MemoryStore            - 進程內 map（本檔案所在套件）
//   store/filestore        - JSON 檔案，temp + rename 原子寫入
//   store/sqlstore         - gorm（Postgres / SQLite）
//   store/redisstore       - Redis + msgpack
//
// 約定:
//   - Insert 對重複 id 返回 ErrJobAlreadyExists（可用 errors.Is 判斷），不是一般錯誤
//   - Load / Update 對不存在的 id 返回 ErrJobNotFound
//   - Delete 對不存在的 id 不報錯
//   - 每個操作本身必須是原子的；多個 worker 進程共用同一個後端
//
// ============================================================================

package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複
	ErrJobAlreadyExists = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
)

// Store 任務存儲介面
type Store interface {
	Insert(ctx context.Context, job types.Job) error
	Load(ctx context.Context, id types.JobID) (types.Job, error)
	Update(ctx context.Context, job types.Job) error
	Delete(ctx context.Context, id types.JobID) error
	// List 返回所有任務，依 ID 排序
	List(ctx context.Context) ([]types.Job, error)
}
