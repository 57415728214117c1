// ============================================================================
// Beaver-JobRun 租約鎖 - 任務獨佔權
// ============================================================================
//
// Package: internal/lock
// 文件: lock.go
// 功能: 以 (job id, owner token, 到期時間) 的租約授予某個 worker 對任務的獨佔權
//
// 租約協議:
//   AttemptLock  - 僅當該 id 沒有存活租約時授予新租約
//   UpdateLock   - 續租；只有持有者本人且租約仍存活時成功
//   ReleaseLock  - 釋放；非持有者呼叫時為 no-op
//
// 重入語義（所有後端一致）:
//   租約不可重入。同一 owner 在租約存活期間再次 AttemptLock 會返回 false；續租只能走 UpdateLock。
//   租約過期後同一 owner 可以再次取得，鎖無法分辨本進程是否仍有管理器在運行，
//   避免本地重複啟動由 jobrun.Runner 自己記錄。
//
// 後端:
//   MemoryLocker - 進程內 map，單機與測試使用
//   RedisLocker  - SET NX PX + Lua 比對後 PEXPIRE / DEL
//   SQLLocker    - gorm upsert，僅當舊租約已過期時覆寫
//
// ============================================================================

package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// DefaultTTL 預設租約時長
const DefaultTTL = 30 * time.Second

var (
	ErrInvalidTTL = errors.New("lease ttl must be positive")
	ErrEmptyOwner = errors.New("owner token is empty")
	ErrEmptyJobID = errors.New("job id is empty")
)

// Locker 租約鎖介面
//
// 所有方法都可能因網路或儲存 I/O 阻塞；呼叫方不可持有事件處理也需要的鎖。
// 租約競爭不是錯誤：AttemptLock / UpdateLock 以 false 表示，error 只代表基礎設施故障。
type Locker interface {
	// AttemptLock 嘗試取得新租約；該 id 已有存活租約（包含自己持有的）時返回 false
	AttemptLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error)
	// UpdateLock 續租；租約已過期或已被他人取得時返回 false
	UpdateLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error)
	// ReleaseLock 釋放租約；不是自己持有時不做任何事
	ReleaseLock(ctx context.Context, id types.JobID, owner types.OwnerToken) error
}

// Option 後端共用選項
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func defaultOptions() options {
	return options{
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock 注入時鐘（測試中模擬租約到期）；Redis 後端的到期由伺服器計算，忽略此選項
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func validateArgs(id types.JobID, owner types.OwnerToken) error {
	if id == "" {
		return ErrEmptyJobID
	}
	if owner == "" {
		return ErrEmptyOwner
	}
	return nil
}
