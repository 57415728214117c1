// ============================================================================
// Beaver-JobRun 任務執行器 - 租約、持久化與生命週期的協調者
// ============================================================================
//
// Package: internal/jobrun
// 文件: runner.go
// 功能: 新任務提交與舊任務恢復的入口，取得租約後建立生命週期管理器
//
// 兩個入口:
//   RunExisting - 恢復掃描使用。取得租約後從 Store 重新載入任務（手上的可能過期），
//                 啟動新的管理器。租約競爭是正常結果，只返回 false。
//   RunNew      - 首次提交使用。租約 → 插入 → 啟動；
//                 重複提交時仍呼叫 onAccepted（任務已保證會運行），釋放租約，不報錯。
//
// 錯誤傳播:
//   提交階段（租約、插入）的基礎設施錯誤返回給呼叫者；
//   任務開始運行之後的錯誤全部由管理器吸收，轉為狀態通知與日誌，
//   由租約過期後的重試處理。
//
// ============================================================================

package jobrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/internal/eventbus"
	"github.com/ChuLiYu/beaver-jobrun/internal/lock"
	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 新任務的 id 已被其他 owner 持有租約
	ErrLockContention = errors.New("job lease is held by another owner")
	// 沒有對應 JobType 的處理器
	ErrUnknownJobType = errors.New("unknown job type")
	// 任務內容不合法
	ErrInvalidJob = errors.New("invalid job")
)

// DefaultOpTimeout 管理器內部發起的租約與存儲呼叫的逾時
const DefaultOpTimeout = 10 * time.Second

// Option Runner 選項
type Option func(*Runner)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithStatusSink 設定狀態通知
func WithStatusSink(s StatusSink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithObserver 設定狀態轉換觀察者
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithOpTimeout 設定管理器內部 I/O 逾時
func WithOpTimeout(d time.Duration) Option {
	return func(r *Runner) { r.opTimeout = d }
}

// Runner 任務執行器
type Runner struct {
	owner     types.OwnerToken // 本進程的租約身份
	locker    lock.Locker      // 租約鎖
	store     store.Store      // 任務存儲
	bus       *eventbus.Bus    // KeepAlive / Stop 事件
	registry  *Registry        // 處理器工廠
	sink      StatusSink       // 狀態通知
	observer  Observer         // 狀態轉換觀察者
	logger    *slog.Logger     // 日誌
	opTimeout time.Duration    // 管理器內部 I/O 逾時

	running atomic.Int64 // 目前處於 RUNNING 的管理器數

	// 本進程仍有管理器（或正在建立管理器）的任務 id 與其佔位數。
	// 租約不可重入也不區分同一 owner 的新舊持有，過期後同一 owner 能再次取得，
	// 因此本地是否已在運行只能由這裡判斷。
	localMu sync.Mutex
	local   map[types.JobID]int
}

// NewRunner 建立執行器
func NewRunner(owner types.OwnerToken, locker lock.Locker, st store.Store, bus *eventbus.Bus, registry *Registry, opts ...Option) *Runner {
	r := &Runner{
		owner:     owner,
		locker:    locker,
		store:     st,
		bus:       bus,
		registry:  registry,
		sink:      LogSink{},
		observer:  nopObserver{},
		logger:    slog.Default(),
		opTimeout: DefaultOpTimeout,
		local:     make(map[types.JobID]int),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("owner", string(owner))
	return r
}

// Owner 本進程的 owner token
func (r *Runner) Owner() types.OwnerToken {
	return r.owner
}

// Running 目前處於 RUNNING 的管理器數
func (r *Runner) Running() int {
	return int(r.running.Load())
}

// RunExisting 嘗試接手一個既有任務
//
// 返回是否取得租約並啟動了管理器；不會返回錯誤。
func (r *Runner) RunExisting(ctx context.Context, job types.Job) bool {
	log := r.logger.With("job_id", string(job.ID))

	// 本地管理器還在：即使租約已過期被本 owner 重新取得，也不能再啟動一份
	if !r.reserve(job.ID) {
		log.Debug("job is already running locally")
		return false
	}

	ok, err := r.locker.AttemptLock(ctx, job.ID, r.owner)
	if err != nil {
		log.Warn("attempt lock failed", "error", err)
		r.drop(job.ID)
		return false
	}
	if !ok {
		log.Debug("job is leased elsewhere")
		r.drop(job.ID)
		return false
	}

	fresh, err := r.store.Load(ctx, job.ID)
	if err != nil {
		// 任務已被刪除或存儲暫時不可用：沒有東西在運行，交還租約
		if errors.Is(err, store.ErrJobNotFound) {
			log.Info("job vanished before recovery")
		} else {
			log.Warn("reload job failed", "error", err)
		}
		r.release(job.ID, log)
		r.drop(job.ID)
		return false
	}

	r.launch(fresh, false)
	return true
}

// RunNew 提交新任務
//
// 流程：
//  1. 取得租約；失敗呼叫 onRejected 並返回錯誤（新 id 出現租約競爭屬於異常）
//  2. 插入；重複時呼叫 onAccepted、釋放租約、返回 (false, nil)
//  3. 其他插入錯誤呼叫 onRejected、釋放租約、返回錯誤
//  4. 成功呼叫 onAccepted，啟動管理器，返回 (true, nil)
func (r *Runner) RunNew(ctx context.Context, job types.Job, onAccepted, onRejected func()) (bool, error) {
	log := r.logger.With("job_id", string(job.ID))

	if err := job.Validate(); err != nil {
		call(onRejected)
		return false, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if !r.registry.Has(job.Type) {
		call(onRejected)
		return false, fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}

	if !r.reserve(job.ID) {
		call(onRejected)
		return false, fmt.Errorf("%w: %s is running locally", ErrLockContention, job.ID)
	}

	ok, err := r.locker.AttemptLock(ctx, job.ID, r.owner)
	if err != nil {
		r.drop(job.ID)
		call(onRejected)
		return false, fmt.Errorf("jobrun: lock %s: %w", job.ID, err)
	}
	if !ok {
		r.drop(job.ID)
		call(onRejected)
		return false, fmt.Errorf("%w: %s", ErrLockContention, job.ID)
	}

	if err := r.store.Insert(ctx, job); err != nil {
		if errors.Is(err, store.ErrJobAlreadyExists) {
			log.Info("duplicate submission, job already stored")
			call(onAccepted)
			r.release(job.ID, log)
			r.drop(job.ID)
			return false, nil
		}
		call(onRejected)
		r.release(job.ID, log)
		r.drop(job.ID)
		return false, fmt.Errorf("jobrun: insert %s: %w", job.ID, err)
	}

	call(onAccepted)
	r.launch(job, false)
	return true, nil
}

// launch 為任務建立新的管理器並啟動
//
// 呼叫者必須已持有該 id 的一個本地佔位；佔位由管理器繼承，在它到達 STOPPED 時歸還。
func (r *Runner) launch(job types.Job, replacement bool) {
	m := r.newManager(job)
	m.start(replacement)
}

// reserve 本進程沒有該任務的管理器時佔位並返回 true
func (r *Runner) reserve(id types.JobID) bool {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	if r.local[id] > 0 {
		return false
	}
	r.local[id] = 1
	return true
}

// retain 在已有佔位上再加一份；替換時新舊管理器交接期間不留空檔
func (r *Runner) retain(id types.JobID) {
	r.localMu.Lock()
	r.local[id]++
	r.localMu.Unlock()
}

func (r *Runner) drop(id types.JobID) {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	if r.local[id] <= 1 {
		delete(r.local, id)
		return
	}
	r.local[id]--
}

// Local 本進程是否仍有該任務的管理器
func (r *Runner) Local(id types.JobID) bool {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	return r.local[id] > 0
}

func (r *Runner) release(id types.JobID, log *slog.Logger) {
	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.locker.ReleaseLock(ctx, id, r.owner); err != nil {
		log.Warn("release lock failed", "error", err)
	}
}

func (r *Runner) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *Runner) transition(id types.JobID, from, to State) {
	if to == StateRunning {
		r.running.Add(1)
	}
	if from == StateRunning {
		r.running.Add(-1)
	}
	if to == StateStopped {
		r.drop(id)
	}
	r.observer.Transition(id, from, to)
}

func call(f func()) {
	if f != nil {
		f()
	}
}
