// ============================================================================
// Beaver-JobRun 處理器 - 內建的交易任務策略
// ============================================================================
//
// Package: internal/processor
// 文件: processor.go
// 功能: 實作 jobrun.Processor 的兩種任務，以及它們共用的行情、下單、通知介面
//
// 執行模型:
//   Start 啟動一個 tick goroutine 後立即返回 RUNNING；
//   每個 tick 讀取一次行情並判斷：
//     - 達到終止條件 → 呼叫 Control.Finish 並退出 goroutine
//     - 需要更新任務值 → 呼叫 Control.Replace 並退出 goroutine（新的管理器接手）
//     - 其他 → 等待下一個 tick
//   Stop 取消 goroutine 的 context 並等待進行中的 tick 結束（例如卡在下單），
//   返回後不會再有行情、下單或 Control 呼叫。
//   例外是 tick 已決定交出控制權：Finish / Replace 會在 tick goroutine 內同步呼叫 Stop，
//   這時 Stop 不能等待自己。
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// DefaultInterval 預設 tick 間隔
const DefaultInterval = 5 * time.Second

// ErrMissingDependency Deps 缺少必要的協作者
var ErrMissingDependency = errors.New("processor dependency missing")

// Ticker 一個市場的最新報價；零值表示沒有對應的買方 / 賣方
type Ticker struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// PriceSource 行情來源
type PriceSource interface {
	Ticker(ctx context.Context, market types.Market) (Ticker, error)
}

// OrderPlacer 下單
type OrderPlacer interface {
	PlaceLimitSell(ctx context.Context, market types.Market, amount, price decimal.Decimal) (orderID string, err error)
}

// Notifier 使用者通知
type Notifier interface {
	Notify(ctx context.Context, id types.JobID, message string) error
}

// Deps 處理器的協作者
type Deps struct {
	Prices   PriceSource
	Orders   OrderPlacer
	Notifier Notifier
	Interval time.Duration // tick 間隔；<= 0 使用 DefaultInterval
	Logger   *slog.Logger
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Prices == nil || d.Orders == nil || d.Notifier == nil {
		return d, ErrMissingDependency
	}
	if d.Interval <= 0 {
		d.Interval = DefaultInterval
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d, nil
}

// Register 把內建處理器註冊到 registry
func Register(registry *jobrun.Registry, deps Deps) error {
	deps, err := deps.withDefaults()
	if err != nil {
		return err
	}

	trailing := NewTrailingStopColumns(deps.Logger)
	if err := registry.Register(types.TypeSoftTrailingStop, func(job types.Job, ctl jobrun.Control) (jobrun.Processor, error) {
		return newTrailingStop(job, ctl, deps, trailing), nil
	}); err != nil {
		return fmt.Errorf("register %s: %w", types.TypeSoftTrailingStop, err)
	}

	if err := registry.Register(types.TypePriceAlert, func(job types.Job, ctl jobrun.Control) (jobrun.Processor, error) {
		return newPriceAlert(job, ctl, deps), nil
	}); err != nil {
		return fmt.Errorf("register %s: %w", types.TypePriceAlert, err)
	}
	return nil
}

// ============================================================================
// tick 循環
// ============================================================================

// ticking 共用的 tick goroutine；fn 返回 true 表示已交出控制權，循環結束
type ticking struct {
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	handingOff atomic.Bool // tick 即將呼叫 Control
}

func (t *ticking) run(interval time.Duration, fn func(ctx context.Context) bool) {
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				if fn(t.ctx) {
					return
				}
			}
		}
	}()
}

// Stop 取消 tick 循環並等待 goroutine 退出；tick 正在交出控制權時不等待
func (t *ticking) Stop() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	// 與 handOff 的順序相反：要嘛 tick 看到 ctx 已取消而退出，要嘛這裡看到 handingOff 而不等
	if !t.handingOff.Load() {
		<-t.done
	}
	return nil
}

// Done tick goroutine 退出後關閉；尚未 Start 時返回 nil
func (t *ticking) Done() <-chan struct{} {
	return t.done
}

// handOff 在呼叫 Control 之前執行；返回 false 表示已被 Stop，不得再呼叫 Control
func (t *ticking) handOff(ctx context.Context) bool {
	t.handingOff.Store(true)
	return ctx.Err() == nil
}
