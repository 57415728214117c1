package processor

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// ============================================================================
// 模擬行情
// ============================================================================

// DefaultStartPrice 沒有設定起始價的市場從這裡開始漫步
var DefaultStartPrice = decimal.NewFromInt(100)

// SimulatedFeed 隨機漫步行情，每次讀取前進一步
type SimulatedFeed struct {
	mu         sync.Mutex
	rng        *rand.Rand
	prices     map[types.Market]decimal.Decimal
	volatility float64         // 每步的相對標準差
	halfSpread decimal.Decimal // bid / ask 相對 last 的偏移比例
}

// NewSimulatedFeed 建立模擬行情；volatility <= 0 使用 0.002
func NewSimulatedFeed(seed int64, volatility float64) *SimulatedFeed {
	if volatility <= 0 {
		volatility = 0.002
	}
	return &SimulatedFeed{
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[types.Market]decimal.Decimal),
		volatility: volatility,
		halfSpread: decimal.RequireFromString("0.0005"),
	}
}

// Set 設定市場的目前價格
func (f *SimulatedFeed) Set(m types.Market, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[m] = price
}

// Ticker 實作 PriceSource
func (f *SimulatedFeed) Ticker(_ context.Context, m types.Market) (Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	last, ok := f.prices[m]
	if !ok {
		last = DefaultStartPrice
	}
	step := decimal.NewFromFloat(1 + f.rng.NormFloat64()*f.volatility)
	last = last.Mul(step).Round(m.PriceScale)
	if !last.IsPositive() {
		last = decimal.New(1, -m.PriceScale)
	}
	f.prices[m] = last

	one := decimal.NewFromInt(1)
	return Ticker{
		Bid:       last.Mul(one.Sub(f.halfSpread)).Round(m.PriceScale),
		Ask:       last.Mul(one.Add(f.halfSpread)).Round(m.PriceScale),
		Last:      last,
		Timestamp: time.Now(),
	}, nil
}

// ============================================================================
// 只記錄日誌的下單與通知
// ============================================================================

// LogOrderPlacer 不真正下單，只記錄並返回隨機訂單號
type LogOrderPlacer struct {
	Logger *slog.Logger
}

// PlaceLimitSell 實作 OrderPlacer
func (p LogOrderPlacer) PlaceLimitSell(ctx context.Context, m types.Market, amount, price decimal.Decimal) (string, error) {
	id := uuid.NewString()
	logger(p.Logger).InfoContext(ctx, "limit sell",
		"order_id", id, "market", m.String(), "amount", amount.String(), "price", price.String())
	return id, nil
}

// LogNotifier 以日誌代替使用者通知
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify 實作 Notifier
func (n LogNotifier) Notify(ctx context.Context, id types.JobID, message string) error {
	logger(n.Logger).InfoContext(ctx, "notification", "job_id", string(id), "message", message)
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
