package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// trailingStop 軟追蹤止損
//
// 每個 tick：
//   - 沒有買方或賣方：警告並跳過
//   - bid <= 止損價：以限價掛賣單，Finish(SUCCESS)
//   - bid > 水位線：以新的水位線 Replace
type trailingStop struct {
	ticking
	job     types.Job
	ctl     jobrun.Control
	deps    Deps
	columns *ColumnLogger
	log     *slog.Logger
}

func newTrailingStop(job types.Job, ctl jobrun.Control, deps Deps, columns *ColumnLogger) *trailingStop {
	return &trailingStop{
		job:     job,
		ctl:     ctl,
		deps:    deps,
		columns: columns,
		log:     deps.Logger.With("job_id", string(job.ID), "job_type", string(job.Type)),
	}
}

func (p *trailingStop) Start() (types.Status, error) {
	if p.job.TrailingStop == nil {
		p.log.Error("job has no trailing stop payload")
		return types.StatusFailurePermanent, nil
	}
	p.run(p.deps.Interval, p.tick)
	return types.StatusRunning, nil
}

func (p *trailingStop) tick(ctx context.Context) bool {
	ts := p.job.TrailingStop
	m := ts.Market

	tk, err := p.deps.Prices.Ticker(ctx, m)
	if err != nil {
		p.log.Warn("ticker unavailable", "market", m.String(), "error", err)
		return false
	}
	if tk.Ask.IsZero() {
		p.warnEmptyBook(ctx, fmt.Sprintf("Market %s has no sellers!", m))
		return false
	}
	if tk.Bid.IsZero() {
		p.warnEmptyBook(ctx, fmt.Sprintf("Market %s has no buyers!", m))
		return false
	}

	stop := ts.StopPrice()
	p.columns.Line(
		p.job.ID,
		m.Exchange,
		m.PairName(),
		"Trailing stop",
		ts.StartPrice.Round(m.PriceScale),
		stop,
		tk.Bid.Round(m.PriceScale),
		tk.Last.Round(m.PriceScale),
		tk.Ask.Round(m.PriceScale),
	)

	if tk.Bid.LessThanOrEqual(stop) {
		return p.sell(ctx)
	}

	if tk.Bid.GreaterThan(ts.LastSyncPrice) {
		if !p.handOff(ctx) {
			return true
		}
		p.log.Debug("raising watermark", "from", ts.LastSyncPrice.String(), "to", tk.Bid.String())
		p.ctl.Replace(p.job.WithLastSyncPrice(tk.Bid))
		return true
	}
	return false
}

// sell 掛限價賣單；失敗時保持運行，下個 tick 重試
func (p *trailingStop) sell(ctx context.Context) bool {
	ts := p.job.TrailingStop
	m := ts.Market
	limit := ts.LimitPrice()

	p.log.Info("placing limit sell", "amount", ts.Amount.String(), "base", m.Base, "limit", limit.String(), "counter", m.Counter)
	orderID, err := p.deps.Orders.PlaceLimitSell(ctx, m, ts.Amount, limit)
	if err != nil {
		p.log.Error("place limit sell failed", "error", err)
		return false
	}
	p.log.Info("order placed", "order_id", orderID)

	msg := fmt.Sprintf("Job [%s] on [%s] placed limit sell at [%s]", p.job.ID, m, limit)
	if err := p.deps.Notifier.Notify(ctx, p.job.ID, msg); err != nil {
		p.log.Warn("notify failed", "error", err)
	}

	if !p.handOff(ctx) {
		return true
	}
	p.ctl.Finish(types.StatusSuccess)
	return true
}

func (p *trailingStop) warnEmptyBook(ctx context.Context, msg string) {
	p.log.Warn(msg)
	if err := p.deps.Notifier.Notify(ctx, p.job.ID, msg); err != nil {
		p.log.Warn("notify failed", "error", err)
	}
}
