package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// priceAlert 最新價穿越門檻時通知一次，然後 Finish(SUCCESS)
type priceAlert struct {
	ticking
	job  types.Job
	ctl  jobrun.Control
	deps Deps
	log  *slog.Logger
}

func newPriceAlert(job types.Job, ctl jobrun.Control, deps Deps) *priceAlert {
	return &priceAlert{
		job:  job,
		ctl:  ctl,
		deps: deps,
		log:  deps.Logger.With("job_id", string(job.ID), "job_type", string(job.Type)),
	}
}

func (p *priceAlert) Start() (types.Status, error) {
	if p.job.Alert == nil {
		p.log.Error("job has no alert payload")
		return types.StatusFailurePermanent, nil
	}
	p.run(p.deps.Interval, p.tick)
	return types.StatusRunning, nil
}

func (p *priceAlert) tick(ctx context.Context) bool {
	alert := p.job.Alert

	tk, err := p.deps.Prices.Ticker(ctx, alert.Market)
	if err != nil {
		p.log.Warn("ticker unavailable", "market", alert.Market.String(), "error", err)
		return false
	}
	if tk.Last.IsZero() || !alert.Triggered(tk.Last) {
		return false
	}

	// 通知失敗就下個 tick 重試，避免提醒遺失
	if err := p.deps.Notifier.Notify(ctx, p.job.ID, alertMessage(*alert, tk)); err != nil {
		p.log.Warn("notify failed", "error", err)
		return false
	}

	if !p.handOff(ctx) {
		return true
	}
	p.ctl.Finish(types.StatusSuccess)
	return true
}

func alertMessage(a types.PriceAlert, tk Ticker) string {
	last := tk.Last.Round(a.Market.PriceScale)
	if a.Message != "" {
		return fmt.Sprintf("%s (%s last %s)", a.Message, a.Market, last)
	}
	return fmt.Sprintf("%s is %s %s (last %s)", a.Market, a.Direction, a.Threshold, last)
}
