package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trailingStop(lastSync, stopPct string) SoftTrailingStop {
	return SoftTrailingStop{
		Market:          Market{Exchange: "sim", Base: "BTC", Counter: "USD", PriceScale: 2},
		Amount:          d("1"),
		StartPrice:      d("30000"),
		LastSyncPrice:   d(lastSync),
		StopPercentage:  d(stopPct),
		LimitPercentage: d("3"),
	}
}

func TestStopAndLimitPrice(t *testing.T) {
	tests := []struct {
		name     string
		lastSync string
		stopPct  string
		want     string
	}{
		{"round down", "30123.45", "2.5", "29370.36"},
		{"half up", "10.10", "5", "9.60"},
		{"exact", "100", "5", "95"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := trailingStop(tt.lastSync, tt.stopPct)
			got := ts.StopPrice()
			assert.True(t, d(tt.want).Equal(got), "want %s, got %s", tt.want, got)
		})
	}

	ts := trailingStop("31000", "2")
	assert.True(t, d("29100").Equal(ts.LimitPrice()), "limit price follows the start price")
}

func TestPriceAlertTriggered(t *testing.T) {
	above := PriceAlert{Direction: AlertAbove, Threshold: d("100")}
	assert.True(t, above.Triggered(d("100")))
	assert.True(t, above.Triggered(d("100.01")))
	assert.False(t, above.Triggered(d("99.99")))

	below := PriceAlert{Direction: AlertBelow, Threshold: d("100")}
	assert.True(t, below.Triggered(d("100")))
	assert.False(t, below.Triggered(d("100.01")))

	assert.False(t, PriceAlert{Direction: "sideways", Threshold: d("1")}.Triggered(d("1")))
}

func TestWithLastSyncPriceIsImmutable(t *testing.T) {
	ts := trailingStop("100", "5")
	job := Job{ID: "job-1", Type: TypeSoftTrailingStop, TrailingStop: &ts}

	next := job.WithLastSyncPrice(d("120"))
	assert.True(t, d("120").Equal(next.TrailingStop.LastSyncPrice))
	assert.True(t, d("100").Equal(job.TrailingStop.LastSyncPrice))
	assert.NotSame(t, job.TrailingStop, next.TrailingStop)

	alert := Job{ID: "job-2", Type: TypePriceAlert}
	assert.Equal(t, alert, alert.WithLastSyncPrice(d("1")))
}

func TestValidate(t *testing.T) {
	ts := trailingStop("100", "5")
	zeroStop := trailingStop("100", "0")

	tests := []struct {
		name string
		job  Job
		want error
	}{
		{"valid trailing stop", Job{ID: "a", Type: TypeSoftTrailingStop, TrailingStop: &ts}, nil},
		{"valid alert", Job{ID: "a", Type: TypePriceAlert, Alert: &PriceAlert{Direction: AlertBelow}}, nil},
		{"empty id", Job{Type: TypeSoftTrailingStop, TrailingStop: &ts}, ErrInvalidJobValue},
		{"missing payload", Job{ID: "a", Type: TypeSoftTrailingStop}, ErrMissingPayload},
		{"wrong payload", Job{ID: "a", Type: TypePriceAlert, TrailingStop: &ts}, ErrMissingPayload},
		{"zero stop", Job{ID: "a", Type: TypeSoftTrailingStop, TrailingStop: &zeroStop}, ErrInvalidJobValue},
		{"bad direction", Job{ID: "a", Type: TypePriceAlert, Alert: &PriceAlert{Direction: "up"}}, ErrInvalidJobValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestJobJSONKeepsDecimalText(t *testing.T) {
	ts := trailingStop("30123.45", "2.5")
	job := Job{ID: "job-1", Type: TypeSoftTrailingStop, TrailingStop: &ts}

	raw, err := json.Marshal(job)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"last_sync_price":"30123.45"`)
	assert.NotContains(t, string(raw), `"alert"`)

	var back Job
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, ts.LastSyncPrice.Equal(back.TrailingStop.LastSyncPrice))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailurePermanent.Terminal())
	assert.False(t, StatusFailureTransient.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestNewIDs(t *testing.T) {
	assert.NotEqual(t, NewOwnerToken(), NewOwnerToken())
	assert.Len(t, string(NewJobID()), 36)
	assert.Equal(t, "sim/BTC/USD", Market{Exchange: "sim", Base: "BTC", Counter: "USD"}.String())
}
