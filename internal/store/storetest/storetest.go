// Package storetest 提供 store.Store 各後端共用的行為測試
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// Factory 為每個子測試建立一個全新的空存儲
type Factory func(t *testing.T) store.Store

// TrailingStopJob 測試用的追蹤止損任務
func TrailingStopJob(id string, lastSync string) types.Job {
	return types.Job{
		ID:   types.JobID(id),
		Type: types.TypeSoftTrailingStop,
		TrailingStop: &types.SoftTrailingStop{
			Market:          types.Market{Exchange: "sim", Base: "BTC", Counter: "USD", PriceScale: 2},
			Amount:          decimal.RequireFromString("0.5"),
			StartPrice:      decimal.RequireFromString("100"),
			LastSyncPrice:   decimal.RequireFromString(lastSync),
			StopPercentage:  decimal.RequireFromString("5"),
			LimitPercentage: decimal.RequireFromString("10"),
		},
	}
}

// AlertJob 測試用的價格提醒任務
func AlertJob(id string) types.Job {
	return types.Job{
		ID:   types.JobID(id),
		Type: types.TypePriceAlert,
		Alert: &types.PriceAlert{
			Market:    types.Market{Exchange: "sim", Base: "ETH", Counter: "USD", PriceScale: 2},
			Direction: types.AlertAbove,
			Threshold: decimal.RequireFromString("2500.25"),
			Message:   "eth breakout",
		},
	}
}

// AssertSameJob 比較兩個任務的內容；decimal 以數值比較
func AssertSameJob(t *testing.T, want, got types.Job) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Type, got.Type)

	if want.TrailingStop == nil {
		assert.Nil(t, got.TrailingStop)
	} else if assert.NotNil(t, got.TrailingStop) {
		w, g := want.TrailingStop, got.TrailingStop
		assert.Equal(t, w.Market, g.Market)
		assertDecimal(t, w.Amount, g.Amount, "amount")
		assertDecimal(t, w.StartPrice, g.StartPrice, "start price")
		assertDecimal(t, w.LastSyncPrice, g.LastSyncPrice, "last sync price")
		assertDecimal(t, w.StopPercentage, g.StopPercentage, "stop percentage")
		assertDecimal(t, w.LimitPercentage, g.LimitPercentage, "limit percentage")
	}

	if want.Alert == nil {
		assert.Nil(t, got.Alert)
	} else if assert.NotNil(t, got.Alert) {
		w, g := want.Alert, got.Alert
		assert.Equal(t, w.Market, g.Market)
		assert.Equal(t, w.Direction, g.Direction)
		assertDecimal(t, w.Threshold, g.Threshold, "threshold")
		assert.Equal(t, w.Message, g.Message)
	}
}

func assertDecimal(t *testing.T, want, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, want.Equal(got), "%s: want %s, got %s", field, want, got)
}

// Run 執行完整的存儲行為測試
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("InsertAndLoad", func(t *testing.T) {
		s := newStore(t)

		job := TrailingStopJob("job-1", "100")
		require.NoError(t, s.Insert(ctx, job))

		got, err := s.Load(ctx, "job-1")
		require.NoError(t, err)
		AssertSameJob(t, job, got)
		assert.NotZero(t, got.CreatedAt)
		assert.NotZero(t, got.UpdatedAt)

		alert := AlertJob("job-2")
		require.NoError(t, s.Insert(ctx, alert))
		got, err = s.Load(ctx, "job-2")
		require.NoError(t, err)
		AssertSameJob(t, alert, got)
	})

	t.Run("InsertDuplicate", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Insert(ctx, TrailingStopJob("job-1", "100")))
		err := s.Insert(ctx, TrailingStopJob("job-1", "120"))
		assert.True(t, errors.Is(err, store.ErrJobAlreadyExists), "got %v", err)

		// 第一次寫入的內容不被覆寫
		got, err := s.Load(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, got.TrailingStop.LastSyncPrice.Equal(decimal.NewFromInt(100)))
	})

	t.Run("ConcurrentInsertSameID", func(t *testing.T) {
		s := newStore(t)

		const n = 8
		var ok, dup atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Insert(ctx, TrailingStopJob("job-1", "100"))
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, store.ErrJobAlreadyExists):
					dup.Add(1)
				default:
					t.Errorf("unexpected insert error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(n-1), dup.Load())
	})

	t.Run("LoadMissing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Load(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrJobNotFound), "got %v", err)
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)

		job := TrailingStopJob("job-1", "100")
		require.NoError(t, s.Insert(ctx, job))
		inserted, err := s.Load(ctx, "job-1")
		require.NoError(t, err)

		next := job.WithLastSyncPrice(decimal.RequireFromString("110.25"))
		require.NoError(t, s.Update(ctx, next))

		got, err := s.Load(ctx, "job-1")
		require.NoError(t, err)
		AssertSameJob(t, next, got)
		assert.Equal(t, inserted.CreatedAt, got.CreatedAt)
		assert.GreaterOrEqual(t, got.UpdatedAt, inserted.UpdatedAt)

		// 原值不受影響
		assert.True(t, job.TrailingStop.LastSyncPrice.Equal(decimal.NewFromInt(100)))
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)

		err := s.Update(ctx, TrailingStopJob("missing", "100"))
		assert.True(t, errors.Is(err, store.ErrJobNotFound), "got %v", err)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Insert(ctx, TrailingStopJob("job-1", "100")))
		require.NoError(t, s.Delete(ctx, "job-1"))

		_, err := s.Load(ctx, "job-1")
		assert.True(t, errors.Is(err, store.ErrJobNotFound))

		// 重複刪除不報錯
		require.NoError(t, s.Delete(ctx, "job-1"))

		// 刪除後可以重新插入
		require.NoError(t, s.Insert(ctx, TrailingStopJob("job-1", "100")))
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)

		jobs, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, jobs)

		for i := 3; i >= 1; i-- {
			require.NoError(t, s.Insert(ctx, TrailingStopJob(fmt.Sprintf("job-%d", i), "100")))
		}
		require.NoError(t, s.Insert(ctx, AlertJob("alert-1")))
		require.NoError(t, s.Delete(ctx, "job-2"))

		jobs, err = s.List(ctx)
		require.NoError(t, err)
		ids := make([]types.JobID, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		assert.Equal(t, []types.JobID{"alert-1", "job-1", "job-3"}, ids)
	})
}
