package eventbus

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Event Bus Tests
// ============================================================================

func TestPublishDispatchesByKind(t *testing.T) {
	bus := New()

	var keepAlives, stops atomic.Int32
	bus.Subscribe(Listener{
		OnKeepAlive: func() { keepAlives.Add(1) },
		OnStop:      func() { stops.Add(1) },
	})

	bus.Publish(KeepAlive())
	bus.Publish(KeepAlive())
	bus.Publish(Stop())

	assert.Equal(t, int32(2), keepAlives.Load())
	assert.Equal(t, int32(1), stops.Load())
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	bus := New()

	const n = 50
	var hits atomic.Int32
	for i := 0; i < n; i++ {
		bus.Subscribe(Listener{OnKeepAlive: func() { hits.Add(1) }})
	}
	require.Equal(t, n, bus.Len())

	bus.Publish(KeepAlive())
	assert.Equal(t, int32(n), hits.Load())
}

func TestNilHandlerIgnored(t *testing.T) {
	bus := New()

	var stops atomic.Int32
	bus.Subscribe(Listener{OnStop: func() { stops.Add(1) }})

	assert.NotPanics(t, func() { bus.Publish(KeepAlive()) })
	assert.Equal(t, int32(0), stops.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := New()

	var hits atomic.Int32
	sub := bus.Subscribe(Listener{OnKeepAlive: func() { hits.Add(1) }})

	assert.True(t, bus.Unsubscribe(sub))
	assert.False(t, bus.Unsubscribe(sub), "second unsubscribe should report nothing removed")

	bus.Publish(KeepAlive())
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 0, bus.Len())
}

// 處理函數內退訂自己不應死鎖
func TestUnsubscribeFromHandler(t *testing.T) {
	bus := New()

	var sub Subscription
	var hits atomic.Int32
	sub = bus.Subscribe(Listener{
		OnStop: func() {
			hits.Add(1)
			bus.Unsubscribe(sub)
		},
	})

	bus.Publish(Stop())
	bus.Publish(Stop())

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, bus.Len())
}

func TestHandlerPanicDoesNotBreakOthers(t *testing.T) {
	bus := New()

	var hits atomic.Int32
	bus.Subscribe(Listener{OnKeepAlive: func() { panic("boom") }})
	bus.Subscribe(Listener{OnKeepAlive: func() { hits.Add(1) }})

	assert.NotPanics(t, func() { bus.Publish(KeepAlive()) })
	assert.Equal(t, int32(1), hits.Load())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(Listener{OnKeepAlive: func() {}, OnStop: func() {}})
			bus.Unsubscribe(sub)
		}()
		go func() {
			defer wg.Done()
			bus.Publish(KeepAlive())
			bus.Publish(Stop())
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.Len())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "keep_alive", KindKeepAlive.String())
	assert.Equal(t, "stop", KindStop.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
