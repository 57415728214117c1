// ============================================================================
// Beaver-JobRun 事件總線 - 進程內廣播
// ============================================================================
//
// Package: internal/eventbus
// 文件: bus.go
// 功能: 將 KeepAlive 與 Stop 兩種事件廣播給所有已訂閱的監聽者
//
// 設計:
//   - 每個監聽者註冊一張處理表（OnKeepAlive / OnStop 兩個閉包），按事件種類分派
//   - Publish 時先在讀鎖下取得監聽者快照，再在鎖外並發執行處理函數
//   - 處理函數可以在執行中呼叫 Unsubscribe，不會死鎖
//   - 同一事件發佈時已訂閱的監聽者都會收到；並發退訂的監聽者可能收到也可能收不到
//
// ============================================================================

package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Kind 事件種類
type Kind int

const (
	KindKeepAlive Kind = iota + 1 // 續租訊號
	KindStop                      // 關閉訊號
)

func (k Kind) String() string {
	switch k {
	case KindKeepAlive:
		return "keep_alive"
	case KindStop:
		return "stop"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event 事件
type Event struct {
	Kind Kind
}

// KeepAlive 續租事件
func KeepAlive() Event { return Event{Kind: KindKeepAlive} }

// Stop 關閉事件
func Stop() Event { return Event{Kind: KindStop} }

// Listener 監聽者的處理表；nil 代表忽略該種事件
type Listener struct {
	OnKeepAlive func()
	OnStop      func()
}

func (l Listener) handler(k Kind) func() {
	switch k {
	case KindKeepAlive:
		return l.OnKeepAlive
	case KindStop:
		return l.OnStop
	default:
		return nil
	}
}

// Subscription 訂閱憑證，用於退訂
type Subscription uint64

// Option Bus 選項
type Option func(*Bus)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Bus 進程內事件總線
type Bus struct {
	mu        sync.RWMutex
	listeners map[Subscription]Listener
	nextID    atomic.Uint64
	logger    *slog.Logger
}

// New 建立事件總線
func New(opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[Subscription]Listener),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe 註冊監聽者，返回退訂用的憑證
func (b *Bus) Subscribe(l Listener) Subscription {
	id := Subscription(b.nextID.Add(1))

	b.mu.Lock()
	b.listeners[id] = l
	b.mu.Unlock()

	return id
}

// Unsubscribe 退訂；重複退訂返回 false
func (b *Bus) Unsubscribe(id Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.listeners[id]; !ok {
		return false
	}
	delete(b.listeners, id)
	return true
}

// Len 目前訂閱數
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish 廣播事件並等待所有處理函數返回
//
// 每個處理函數在自己的 goroutine 中執行；panic 會被記錄，不影響其他監聽者。
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]func(), 0, len(b.listeners))
	for _, l := range b.listeners {
		if h := l.handler(ev.Kind); h != nil {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h func()) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "event", ev.Kind.String(), "panic", r)
				}
			}()
			h()
		}(h)
	}
	wg.Wait()
}
