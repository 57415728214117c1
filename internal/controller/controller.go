// ============================================================================
// Beaver-JobRun 控制器 - 節點級協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 每個 worker 進程一個控制器，驅動租約續期與崩潰恢復
//
// 架構設計:
//   控制器本身不持有任務狀態，只協調以下組件：
//   - Runner: 租約、持久化與生命週期管理器
//   - Store: 任務存儲，恢復掃描從這裡列出所有任務
//   - Bus: KeepAlive / Stop 事件
//   - WorkerPool: 並發執行 RunExisting
//
// 核心循環 (3 個並發 Goroutine):
//   1. KeepAlive Loop - 每 KeepAliveInterval 發布一次 KeepAlive，所有 RUNNING 的管理器續租
//   2. Scan Loop - 每 PollInterval 列出所有任務，按 ScanRate 節流後交給 worker 嘗試接手
//   3. Result Loop - 收集 worker 結果，更新統計
//
// 崩潰恢復:
//   其他進程崩潰後它持有的租約停止續期，TTL 過期後下一次掃描即可取得租約，
//   從存儲重新載入任務並啟動。本進程自己在跑的任務因租約不可重入，嘗試會直接失敗。
//
// 關閉順序:
//  1. cancel ctx → 掃描與 keep-alive 循環退出（阻塞中的 Submit / limiter.Wait 也會返回）
//  2. 等待循環退出
//  3. pool.Stop() → 等待執行中的 RunExisting 完成，Result Loop 退出
//  4. 發布 Stop → 每個 RUNNING 的管理器停止處理器並釋放租約
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-jobrun/internal/eventbus"
	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/internal/worker"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped 控制器已停止
	ErrStopped = errors.New("controller is stopped")
	// ErrAlreadyStarted 控制器已啟動
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrInvalidConfig 配置不合法
	ErrInvalidConfig = errors.New("invalid controller config")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	ScanWorkers       int           // 恢復掃描 worker 數量
	ScanBuffer        int           // worker pool 緩衝大小
	KeepAliveInterval time.Duration // KeepAlive 事件間隔，必須小於租約 TTL
	PollInterval      time.Duration // 恢復掃描間隔
	ScanRate          float64       // 每秒最多嘗試接手幾個任務；<= 0 不限
	ScanBurst         int           // 節流突發量
	TaskTimeout       time.Duration // 單次 RunExisting 的租約與載入逾時
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		ScanWorkers:       4,
		ScanBuffer:        64,
		KeepAliveInterval: 10 * time.Second,
		PollInterval:      15 * time.Second,
		ScanRate:          50,
		ScanBurst:         10,
		TaskTimeout:       5 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.ScanWorkers <= 0:
		return fmt.Errorf("%w: scan workers must be positive", ErrInvalidConfig)
	case c.ScanBuffer < 0:
		return fmt.Errorf("%w: scan buffer must not be negative", ErrInvalidConfig)
	case c.KeepAliveInterval <= 0:
		return fmt.Errorf("%w: keep-alive interval must be positive", ErrInvalidConfig)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Metrics 控制器上報的指標；由 metrics.Collector 實作
type Metrics interface {
	RecordSubmitted()
	RecordRejected()
	RecordScan(seen int, elapsed time.Duration)
	RecordRecovered()
}

type nopMetrics struct{}

func (nopMetrics) RecordSubmitted()              {}
func (nopMetrics) RecordRejected()               {}
func (nopMetrics) RecordScan(int, time.Duration) {}
func (nopMetrics) RecordRecovered()              {}

// Option Controller 選項
type Option func(*Controller)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics 設定指標
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Stats 控制器統計
type Stats struct {
	Owner        types.OwnerToken
	Uptime       time.Duration
	Running      int   // 目前 RUNNING 的管理器數
	Subscribers  int   // 事件匯流排上的訂閱數
	Scans        int64 // 已完成的恢復掃描次數
	LastScanJobs int   // 最近一次掃描看到的任務數
	Recovered    int64 // 恢復掃描接手的任務總數
}

// Controller 節點控制器
type Controller struct {
	config  Config
	runner  *jobrun.Runner
	store   store.Store
	bus     *eventbus.Bus
	pool    *worker.Pool
	limiter *rate.Limiter
	metrics Metrics
	log     *slog.Logger

	mu        sync.Mutex // 保護 started / stopped
	started   bool
	stopped   bool
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup // keep-alive 與 scan 循環
	resultWg  sync.WaitGroup // result 循環
	inflight  sync.WaitGroup // 進行中的 Submit；Add 只在 mu 下且 stopped 為 false 時發生

	scans        atomic.Int64
	lastScanJobs atomic.Int64
	recovered    atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
func New(config Config, runner *jobrun.Runner, st store.Store, bus *eventbus.Bus, opts ...Option) (*Controller, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		config:  config,
		runner:  runner,
		store:   st,
		bus:     bus,
		metrics: nopMetrics{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "controller", "owner", string(runner.Owner()))

	limit := rate.Inf
	if config.ScanRate > 0 {
		limit = rate.Limit(config.ScanRate)
	}
	burst := config.ScanBurst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	c.pool = worker.NewPool(runner.RunExisting, config.ScanBuffer, worker.WithLogger(c.log))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start 啟動 Worker Pool 和三個核心循環；第一次恢復掃描立即執行
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.pool.Start(c.config.ScanWorkers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.started = true
	c.startTime = time.Now()

	c.loopWg.Add(2)
	go c.keepAliveLoop()
	go c.scanLoop()
	c.resultWg.Add(1)
	go c.resultLoop()

	c.log.Info("Controller started",
		"scan_workers", c.config.ScanWorkers,
		"keep_alive_interval", c.config.KeepAliveInterval,
		"poll_interval", c.config.PollInterval)
	return nil
}

// ============================================================================
// 三個核心循環
// ============================================================================

// keepAliveLoop 定期發布 KeepAlive
func (c *Controller) keepAliveLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.log.Debug("Keep-alive loop stopped")
			return
		case <-ticker.C:
			c.bus.Publish(eventbus.KeepAlive())
		}
	}
}

// scanLoop 定期掃描存儲，嘗試接手沒有存活租約的任務
func (c *Controller) scanLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.scan(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Warn("Recovery scan failed", "error", err)
		}

		select {
		case <-c.ctx.Done():
			c.log.Debug("Scan loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// scan 執行一次恢復掃描
func (c *Controller) scan(ctx context.Context) error {
	start := time.Now()

	listCtx, cancel := context.WithTimeout(ctx, c.config.TaskTimeout)
	jobs, err := c.store.List(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	for _, job := range jobs {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		task := worker.Task{Job: job, Timeout: c.config.TaskTimeout}
		if err := c.pool.Submit(ctx, task); err != nil {
			return err
		}
	}

	c.scans.Add(1)
	c.lastScanJobs.Store(int64(len(jobs)))
	c.metrics.RecordScan(len(jobs), time.Since(start))
	c.log.Debug("Recovery scan submitted", "jobs", len(jobs), "duration", time.Since(start))
	return nil
}

// resultLoop 收集 worker 結果，直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.resultWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				c.log.Debug("Result loop stopped")
				return
			}
			c.log.Error("Failed to receive result", "error", err)
			continue
		}

		if result.Locked {
			c.recovered.Add(1)
			c.metrics.RecordRecovered()
			c.log.Info("Recovered job", "job_id", string(result.JobID), "duration", result.Duration)
		}
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Submit 提交新任務，語義同 jobrun.Runner.RunNew
func (c *Controller) Submit(ctx context.Context, job types.Job, onAccepted, onRejected func()) (bool, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.metrics.RecordRejected()
		if onRejected != nil {
			onRejected()
		}
		return false, ErrStopped
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	accepted := func() {
		c.metrics.RecordSubmitted()
		if onAccepted != nil {
			onAccepted()
		}
	}
	rejected := func() {
		c.metrics.RecordRejected()
		if onRejected != nil {
			onRejected()
		}
	}
	return c.runner.RunNew(ctx, job, accepted, rejected)
}

// Stats 取得統計
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	return Stats{
		Owner:        c.runner.Owner(),
		Uptime:       uptime,
		Running:      c.runner.Running(),
		Subscribers:  c.bus.Len(),
		Scans:        c.scans.Load(),
		LastScanJobs: int(c.lastScanJobs.Load()),
		Recovered:    c.recovered.Load(),
	}
}

// Stop 優雅關閉 Controller；重複呼叫為 no-op
//
// 返回時所有 RUNNING 的管理器（包含與 Stop 並發提交的任務）已收到 Stop 並釋放租約。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	c.cancel()
	c.loopWg.Wait()

	c.pool.Stop()
	c.resultWg.Wait()

	// 等與 Stop 競爭的提交啟動完畢，它們的管理器也要收到 Stop
	c.inflight.Wait()
	c.bus.Publish(eventbus.Stop())

	c.log.Info("Controller stopped", "recovered", c.recovered.Load())
}
