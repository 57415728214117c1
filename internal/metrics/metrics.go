// ============================================================================
// Beaver-JobRun Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 worker 節點運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - jobrun_jobs_submitted_total: 新任務提交（RunNew 成功啟動或重複確認）
//      - jobrun_jobs_rejected_total: 新任務被拒絕
//      - jobrun_job_status_total{status}: processor start / finish 的狀態通知
//      - jobrun_lease_renewals_total{result}: 續租結果（ok / lost）
//      - jobrun_recovery_scans_total: 恢復掃描次數
//      - jobrun_recovery_locked_total: 恢復掃描中成功接手的任務數
//
//   2. 性能指標 (Histogram)：
//      - jobrun_recovery_scan_seconds: 單次恢復掃描耗時
//
//   3. 狀態指標 (Gauge)：
//      - jobrun_managers_running: 當前 RUNNING 的生命週期管理器數
//      - jobrun_recovery_last_scan_jobs: 最近一次掃描看到的任務數
//
// 使用場景:
//   - jobrun_lease_renewals_total{result="lost"} 增長 → 租約 TTL 與 keep-alive 間隔設定過緊或網路不穩
//   - jobrun_job_status_total{status="FAILURE_TRANSIENT"} 增長 → processor 啟動失敗
//   - jobrun_managers_running 在各節點不均 → 恢復掃描速率過低
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// 並發:
//   Counter/Gauge/Histogram 操作是原子的，Collector 可被多個 goroutine 同時使用
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// Collector Prometheus 指標收集器
//
// 同時實作 jobrun.StatusSink 與 jobrun.Observer。
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsRejected  prometheus.Counter
	jobStatus     *prometheus.CounterVec
	leaseRenewals *prometheus.CounterVec

	// 恢復掃描
	recoveryScans   prometheus.Counter
	recoveryLocked  prometheus.Counter
	recoveryLatency prometheus.Histogram
	lastScanJobs    prometheus.Gauge

	// 狀態指標
	managersRunning prometheus.Gauge
}

var (
	_ jobrun.StatusSink = (*Collector)(nil)
	_ jobrun.Observer   = (*Collector)(nil)
)

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
//
// 同一個 Registerer 重複註冊會 panic，一個進程只應建立一個 Collector。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrun_jobs_submitted_total",
			Help: "Total number of submitted jobs acknowledged by this worker",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrun_jobs_rejected_total",
			Help: "Total number of submitted jobs rejected by this worker",
		}),
		jobStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrun_job_status_total",
			Help: "Job status notifications by status",
		}, []string{"status"}),
		leaseRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrun_lease_renewals_total",
			Help: "Lease renewal attempts by result",
		}, []string{"result"}),
		recoveryScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrun_recovery_scans_total",
			Help: "Total number of recovery scans",
		}),
		recoveryLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrun_recovery_locked_total",
			Help: "Total number of jobs taken over by recovery scans",
		}),
		recoveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobrun_recovery_scan_seconds",
			Help:    "Recovery scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		lastScanJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobrun_recovery_last_scan_jobs",
			Help: "Number of jobs seen by the most recent recovery scan",
		}),
		managersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobrun_managers_running",
			Help: "Current number of running lifetime managers",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobStatus,
		c.leaseRenewals,
		c.recoveryScans,
		c.recoveryLocked,
		c.recoveryLatency,
		c.lastScanJobs,
		c.managersRunning,
	)

	return c
}

// RecordSubmitted 記錄新任務被確認
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordRejected 記錄新任務被拒絕
func (c *Collector) RecordRejected() {
	c.jobsRejected.Inc()
}

// RecordScan 記錄一次恢復掃描（掃描本身，不含 worker 的接手結果）
func (c *Collector) RecordScan(seen int, elapsed time.Duration) {
	c.recoveryScans.Inc()
	c.recoveryLatency.Observe(elapsed.Seconds())
	c.lastScanJobs.Set(float64(seen))
}

// RecordRecovered 記錄恢復掃描成功接手一個任務
func (c *Collector) RecordRecovered() {
	c.recoveryLocked.Inc()
}

// Status 實作 jobrun.StatusSink
func (c *Collector) Status(_ types.JobID, status types.Status) {
	c.jobStatus.WithLabelValues(string(status)).Inc()
}

// Transition 實作 jobrun.Observer
func (c *Collector) Transition(_ types.JobID, from, to jobrun.State) {
	if to == jobrun.StateRunning {
		c.managersRunning.Inc()
	}
	if from == jobrun.StateRunning {
		c.managersRunning.Dec()
	}
}

// LeaseRenewed 實作 jobrun.Observer
func (c *Collector) LeaseRenewed(_ types.JobID, ok bool) {
	result := "ok"
	if !ok {
		result = "lost"
	}
	c.leaseRenewals.WithLabelValues(result).Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server Prometheus metrics HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源；nil 時使用 prometheus.DefaultGatherer
func NewServer(port int, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start 阻塞直到伺服器關閉；正常關閉返回 nil
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
