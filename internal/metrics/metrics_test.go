package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobStatus, "jobStatus counter should be initialized")
	assert.NotNil(t, collector.managersRunning, "managersRunning gauge should be initialized")

	// 未帶 label 的指標立即可見
	n, err := testutil.GatherAndCount(reg, "jobrun_jobs_submitted_total", "jobrun_managers_running")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewCollectorDefaultRegisterer(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	assert.NotPanics(t, func() { NewCollector(nil) })
	assert.Panics(t, func() { NewCollector(nil) },
		"Creating a second collector on the same registerer should panic")
}

func TestRecordSubmittedAndRejected(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 5; i++ {
		collector.RecordSubmitted()
	}
	collector.RecordRejected()

	assert.Equal(t, 5.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsRejected))
}

func TestStatusSink(t *testing.T) {
	collector, _ := newTestCollector(t)

	var sink jobrun.StatusSink = collector
	sink.Status("job-1", types.StatusRunning)
	sink.Status("job-1", types.StatusSuccess)
	sink.Status("job-2", types.StatusRunning)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobStatus.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobStatus.WithLabelValues("SUCCESS")))
}

func TestTransitionGauge(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.Transition("job-1", jobrun.StateCreated, jobrun.StateStarting)
	collector.Transition("job-1", jobrun.StateStarting, jobrun.StateRunning)
	collector.Transition("job-2", jobrun.StateStarting, jobrun.StateRunning)
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.managersRunning))

	collector.Transition("job-1", jobrun.StateRunning, jobrun.StateStopping)
	collector.Transition("job-1", jobrun.StateStopping, jobrun.StateStopped)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.managersRunning))

	// STARTING → STOPPED 不影響 gauge
	collector.Transition("job-3", jobrun.StateStarting, jobrun.StateStopped)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.managersRunning))
}

func TestLeaseRenewed(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.LeaseRenewed("job-1", true)
	collector.LeaseRenewed("job-1", true)
	collector.LeaseRenewed("job-1", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.leaseRenewals.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.leaseRenewals.WithLabelValues("lost")))
}

func TestRecordScan(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.RecordScan(10, 20*time.Millisecond)
	for i := 0; i < 3; i++ {
		collector.RecordRecovered()
	}
	collector.RecordScan(7, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.recoveryScans))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.recoveryLocked))
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.lastScanJobs))

	n, err := testutil.GatherAndCount(reg, "jobrun_recovery_scan_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordSubmitted()
			collector.Status("job", types.StatusRunning)
			collector.Transition("job", jobrun.StateStarting, jobrun.StateRunning)
			collector.Transition("job", jobrun.StateRunning, jobrun.StateStopping)
			collector.LeaseRenewed("job", true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.managersRunning))
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordSubmitted()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jobrun_jobs_submitted_total 1")
}
