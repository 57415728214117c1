package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/internal/eventbus"
	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/internal/lock"
	"github.com/ChuLiYu/beaver-jobrun/internal/store"
	"github.com/ChuLiYu/beaver-jobrun/internal/store/storetest"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// idleProc 啟動後一直 RUNNING，直到被停止
type idleProc struct {
	stops *atomic.Int32
}

func (p idleProc) Start() (types.Status, error) { return types.StatusRunning, nil }
func (p idleProc) Stop() error {
	p.stops.Add(1)
	return nil
}

// node 一個 worker 進程：共享 locker / store，擁有自己的 bus 與 runner
type node struct {
	owner  types.OwnerToken
	bus    *eventbus.Bus
	runner *jobrun.Runner
	stops  atomic.Int32
}

func newNode(t *testing.T, locker lock.Locker, st store.Store) *node {
	t.Helper()

	n := &node{owner: types.NewOwnerToken(), bus: eventbus.New()}
	registry := jobrun.NewRegistry()
	factory := func(types.Job, jobrun.Control) (jobrun.Processor, error) {
		return idleProc{stops: &n.stops}, nil
	}
	registry.MustRegister(types.TypeSoftTrailingStop, factory)
	registry.MustRegister(types.TypePriceAlert, factory)
	n.runner = jobrun.NewRunner(n.owner, locker, st, n.bus, registry)
	return n
}

func testConfig() Config {
	return Config{
		ScanWorkers:       2,
		ScanBuffer:        8,
		KeepAliveInterval: 30 * time.Millisecond,
		PollInterval:      40 * time.Millisecond,
		ScanRate:          0,
		TaskTimeout:       time.Second,
	}
}

// createTestController creates a Controller for a fresh node
func createTestController(t *testing.T, n *node, st store.Store, opts ...Option) *Controller {
	t.Helper()

	c, err := New(testConfig(), n.runner, st, n.bus, opts...)
	if err != nil {
		t.Fatalf("Failed to create Controller: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func newLocker(t *testing.T, ttl time.Duration) *lock.MemoryLocker {
	t.Helper()
	l, err := lock.NewMemoryLocker(ttl)
	if err != nil {
		t.Fatalf("Failed to create locker: %v", err)
	}
	return l
}

// waitFor polls checkFunc until it returns true or timeout elapses
func waitFor(t *testing.T, checkFunc func() bool, timeout time.Duration) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if checkFunc() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return checkFunc()
}

type countingMetrics struct {
	submitted, rejected, scans, recovered atomic.Int32
}

func (m *countingMetrics) RecordSubmitted()              { m.submitted.Add(1) }
func (m *countingMetrics) RecordRejected()               { m.rejected.Add(1) }
func (m *countingMetrics) RecordScan(int, time.Duration) { m.scans.Add(1) }
func (m *countingMetrics) RecordRecovered()              { m.recovered.Add(1) }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewControllerInvalidConfig tests configuration validation
func TestNewControllerInvalidConfig(t *testing.T) {
	st := store.NewMemoryStore()
	n := newNode(t, newLocker(t, time.Second), st)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.ScanWorkers = 0 }},
		{"negative buffer", func(c *Config) { c.ScanBuffer = -1 }},
		{"no keep-alive", func(c *Config) { c.KeepAliveInterval = 0 }},
		{"no poll", func(c *Config) { c.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, n.runner, st, n.bus)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := DefaultConfig().validate(); err != nil {
		t.Errorf("DefaultConfig() should be valid: %v", err)
	}
}

// TestStart tests Start and its guards
func TestStart(t *testing.T) {
	st := store.NewMemoryStore()
	n := newNode(t, newLocker(t, time.Second), st)
	c := createTestController(t, n, st)

	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	c.Stop()
	if err := c.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

// TestSubmit tests that Submit passes through to the runner
func TestSubmit(t *testing.T) {
	st := store.NewMemoryStore()
	locker := newLocker(t, time.Second)
	n := newNode(t, locker, st)
	m := &countingMetrics{}
	c := createTestController(t, n, st, WithMetrics(m))
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	var accepted atomic.Int32
	started, err := c.Submit(context.Background(), storetest.TrailingStopJob("job-1", "100"),
		func() { accepted.Add(1) }, nil)
	if err != nil || !started {
		t.Fatalf("Submit() = %v, %v; want true, nil", started, err)
	}
	if accepted.Load() != 1 || m.submitted.Load() != 1 {
		t.Errorf("accepted = %d, metrics submitted = %d; want 1, 1", accepted.Load(), m.submitted.Load())
	}

	holder, ok := locker.Holder("job-1")
	if !ok || holder != n.owner {
		t.Errorf("lease holder = %q, %v; want %q", holder, ok, n.owner)
	}
	if got := c.Stats().Running; got != 1 {
		t.Errorf("Stats().Running = %d, want 1", got)
	}

	// 同一 owner 再次提交：租約不可重入
	started, err = c.Submit(context.Background(), storetest.TrailingStopJob("job-1", "100"), nil, nil)
	if err == nil || started {
		t.Errorf("duplicate Submit() while leased = %v, %v; want false, contention error", started, err)
	}
	if !errors.Is(err, jobrun.ErrLockContention) {
		t.Errorf("duplicate Submit() error = %v, want ErrLockContention", err)
	}
	if m.rejected.Load() != 1 {
		t.Errorf("metrics rejected = %d, want 1", m.rejected.Load())
	}
}

// TestSubmitAfterStop tests that a stopped controller rejects submissions
func TestSubmitAfterStop(t *testing.T) {
	st := store.NewMemoryStore()
	n := newNode(t, newLocker(t, time.Second), st)
	c := createTestController(t, n, st)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	c.Stop()

	var rejected atomic.Int32
	started, err := c.Submit(context.Background(), storetest.AlertJob("job-1"), nil, func() { rejected.Add(1) })
	if !errors.Is(err, ErrStopped) || started {
		t.Errorf("Submit() after Stop = %v, %v; want false, ErrStopped", started, err)
	}
	if rejected.Load() != 1 {
		t.Errorf("onRejected called %d times, want 1", rejected.Load())
	}
	if st.Len() != 0 {
		t.Errorf("store has %d jobs, want 0", st.Len())
	}
}

// ============================================================================
// Loop Tests
// ============================================================================

// TestKeepAliveRenewsLease tests that leases outlive their TTL while the controller runs
func TestKeepAliveRenewsLease(t *testing.T) {
	st := store.NewMemoryStore()
	locker := newLocker(t, 120*time.Millisecond)
	n := newNode(t, locker, st)
	c := createTestController(t, n, st)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if _, err := c.Submit(context.Background(), storetest.AlertJob("job-1"), nil, nil); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	time.Sleep(400 * time.Millisecond)

	holder, ok := locker.Holder("job-1")
	if !ok || holder != n.owner {
		t.Errorf("lease holder after 3×TTL = %q, %v; want %q", holder, ok, n.owner)
	}
	if got := c.Stats().Running; got != 1 {
		t.Errorf("Stats().Running = %d, want 1", got)
	}
}

// TestCrashRecovery tests that a job whose owner stopped renewing is taken over
func TestCrashRecovery(t *testing.T) {
	st := store.NewMemoryStore()
	locker := newLocker(t, 100*time.Millisecond)

	// crashed 進程：直接用 runner 提交，沒有任何 keep-alive
	crashed := newNode(t, locker, st)
	if _, err := crashed.runner.RunNew(context.Background(), storetest.TrailingStopJob("job-1", "100"), nil, nil); err != nil {
		t.Fatalf("RunNew() failed: %v", err)
	}

	survivor := newNode(t, locker, st)
	m := &countingMetrics{}
	c := createTestController(t, survivor, st, WithMetrics(m))
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ok := waitFor(t, func() bool { return c.Stats().Recovered == 1 }, 2*time.Second)
	if !ok {
		t.Fatalf("job was not recovered, stats = %+v", c.Stats())
	}

	holder, _ := locker.Holder("job-1")
	if holder != survivor.owner {
		t.Errorf("lease holder = %q, want survivor %q", holder, survivor.owner)
	}
	if got := survivor.runner.Running(); got != 1 {
		t.Errorf("survivor running = %d, want 1", got)
	}
	if m.recovered.Load() != 1 || m.scans.Load() == 0 {
		t.Errorf("metrics recovered = %d, scans = %d", m.recovered.Load(), m.scans.Load())
	}
}

// TestScanSkipsOwnJobs tests that scanning never restarts jobs this node already runs
func TestScanSkipsOwnJobs(t *testing.T) {
	st := store.NewMemoryStore()
	n := newNode(t, newLocker(t, time.Second), st)
	c := createTestController(t, n, st)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	for _, id := range []types.JobID{"job-1", "job-2", "job-3"} {
		if _, err := c.Submit(context.Background(), storetest.AlertJob(string(id)), nil, nil); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	if !waitFor(t, func() bool { return c.Stats().Scans >= 3 }, 2*time.Second) {
		t.Fatalf("scan loop did not run, stats = %+v", c.Stats())
	}
	stats := c.Stats()
	if stats.Recovered != 0 {
		t.Errorf("Recovered = %d, want 0", stats.Recovered)
	}
	if stats.Running != 3 || stats.LastScanJobs != 3 {
		t.Errorf("Running = %d, LastScanJobs = %d; want 3, 3", stats.Running, stats.LastScanJobs)
	}
}

// TestScanRateLimit tests that the limiter paces lock attempts
func TestScanRateLimit(t *testing.T) {
	st := store.NewMemoryStore()
	for _, id := range []types.JobID{"a", "b", "c", "d", "e"} {
		if err := st.Insert(context.Background(), storetest.AlertJob(string(id))); err != nil {
			t.Fatalf("Insert(%s) failed: %v", id, err)
		}
	}
	n := newNode(t, newLocker(t, time.Second), st)

	cfg := testConfig()
	cfg.ScanRate = 20
	cfg.ScanBurst = 1
	cfg.PollInterval = time.Hour
	c, err := New(cfg, n.runner, st, n.bus)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer c.Stop()

	start := time.Now()
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !waitFor(t, func() bool { return c.Stats().Recovered == 5 }, 2*time.Second) {
		t.Fatalf("jobs not recovered, stats = %+v", c.Stats())
	}
	// burst 1 + 4 × 50ms
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("5 jobs recovered in %v, limiter not applied", elapsed)
	}
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStop tests that Stop stops every processor and releases every lease
func TestStop(t *testing.T) {
	st := store.NewMemoryStore()
	locker := newLocker(t, time.Second)
	n := newNode(t, locker, st)
	c := createTestController(t, n, st)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	for _, id := range []types.JobID{"job-1", "job-2"} {
		if _, err := c.Submit(context.Background(), storetest.AlertJob(string(id)), nil, nil); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	c.Stop()

	if got := n.stops.Load(); got != 2 {
		t.Errorf("processor stops = %d, want 2", got)
	}
	for _, id := range []types.JobID{"job-1", "job-2"} {
		if _, ok := locker.Holder(id); ok {
			t.Errorf("lease on %s still held after Stop", id)
		}
	}
	if st.Len() != 2 {
		t.Errorf("store has %d jobs, want 2 (Stop must not delete jobs)", st.Len())
	}
	if n.bus.Len() != 0 {
		t.Errorf("bus still has %d subscribers", n.bus.Len())
	}

	// idempotent
	c.Stop()
	if got := n.stops.Load(); got != 2 {
		t.Errorf("processor stops after second Stop = %d, want 2", got)
	}
}

// TestStopBeforeStart tests stopping a controller that never started
func TestStopBeforeStart(t *testing.T) {
	st := store.NewMemoryStore()
	n := newNode(t, newLocker(t, time.Second), st)
	c := createTestController(t, n, st)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() before Start() blocked")
	}
}

// TestConcurrentSubmitAndStop tests that Submit racing with Stop leaves nothing running
func TestConcurrentSubmitAndStop(t *testing.T) {
	st := store.NewMemoryStore()
	locker := newLocker(t, time.Second)
	n := newNode(t, locker, st)
	c := createTestController(t, n, st)
	if err := c.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	var wg sync.WaitGroup
	ids := make([]types.JobID, 20)
	for i := range ids {
		ids[i] = types.NewJobID()
		wg.Add(1)
		go func(id types.JobID) {
			defer wg.Done()
			_, _ = c.Submit(context.Background(), storetest.AlertJob(string(id)), nil, nil)
		}(ids[i])
	}
	c.Stop()

	if got := n.runner.Running(); got != 0 {
		t.Errorf("running after Stop = %d, want 0", got)
	}
	wg.Wait()
	if got := n.runner.Running(); got != 0 {
		t.Errorf("running after all submissions returned = %d, want 0", got)
	}
	for _, id := range ids {
		if _, ok := locker.Holder(id); ok {
			t.Errorf("lease on %s still held after Stop", id)
		}
	}
}

// gatedLocker 第一次 AttemptLock 在 gate 關閉前卡住
type gatedLocker struct {
	lock.Locker
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (l *gatedLocker) AttemptLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	l.once.Do(func() {
		close(l.entered)
		<-l.gate
	})
	return l.Locker.AttemptLock(ctx, id, owner)
}

// TestStopWaitsForInflightSubmit tests that Stop shuts down a job whose submission was still acquiring its lease
func TestStopWaitsForInflightSubmit(t *testing.T) {
	st := store.NewMemoryStore()
	mem := newLocker(t, time.Second)
	locker := &gatedLocker{Locker: mem, entered: make(chan struct{}), gate: make(chan struct{})}
	n := newNode(t, locker, st)
	c := createTestController(t, n, st)

	submitted := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), storetest.AlertJob("job-1"), nil, nil)
		submitted <- err
	}()
	select {
	case <-locker.entered:
	case <-time.After(time.Second):
		t.Fatal("Submit never reached the lease lock")
	}

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop() returned while a submission was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(locker.gate)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after the submission finished")
	}

	if err := <-submitted; err != nil {
		t.Fatalf("in-flight Submit() failed: %v", err)
	}
	if got := n.runner.Running(); got != 0 {
		t.Errorf("running after Stop = %d, want 0", got)
	}
	if got := n.stops.Load(); got != 1 {
		t.Errorf("processor stops = %d, want 1", got)
	}
	if _, ok := mem.Holder("job-1"); ok {
		t.Error("lease on job-1 still held after Stop")
	}
	if _, err := c.Submit(context.Background(), storetest.AlertJob("job-2"), nil, nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrStopped", err)
	}
}
