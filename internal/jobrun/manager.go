package jobrun

// ============================================================================
// 生命週期管理器
// ============================================================================
//
// 每次啟動（包含每次替換）建立一個管理器，驅動一個處理器從 start 到 stop。
//
// 並發:
//   - 所有狀態轉換經由 stateCell 的 CAS
//   - stopAndUnregister 另外以 mu 串行化：處理器 stop 與事件退訂只執行一次
//   - 誰贏得 RUNNING→STOPPING 或 STARTING→STOPPED 的 CAS 誰負責拆除，其他呼叫者視為已處理
//   - 持有 mu 時不呼叫租約或存儲
//
// ============================================================================

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-jobrun/internal/eventbus"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

type lifetimeManager struct {
	r         *Runner
	job       types.Job
	processor Processor
	buildErr  error // 建立處理器失敗時 start 直接視為暫時失敗

	state     stateCell
	mu        sync.Mutex            // 串行化 stopAndUnregister，並保護 sub
	sub       eventbus.Subscription // RUNNING 後的訂閱憑證
	finishing atomic.Bool           // Finish 只執行一次
	log       *slog.Logger
}

var _ Control = (*lifetimeManager)(nil)

func (r *Runner) newManager(job types.Job) *lifetimeManager {
	m := &lifetimeManager{
		r:   r,
		job: job,
		log: r.logger.With("job_id", string(job.ID), "job_type", string(job.Type)),
	}
	m.state.observe = func(from, to State) {
		m.log.Debug("state transition", "from", from.String(), "to", to.String())
		r.transition(job.ID, from, to)
	}
	m.processor, m.buildErr = r.registry.Build(job, m)
	return m
}

// start 只能執行一次；第二次呼叫是程式錯誤
func (m *lifetimeManager) start(replacement bool) {
	if !m.state.transition(StateCreated, StateStarting) {
		panic(fmt.Sprintf("jobrun: lifetime manager for %s started twice", m.job.ID))
	}
	if !replacement {
		m.log.Info("starting job")
	}

	status := m.startProcessor()
	if !(replacement && status == types.StatusRunning) {
		m.r.sink.Status(m.job.ID, status)
	}

	switch status {
	case types.StatusSuccess, types.StatusFailurePermanent:
		m.deleteJob()
		m.safeStop()
		m.state.transition(StateStarting, StateStopped)

	case types.StatusFailureTransient:
		// 租約保留到 TTL 過期，之後由其他 worker 重試
		m.safeStop()
		m.state.transition(StateStarting, StateStopped)

	case types.StatusRunning:
		m.mu.Lock()
		running := m.state.transition(StateStarting, StateRunning)
		if running {
			m.sub = m.r.bus.Subscribe(eventbus.Listener{
				OnKeepAlive: m.onKeepAlive,
				OnStop:      m.onStop,
			})
		}
		m.mu.Unlock()

		if !running {
			// start 期間已被 Finish / Replace 拆除，處理器由這裡停止
			m.log.Warn("job was stopped while starting")
			m.safeStop()
		}

	default:
		panic(fmt.Sprintf("jobrun: processor for %s returned unknown status %q", m.job.ID, status))
	}
}

// startProcessor 呼叫處理器 Start；錯誤與 panic 一律降級為 FAILURE_TRANSIENT
func (m *lifetimeManager) startProcessor() (status types.Status) {
	if m.buildErr != nil {
		m.log.Warn("cannot build processor", "error", m.buildErr)
		return types.StatusFailureTransient
	}

	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("processor start panicked", "panic", rec)
			status = types.StatusFailureTransient
		}
	}()

	status, err := m.processor.Start()
	if err != nil {
		m.log.Warn("processor start failed", "error", err)
		return types.StatusFailureTransient
	}
	return status
}

// safeStop 呼叫處理器 Stop；錯誤與 panic 只記錄
func (m *lifetimeManager) safeStop() {
	if m.processor == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("processor stop panicked", "panic", rec)
		}
	}()
	if err := m.processor.Stop(); err != nil {
		m.log.Warn("processor stop failed", "error", err)
	}
}

// stopAndUnregister 返回本次呼叫是否負責了拆除
func (m *lifetimeManager) stopAndUnregister() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.transition(StateRunning, StateStopping) {
		m.safeStop()
		m.r.bus.Unsubscribe(m.sub)
		m.state.transition(StateStopping, StateStopped)
		return true
	}
	if m.state.transition(StateStarting, StateStopped) {
		return true
	}
	return false
}

// onKeepAlive 續租；續租失敗（被他人取得、已過期或無法確認）就停止
func (m *lifetimeManager) onKeepAlive() {
	if m.state.load() != StateRunning {
		return
	}

	ctx, cancel := m.r.opContext()
	ok, err := m.r.locker.UpdateLock(ctx, m.job.ID, m.r.owner)
	cancel()
	if err != nil {
		m.log.Warn("lease renewal failed", "error", err)
	}
	m.r.observer.LeaseRenewed(m.job.ID, ok)
	if ok {
		return
	}

	m.log.Warn("lease lost, stopping job")
	m.stopAndUnregister()
}

// onStop 進程關閉：停止並主動釋放租約
func (m *lifetimeManager) onStop() {
	if !m.stopAndUnregister() {
		return
	}
	m.r.release(m.job.ID, m.log)
}

// Replace 停止目前處理器，寫入新任務值後以新的管理器啟動
func (m *lifetimeManager) Replace(next types.Job) {
	if next.ID != m.job.ID {
		m.log.Error("replacement must keep the job id", "next_id", string(next.ID))
		return
	}
	// 舊管理器停止時歸還它的佔位，這一份留給新的管理器
	m.r.retain(m.job.ID)
	if !m.stopAndUnregister() {
		m.r.drop(m.job.ID)
		m.log.Warn("replace ignored, job is already shutting down")
		return
	}

	ctx, cancel := m.r.opContext()
	err := m.r.store.Update(ctx, next)
	cancel()
	if err != nil {
		// 租約不再續期，過期後由恢復掃描以存儲中的舊記錄重啟
		m.r.drop(m.job.ID)
		m.log.Error("persist replacement failed", "error", err)
		return
	}

	m.r.launch(next, true)
}

// Finish 回報終止狀態、停止並刪除任務；重複呼叫為 no-op
func (m *lifetimeManager) Finish(status types.Status) {
	if status == types.StatusRunning {
		m.log.Error("finish called with non-terminal status", "status", status)
		return
	}
	if !m.finishing.CompareAndSwap(false, true) {
		m.log.Warn("finish already called", "status", status)
		return
	}

	m.r.sink.Status(m.job.ID, status)
	if !m.stopAndUnregister() {
		m.log.Warn("finish ignored, job is already shutting down", "status", status)
		return
	}
	m.deleteJob()
}

func (m *lifetimeManager) deleteJob() {
	ctx, cancel := m.r.opContext()
	defer cancel()
	if err := m.r.store.Delete(ctx, m.job.ID); err != nil {
		m.log.Error("delete job failed", "error", err)
	}
}
