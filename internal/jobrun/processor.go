package jobrun

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// Processor 任務處理器，每種 JobType 一個實作
//
// Start 在返回前不可呼叫 Control；需要在運行中結束或替換任務時，從處理器自己的
// goroutine 呼叫 Control。Stop 在 Start 失敗或從未完成時也必須可以安全呼叫，
// 並且不可同步呼叫 Control。
type Processor interface {
	Start() (types.Status, error)
	Stop() error
}

// Control 處理器回呼其所屬管理器的控制代碼
type Control interface {
	// Replace 以新的任務值（相同 id）無縫替換目前的任務
	Replace(next types.Job)
	// Finish 回報終止狀態並刪除任務
	Finish(status types.Status)
}

// ProcessorFactory 依任務建立處理器
type ProcessorFactory func(job types.Job, ctl Control) (Processor, error)

// Registry JobType → ProcessorFactory
type Registry struct {
	mu        sync.RWMutex
	factories map[types.JobType]ProcessorFactory
}

// NewRegistry 建立空的 registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.JobType]ProcessorFactory)}
}

// Register 註冊處理器；同一 JobType 重複註冊返回錯誤
func (r *Registry) Register(t types.JobType, f ProcessorFactory) error {
	if f == nil {
		return fmt.Errorf("jobrun: nil factory for %s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("jobrun: factory for %s already registered", t)
	}
	r.factories[t] = f
	return nil
}

// MustRegister 同 Register，錯誤時 panic
func (r *Registry) MustRegister(t types.JobType, f ProcessorFactory) {
	if err := r.Register(t, f); err != nil {
		panic(err)
	}
}

// Has 是否已註冊
func (r *Registry) Has(t types.JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[t]
	return ok
}

// Types 已註冊的 JobType
func (r *Registry) Types() []types.JobType {
	r.mu.RLock()
	out := make([]types.JobType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build 建立處理器
func (r *Registry) Build(job types.Job, ctl Control) (Processor, error) {
	r.mu.RLock()
	f, ok := r.factories[job.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type)
	}
	return f(job, ctl)
}
