package jobrun

import (
	"fmt"
	"sync/atomic"
)

// State 生命週期管理器的狀態
//
//	CREATED → STARTING → RUNNING → STOPPING → STOPPED
//	                   ↘ STOPPED
//
// 狀態只能單調前進；管理器不會從 STOPPED 回到 STARTING，替換任務時一律建立新的管理器。
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// allowed 合法的狀態轉換
var allowed = map[State][]State{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// CanTransition 判斷 from → to 是否合法
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateCell 原子狀態格，transition 是唯一的修改入口
type stateCell struct {
	v       atomic.Int32
	observe func(from, to State)
}

func (c *stateCell) load() State {
	return State(c.v.Load())
}

// transition CAS from → to；非法轉換視為程式錯誤
func (c *stateCell) transition(from, to State) bool {
	if !CanTransition(from, to) {
		panic(fmt.Sprintf("jobrun: illegal state transition %s -> %s", from, to))
	}
	if !c.v.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if c.observe != nil {
		c.observe(from, to)
	}
	return true
}
