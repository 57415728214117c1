package jobrun

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// StatusSink 接收任務狀態通知；fire-and-forget，失敗由實作自行處理
type StatusSink interface {
	Status(id types.JobID, status types.Status)
}

// StatusSinkFunc 函數形式的 StatusSink
type StatusSinkFunc func(id types.JobID, status types.Status)

func (f StatusSinkFunc) Status(id types.JobID, status types.Status) { f(id, status) }

// LogSink 將狀態寫入日誌
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Status(id types.JobID, status types.Status) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if status == types.StatusFailurePermanent || status == types.StatusFailureTransient {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "job status", "job_id", id, "status", status)
}

// MultiSink 依序轉發給多個 sink
type MultiSink []StatusSink

func (m MultiSink) Status(id types.JobID, status types.Status) {
	for _, s := range m {
		if s != nil {
			s.Status(id, status)
		}
	}
}

// Observer 觀察管理器的狀態轉換與續租結果（metrics 使用）
type Observer interface {
	Transition(id types.JobID, from, to State)
	LeaseRenewed(id types.JobID, ok bool)
}

type nopObserver struct{}

func (nopObserver) Transition(types.JobID, State, State) {}
func (nopObserver) LeaseRenewed(types.JobID, bool)       {}
