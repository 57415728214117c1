package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// Executor 實際處理一個任務；返回值表示是否接手（取得租約並啟動）
type Executor func(ctx context.Context, job types.Job) bool

// Task 代表要執行的任務
type Task struct {
	Job     types.Job     // 恢復掃描看到的任務（可能已過期，Executor 負責重新載入）
	Timeout time.Duration // 執行超時時間；<= 0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Locked   bool          // 是否由本 worker 接手
	Panicked bool          // Executor 是否 panic
	Duration time.Duration // 實際執行時間
}
