// ============================================================================
// Beaver-JobRun Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that hands recovery candidates to the Executor, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait, or exit when the pool stops)
//   2. Run the Executor with a per-task timeout
//   3. Send result to resultCh
//   4. Repeat above process until the pool is stopped
//
// Timeout Control:
//   The Context passed to the Executor carries task.Timeout. It bounds the
//   lease attempt and the store reload. Once a job is launched, its lifetime
//   is owned by the lifetime manager and not by this Context.
//
// Error Handling:
//   - Executor panic: recovered, reported as Panicked, the Worker keeps running
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	exec     Executor      // Handles one task
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	stopCh   <-chan struct{}
	log      *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      log.With("worker", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs the Executor, recovering from panics
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.JobID = task.Job.ID

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("executor panicked", "job_id", string(task.Job.ID), "panic", r)
			result.Locked = false
			result.Panicked = true
		}
		result.Duration = time.Since(start)
	}()

	result.Locked = w.exec(ctx, task.Job)
	return result
}
