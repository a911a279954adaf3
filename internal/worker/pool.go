// Package worker runs remediation dispatches on a bounded pool. A panicking
// or overrunning dispatch is reported to the driver and the task keeps its
// prior ledger state for the next cycle.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/strategy"
)

const (
	DefaultWorkers = 4
	DefaultTimeout = 5 * time.Minute
)

// Task is one admitted issue bound to its ledger row.
type Task struct {
	Issue  issue.Issue
	TaskID int64
}

// Result is what the driver gets back per task.
type Result struct {
	Task     Task
	Outcome  strategy.Outcome
	Err      error
	TimedOut bool
	Panicked bool
	Duration time.Duration
}

// DispatchFunc matches the strategy dispatcher's entry point.
type DispatchFunc func(ctx context.Context, is issue.Issue, taskID int64) (strategy.Outcome, error)

// Pool bounds concurrent dispatches and enforces the per-task wall clock.
type Pool struct {
	size     int
	timeout  time.Duration
	dispatch DispatchFunc
	log      zerolog.Logger
}

func NewPool(size int, timeout time.Duration, dispatch DispatchFunc, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{size: size, timeout: timeout, dispatch: dispatch, log: log}
}

// Run dispatches every task and blocks until all have finished or timed out.
// Results come back in input order.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.size)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = p.runOne(gctx, task)
			return nil
		})
	}
	g.Wait()
	return results
}

// runOne executes a single dispatch under the task budget. The dispatch runs
// in its own goroutine so a hang past the deadline does not hold a worker
// slot beyond this cycle; the abandoned goroutine drains when its context
// fires inside the next blocking call.
func (p *Pool) runOne(ctx context.Context, task Task) Result {
	taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type done struct {
		outcome  strategy.Outcome
		err      error
		panicked bool
	}
	ch := make(chan done, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Str("fingerprint", task.Issue.Fingerprint()).
					Int64("task", task.TaskID).
					Str("stack", string(debug.Stack())).
					Msgf("dispatch panicked: %v", r)
				ch <- done{err: fmt.Errorf("dispatch panicked: %v", r), panicked: true}
			}
		}()
		outcome, err := p.dispatch(taskCtx, task.Issue, task.TaskID)
		ch <- done{outcome: outcome, err: err}
	}()

	select {
	case d := <-ch:
		return Result{
			Task:     task,
			Outcome:  d.outcome,
			Err:      d.err,
			Panicked: d.panicked,
			Duration: time.Since(start),
		}
	case <-taskCtx.Done():
		p.log.Error().
			Str("fingerprint", task.Issue.Fingerprint()).
			Int64("task", task.TaskID).
			Dur("budget", p.timeout).
			Msg("dispatch exceeded task budget")
		return Result{
			Task:     task,
			Err:      taskCtx.Err(),
			TimedOut: true,
			Duration: time.Since(start),
		}
	}
}

// Failed reports whether the result left the task unresolved in a way the
// driver should count against the cycle.
func (r Result) Failed() bool {
	return r.Err != nil || r.TimedOut || r.Panicked
}
