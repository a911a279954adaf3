// Package probes implements the detection fan-out: each probe inspects one
// source (logs, services, containers, endpoints) and emits raw issues for
// the normalizer. Probes never touch the ledger.
package probes

import (
	"context"
	"time"

	"github.com/warden-sh/warden/internal/issue"
)

// DefaultTimeout bounds a single probe's execution.
const DefaultTimeout = 10 * time.Second

// Probe inspects one source and returns the problems it observed. A probe
// error means the source could not be inspected; it never aborts the cycle.
type Probe interface {
	Name() string
	Probe(ctx context.Context) ([]issue.Issue, error)
}

// Result pairs a probe's output with its timing for the cycle summary.
type Result struct {
	Probe    string
	Issues   []issue.Issue
	Err      error
	Duration time.Duration
}

// budgeter lets a probe declare its own execution window when the generic
// cap does not fit; the HTTP probe derives its window from the endpoints'
// declared timeouts.
type budgeter interface {
	Budget() time.Duration
}

// Run executes a single probe under its budget, defaulting to DefaultTimeout.
func Run(ctx context.Context, p Probe) Result {
	budget := DefaultTimeout
	if b, ok := p.(budgeter); ok {
		if d := b.Budget(); d > 0 {
			budget = d
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	issues, err := p.Probe(probeCtx)
	return Result{
		Probe:    p.Name(),
		Issues:   issues,
		Err:      err,
		Duration: time.Since(start),
	}
}
