package probes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warden-sh/warden/internal/issue"
)

// budgetedProbe blocks until its context expires and reports its own window.
type budgetedProbe struct {
	budget time.Duration
}

func (p *budgetedProbe) Name() string          { return "budgeted" }
func (p *budgetedProbe) Budget() time.Duration { return p.budget }

func (p *budgetedProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunHonorsProbeDeclaredBudget(t *testing.T) {
	p := &budgetedProbe{budget: 50 * time.Millisecond}

	start := time.Now()
	res := Run(context.Background(), p)
	elapsed := time.Since(start)

	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.Err)
	}
	// Completing well under the generic cap proves the probe's own window
	// was applied rather than DefaultTimeout.
	if elapsed >= DefaultTimeout {
		t.Fatalf("probe ran %s, its declared budget was ignored", elapsed)
	}
}

func TestRunDefaultsWithoutBudget(t *testing.T) {
	p := &budgetedProbe{budget: 0}

	done := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- Run(ctx, p) }()

	// A zero budget falls back to the default cap, so the probe is still
	// running shortly after start.
	select {
	case res := <-done:
		t.Fatalf("probe finished immediately under zero budget: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	<-done
}
