// Package orchestrator is the cycle driver: probe fan-out, normalization,
// admission, dispatch on the worker pool, and the cycle summary. It is the
// sole caller of the ledger's admission and close operations.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
	"github.com/warden-sh/warden/internal/probes"
	"github.com/warden-sh/warden/internal/worker"
)

const (
	probeFanOut     = 4
	drainTimeout    = 30 * time.Second
	ledgerRetention = 30 * 24 * time.Hour
	pruneEvery      = 24 * time.Hour
)

// CycleSummary is logged at the end of every pass.
type CycleSummary struct {
	Cycle     uint64
	Raw       int
	Admitted  int
	New       int
	Retried   int
	Fixed     int
	Escalated int
	Failed    int
	ProbeErrs int
	Duration  time.Duration
}

// Orchestrator owns the detection/remediation loop.
type Orchestrator struct {
	probes   []probes.Probe
	ledger   *ledger.Ledger
	pool     *worker.Pool
	interval time.Duration
	log      zerolog.Logger

	cycle     uint64
	lastPrune time.Time
}

func New(probeSet []probes.Probe, led *ledger.Ledger, pool *worker.Pool, interval time.Duration, log zerolog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Orchestrator{
		probes:   probeSet,
		ledger:   led,
		pool:     pool,
		interval: interval,
		log:      log,
	}
}

// Run loops until the context is cancelled. The in-flight cycle gets a
// bounded drain window so remediation is not cut off mid-step.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().Dur("interval", o.interval).Int("probes", len(o.probes)).Msg("orchestrator started")
	for {
		start := time.Now()
		o.runCycle(ctx)

		wait := o.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator stopping")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runCycle executes one full pass. On cancellation mid-cycle the dispatch
// finishes under the drain window.
func (o *Orchestrator) runCycle(ctx context.Context) {
	start := time.Now()
	o.cycle++
	summary := CycleSummary{Cycle: o.cycle}

	results := o.probeAll(ctx)
	var raw []issue.Issue
	for _, res := range results {
		if res.Err != nil {
			summary.ProbeErrs++
			o.log.Warn().Err(res.Err).Str("probe", res.Probe).Msg("probe failed")
		}
		raw = append(raw, res.Issues...)
		o.log.Debug().Str("probe", res.Probe).Int("issues", len(res.Issues)).Dur("took", res.Duration).Msg("probe finished")
	}
	summary.Raw = len(raw)

	normalized := o.normalizeAll(raw)
	tasks := o.admitAll(normalized, &summary)

	if len(tasks) > 0 {
		dispatchCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			dispatchCtx, cancel = context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		}
		for _, res := range o.pool.Run(dispatchCtx, tasks) {
			o.settle(res, &summary)
		}
	}

	o.maybePrune()
	summary.Duration = time.Since(start)
	o.log.Info().
		Uint64("cycle", summary.Cycle).
		Int("raw", summary.Raw).
		Int("admitted", summary.Admitted).
		Int("new", summary.New).
		Int("retried", summary.Retried).
		Int("fixed", summary.Fixed).
		Int("escalated", summary.Escalated).
		Int("failed", summary.Failed).
		Int("probe_errors", summary.ProbeErrs).
		Dur("took", summary.Duration).
		Msg("cycle complete")
}

// probeAll fans the probe set out with bounded parallelism.
func (o *Orchestrator) probeAll(ctx context.Context) []probes.Result {
	results := make([]probes.Result, len(o.probes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeFanOut)
	for i, p := range o.probes {
		g.Go(func() error {
			results[i] = probes.Run(gctx, p)
			return nil
		})
	}
	g.Wait()
	return results
}

// normalizeAll validates and canonicalizes raw issues, then applies the
// cycle tie-break: when a service failure is present, HTTP failures are
// suppressed for this pass and the service restart goes first.
func (o *Orchestrator) normalizeAll(raw []issue.Issue) []issue.Issue {
	var out []issue.Issue
	serviceDown := false
	for _, r := range raw {
		n, err := issue.Normalize(r)
		if err != nil {
			o.log.Warn().Err(err).Str("kind", string(r.Kind)).Str("source", r.Source).Msg("dropping malformed issue")
			continue
		}
		if n.Kind == issue.KindServiceFailure {
			serviceDown = true
		}
		out = append(out, n)
	}
	if !serviceDown {
		return out
	}

	filtered := out[:0]
	for _, n := range out {
		if n.Kind == issue.KindHTTPFailure {
			o.log.Debug().Str("subject", n.Subject).Msg("http failure deferred to service restart")
			continue
		}
		filtered = append(filtered, n)
	}
	return filtered
}

// admitAll runs the admission filter and binds issues to ledger tasks.
func (o *Orchestrator) admitAll(normalized []issue.Issue, summary *CycleSummary) []worker.Task {
	var tasks []worker.Task
	seen := make(map[string]struct{}, len(normalized))
	for _, n := range normalized {
		fp := n.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		decision, task, err := o.ledger.Admit(n)
		if err != nil {
			o.log.Error().Err(err).Str("fingerprint", fp).Msg("admission failed")
			continue
		}
		switch decision {
		case ledger.DecisionSkip:
			continue
		case ledger.DecisionNew:
			summary.New++
		case ledger.DecisionRetry:
			summary.Retried++
		}
		summary.Admitted++
		tasks = append(tasks, worker.Task{Issue: n, TaskID: task.ID})
	}
	return tasks
}

// settle applies a dispatch result to the ledger. Only verified fixes close;
// timeouts and panics leave the task untouched for the next cycle.
func (o *Orchestrator) settle(res worker.Result, summary *CycleSummary) {
	switch {
	case res.Failed():
		summary.Failed++
		o.log.Error().
			Err(res.Err).
			Str("fingerprint", res.Task.Issue.Fingerprint()).
			Int64("task", res.Task.TaskID).
			Bool("timed_out", res.TimedOut).
			Bool("panicked", res.Panicked).
			Msg("dispatch failed, task left for next cycle")
	case res.Outcome.Fixed:
		summary.Fixed++
		if err := o.ledger.CloseTask(res.Task.TaskID); err != nil {
			o.log.Error().Err(err).Int64("task", res.Task.TaskID).Msg("failed to close fixed task")
		}
	case res.Outcome.Escalated:
		summary.Escalated++
	}
}

// maybePrune sweeps closed history out of the ledger once a day.
func (o *Orchestrator) maybePrune() {
	if time.Since(o.lastPrune) < pruneEvery {
		return
	}
	o.lastPrune = time.Now()
	if err := o.ledger.Prune(ledgerRetention); err != nil {
		o.log.Warn().Err(err).Msg("ledger prune failed")
	}
}
