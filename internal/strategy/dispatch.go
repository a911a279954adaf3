package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
)

// TaskLedger is the slice of the ledger the dispatcher writes through.
// Creating and closing tasks stays with the cycle driver.
type TaskLedger interface {
	MarkFixAttempt(id int64, ok bool, message string) error
	MarkEscalated(id int64, externalRef string) error
	AppendHistory(id int64, action, details string) error
}

// Alerter hands escalated tasks to the notifier.
type Alerter interface {
	Notify(category string, sev issue.Severity, subject, body, source string)
}

// PlanProvider is what phase 3 needs from a planner.
type PlanProvider interface {
	Plan(ctx context.Context, is issue.Issue, logExcerpt string) ([]string, error)
}

// Outcome reports where in the ladder a dispatch stopped.
type Outcome struct {
	Phase     int
	Fixed     bool
	Escalated bool
	Message   string
}

// Dispatcher walks an issue down the remediation ladder: static rules,
// learned cache, external planner, human escalation. It stops at the first
// phase that produces a verified fix or at escalation.
type Dispatcher struct {
	rules       *Rules
	table       map[issue.Kind]Strategy
	cache       *Cache
	planner     PlanProvider
	tasks       TaskLedger
	alerts      Alerter
	stepTimeout time.Duration
	tracker     func(is issue.Issue) string
	log         zerolog.Logger
}

// NewDispatcher wires the ladder. cache and planner may be nil; their phases
// are then skipped.
func NewDispatcher(rules *Rules, cache *Cache, planner PlanProvider, tasks TaskLedger, alerts Alerter, stepTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	return &Dispatcher{
		rules:       rules,
		table:       rules.Table(),
		cache:       cache,
		planner:     planner,
		tasks:       tasks,
		alerts:      alerts,
		stepTimeout: stepTimeout,
		tracker:     defaultTracker,
		log:         log,
	}
}

// defaultTracker mints a local reference in lieu of a real ticket system.
func defaultTracker(issue.Issue) string {
	return "WARDEN-" + uuid.NewString()[:8]
}

// Dispatch runs the ladder for one admitted issue. The returned outcome
// tells the driver whether to close the task.
func (d *Dispatcher) Dispatch(ctx context.Context, is issue.Issue, taskID int64) (Outcome, error) {
	fp := is.Fingerprint()
	var trail []string

	if EscalatesDirectly(is) {
		trail = append(trail, fmt.Sprintf("no automated fix for kind %s", is.Kind))
		return d.escalate(is, taskID, trail)
	}

	// Phase 1: static rules.
	if strat, ok := d.table[is.Kind]; ok {
		outcome, detail := d.tryStrategy(ctx, strat, is)
		if outcome {
			msg := fmt.Sprintf("%s: %s", strat.Name, detail)
			if err := d.tasks.MarkFixAttempt(taskID, true, msg); err != nil {
				return Outcome{}, err
			}
			d.log.Info().Str("fingerprint", fp).Int64("task", taskID).Str("strategy", strat.Name).Msg("phase 1 fix verified")
			return Outcome{Phase: 1, Fixed: true, Message: msg}, nil
		}
		entry := fmt.Sprintf("phase 1 %s failed: %s", strat.Name, detail)
		trail = append(trail, entry)
		if err := d.tasks.AppendHistory(taskID, ledger.ActionFixAttempt, entry); err != nil {
			return Outcome{}, err
		}
	} else {
		trail = append(trail, fmt.Sprintf("phase 1: no rule for kind %s", is.Kind))
	}

	// Phase 2: replay a previously successful plan.
	if d.cache != nil {
		plan, err := d.cache.Get(fp)
		if err != nil {
			d.log.Warn().Err(err).Str("fingerprint", fp).Msg("strategy cache read failed")
		}
		if plan != nil && plan.Confidence > 0 {
			if detail, ok := d.runPlan(ctx, plan.Steps, is); ok {
				if err := d.cache.Adjust(fp, 1); err != nil {
					d.log.Warn().Err(err).Msg("failed to bump cached plan")
				}
				msg := "replayed cached plan: " + detail
				if err := d.tasks.MarkFixAttempt(taskID, true, msg); err != nil {
					return Outcome{}, err
				}
				d.log.Info().Str("fingerprint", fp).Int64("task", taskID).Msg("phase 2 fix verified")
				return Outcome{Phase: 2, Fixed: true, Message: msg}, nil
			} else {
				if err := d.cache.Adjust(fp, -1); err != nil {
					d.log.Warn().Err(err).Msg("failed to demote cached plan")
				}
				entry := "phase 2 cached plan failed: " + detail
				trail = append(trail, entry)
				if err := d.tasks.AppendHistory(taskID, ledger.ActionFixAttempt, entry); err != nil {
					return Outcome{}, err
				}
			}
		}
	}

	// Phase 3: ask the planner, execute only allow-listed steps.
	if d.planner != nil {
		steps, err := d.planner.Plan(ctx, is, "")
		switch {
		case err != nil:
			trail = append(trail, fmt.Sprintf("phase 3 planner error: %v", err))
		case len(steps) == 0:
			trail = append(trail, "phase 3: planner offered no allow-listed steps")
		default:
			detail, ok := d.runPlan(ctx, steps, is)
			record := CachedPlan{Steps: steps}
			if ok {
				record.Confidence = 1
			}
			if d.cache != nil {
				if err := d.cache.Put(fp, record); err != nil {
					d.log.Warn().Err(err).Msg("failed to record plan outcome")
				}
			}
			if ok {
				msg := "planned fix: " + detail
				if err := d.tasks.MarkFixAttempt(taskID, true, msg); err != nil {
					return Outcome{}, err
				}
				d.log.Info().Str("fingerprint", fp).Int64("task", taskID).Msg("phase 3 fix verified")
				return Outcome{Phase: 3, Fixed: true, Message: msg}, nil
			}
			entry := "phase 3 plan failed: " + detail
			trail = append(trail, entry)
			if err := d.tasks.AppendHistory(taskID, ledger.ActionFixAttempt, entry); err != nil {
				return Outcome{}, err
			}
		}
	}

	return d.escalate(is, taskID, trail)
}

// tryStrategy runs the fix under the step budget, then verifies under a
// budget wide enough for the stability window.
func (d *Dispatcher) tryStrategy(ctx context.Context, strat Strategy, is issue.Issue) (bool, string) {
	fixCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	res := strat.TryFix(fixCtx, is)
	cancel()
	if !res.OK {
		return false, res.Message
	}
	if strat.Verify == nil {
		return true, res.Message
	}

	verifyCtx, cancel := context.WithTimeout(ctx, d.stepTimeout+d.rules.verifyWindow)
	defer cancel()
	if !strat.Verify(verifyCtx, is) {
		return false, res.Message + " (verification failed)"
	}
	return true, res.Message
}

// runPlan executes each step under the step budget, aborting on the first
// failure, then verifies with the kind's rule when one exists.
func (d *Dispatcher) runPlan(ctx context.Context, steps []string, is issue.Issue) (string, bool) {
	for _, step := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
		out, err := d.rules.RunStep(stepCtx, step)
		cancel()
		if err != nil {
			return fmt.Sprintf("step %q failed: %v", step, err), false
		}
		d.log.Debug().Str("step", step).Str("output", strings.TrimSpace(out)).Msg("plan step executed")
	}

	if strat, ok := d.table[is.Kind]; ok && strat.Verify != nil {
		verifyCtx, cancel := context.WithTimeout(ctx, d.stepTimeout+d.rules.verifyWindow)
		defer cancel()
		if !strat.Verify(verifyCtx, is) {
			return fmt.Sprintf("%d steps ran but verification failed", len(steps)), false
		}
	}
	return fmt.Sprintf("%d steps executed", len(steps)), true
}

// escalate persists the attempt trail, transitions the task, and hands it to
// the notifier. Terminal for the cycle.
func (d *Dispatcher) escalate(is issue.Issue, taskID int64, trail []string) (Outcome, error) {
	ref := ""
	if d.tracker != nil {
		ref = d.tracker(is)
	}
	if err := d.tasks.MarkEscalated(taskID, ref); err != nil {
		return Outcome{}, fmt.Errorf("failed to escalate task %d: %w", taskID, err)
	}

	body := fmt.Sprintf("task #%d %s\n%s", taskID, is.Fingerprint(), is.Message)
	if len(trail) > 0 {
		body += "\nattempts:\n" + strings.Join(trail, "\n")
	}
	if ref != "" {
		body += "\nref: " + ref
	}
	if d.alerts != nil {
		d.alerts.Notify(string(is.Kind), is.Severity, is.Subject, body, is.Source)
	}

	d.log.Warn().Str("fingerprint", is.Fingerprint()).Int64("task", taskID).Str("ref", ref).Msg("task escalated to operator")
	return Outcome{Phase: 4, Escalated: true, Message: "escalated: " + strings.Join(trail, "; ")}, nil
}
