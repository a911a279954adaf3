package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
)

type fakeAlerter struct {
	sent []string
}

func (f *fakeAlerter) Notify(category string, sev issue.Severity, subject, body, source string) {
	f.sent = append(f.sent, category+":"+subject)
}

type fakePlanner struct {
	steps []string
	err   error
	calls int
}

func (f *fakePlanner) Plan(ctx context.Context, is issue.Issue, logExcerpt string) ([]string, error) {
	f.calls++
	return f.steps, f.err
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	ledger     *ledger.Ledger
	runner     *fakeCommandRunner
	engine     *fakeEngine
	alerts     *fakeAlerter
	planner    *fakePlanner
	cache      *Cache
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	runner := &fakeCommandRunner{out: map[string]string{}}
	engine := &fakeEngine{}
	rules := newTestRules(t, runner, engine, "")
	cache := newTestCache(t)
	alerts := &fakeAlerter{}
	planner := &fakePlanner{}

	d := NewDispatcher(rules, cache, planner, led, alerts, rules.verifyWindow, zerolog.Nop())
	return &dispatchFixture{
		dispatcher: d, ledger: led, runner: runner,
		engine: engine, alerts: alerts, planner: planner, cache: cache,
	}
}

func (fx *dispatchFixture) admit(t *testing.T, is issue.Issue) int64 {
	t.Helper()
	_, task, err := fx.ledger.Admit(is)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return task.ID
}

func serviceIssue() issue.Issue {
	return issue.Issue{
		Kind: issue.KindServiceFailure, Source: "systemd", Subject: "app.service",
		Message: "unit app.service is in failed state", Severity: issue.SeverityHigh,
		Attrs: map[string]string{"service": "app.service"},
	}
}

func TestDispatchPhase1Success(t *testing.T) {
	fx := newDispatchFixture(t)
	fx.runner.out["systemctl restart app.service"] = ""
	fx.runner.out["systemctl is-active app.service"] = "active"

	is := serviceIssue()
	id := fx.admit(t, is)

	out, err := fx.dispatcher.Dispatch(context.Background(), is, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Fixed || out.Phase != 1 {
		t.Fatalf("expected phase 1 fix, got %+v", out)
	}

	task, err := fx.ledger.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != ledger.StatusFixed || !task.FixSuccessful {
		t.Fatalf("task not marked fixed: %+v", task)
	}
	if fx.planner.calls != 0 {
		t.Error("phase 3 must not run after a phase 1 fix")
	}
	if len(fx.alerts.sent) != 0 {
		t.Error("a fixed task must not notify")
	}
}

func TestDispatchDirectEscalation(t *testing.T) {
	fx := newDispatchFixture(t)
	is := issue.Issue{
		Kind: issue.KindInvalidServicePath, Source: "systemd", Subject: "bar.service",
		Message: "unit bar.service references missing path /opt/bar", Severity: issue.SeverityHigh,
		Attrs: map[string]string{"service": "bar.service"},
	}
	id := fx.admit(t, is)

	out, err := fx.dispatcher.Dispatch(context.Background(), is, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Escalated || out.Phase != 4 {
		t.Fatalf("expected escalation, got %+v", out)
	}

	task, _ := fx.ledger.Get(id)
	if task.Status != ledger.StatusEscalated {
		t.Fatalf("status = %s, want escalated", task.Status)
	}
	if task.ExternalRef == "" {
		t.Error("escalation should mint an external reference")
	}
	if len(fx.alerts.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(fx.alerts.sent))
	}
	if fx.planner.calls != 0 {
		t.Error("direct escalation skips the planner")
	}
}

func TestDispatchLadderToEscalation(t *testing.T) {
	fx := newDispatchFixture(t)
	// Restart "succeeds" but the unit never goes active, so phase 1 fails
	// verification; the planner has nothing; escalation follows.
	fx.runner.out["systemctl restart app.service"] = ""
	fx.runner.out["systemctl is-active app.service"] = "failed"
	fx.planner.steps = nil

	is := serviceIssue()
	id := fx.admit(t, is)

	out, err := fx.dispatcher.Dispatch(context.Background(), is, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Escalated {
		t.Fatalf("expected escalation, got %+v", out)
	}

	history, err := fx.ledger.History(id)
	if err != nil {
		t.Fatal(err)
	}
	var attempts, escalations int
	for _, row := range history {
		switch row.Action {
		case ledger.ActionFixAttempt:
			attempts++
		case ledger.ActionEscalated:
			escalations++
		}
	}
	if attempts == 0 {
		t.Error("attempt trail should be persisted before escalation")
	}
	if escalations != 1 {
		t.Errorf("expected 1 escalation row, got %d", escalations)
	}
}

func TestDispatchPhase3RecordsAndPhase2Replays(t *testing.T) {
	fx := newDispatchFixture(t)
	fx.runner.out["systemctl is-active app.service"] = "active"
	fx.runner.errs = map[string]error{
		"systemctl restart app.service": fmt.Errorf("permission denied"),
	}
	fx.runner.out["systemctl reset-failed app.service"] = ""
	fx.planner.steps = []string{"systemctl reset-failed app.service"}

	is := serviceIssue()
	id := fx.admit(t, is)

	out, err := fx.dispatcher.Dispatch(context.Background(), is, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Fixed || out.Phase != 3 {
		t.Fatalf("expected phase 3 fix, got %+v", out)
	}

	plan, err := fx.cache.Get(is.Fingerprint())
	if err != nil || plan == nil {
		t.Fatalf("phase 3 success must prime the cache, got %+v, %v", plan, err)
	}
	if plan.Confidence != 1 {
		t.Errorf("confidence = %d, want 1", plan.Confidence)
	}

	// Same problem next cycle: the cached plan replays in phase 2 and the
	// planner is not consulted again.
	if err := fx.ledger.CloseTask(id); err != nil {
		t.Fatal(err)
	}
	id2 := fx.admit(t, is)
	fx.planner.calls = 0

	out, err = fx.dispatcher.Dispatch(context.Background(), is, id2)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Fixed || out.Phase != 2 {
		t.Fatalf("expected phase 2 replay, got %+v", out)
	}
	if fx.planner.calls != 0 {
		t.Error("cached plan should satisfy the issue without the planner")
	}
	plan, _ = fx.cache.Get(is.Fingerprint())
	if plan == nil || plan.Confidence != 2 {
		t.Fatalf("replay success should bump confidence, got %+v", plan)
	}
}

func TestDispatchFailedReplayDemotesPlan(t *testing.T) {
	fx := newDispatchFixture(t)
	fx.runner.errs = map[string]error{
		"systemctl restart app.service":      fmt.Errorf("permission denied"),
		"systemctl reset-failed app.service": fmt.Errorf("permission denied"),
	}
	fx.planner.steps = nil

	is := serviceIssue()
	if err := fx.cache.Put(is.Fingerprint(), CachedPlan{
		Steps: []string{"systemctl reset-failed app.service"}, Confidence: 1,
	}); err != nil {
		t.Fatal(err)
	}
	id := fx.admit(t, is)

	out, err := fx.dispatcher.Dispatch(context.Background(), is, id)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !out.Escalated {
		t.Fatalf("expected escalation after failed replay, got %+v", out)
	}
	plan, _ := fx.cache.Get(is.Fingerprint())
	if plan != nil {
		t.Fatalf("failed plan at confidence 1 should be evicted, got %+v", plan)
	}
}
