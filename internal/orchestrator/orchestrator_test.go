package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
	"github.com/warden-sh/warden/internal/probes"
	"github.com/warden-sh/warden/internal/strategy"
	"github.com/warden-sh/warden/internal/worker"
)

type stubProbe struct {
	name   string
	issues []issue.Issue
	err    error
}

func (s *stubProbe) Name() string { return s.name }

func (s *stubProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	return s.issues, s.err
}

type fixture struct {
	orch    *Orchestrator
	ledger  *ledger.Ledger
	fixOK   bool
	history []string
}

func newFixture(t *testing.T, probeSet ...*stubProbe) *fixture {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	fx := &fixture{ledger: led, fixOK: true}
	dispatch := func(ctx context.Context, is issue.Issue, id int64) (strategy.Outcome, error) {
		fx.history = append(fx.history, is.Fingerprint())
		if fx.fixOK {
			if err := led.MarkFixAttempt(id, true, "restarted"); err != nil {
				return strategy.Outcome{}, err
			}
			return strategy.Outcome{Phase: 1, Fixed: true}, nil
		}
		if err := led.MarkEscalated(id, "WARDEN-test"); err != nil {
			return strategy.Outcome{}, err
		}
		return strategy.Outcome{Phase: 4, Escalated: true}, nil
	}
	pool := worker.NewPool(2, time.Second, dispatch, zerolog.Nop())

	set := make([]probes.Probe, len(probeSet))
	for i, p := range probeSet {
		set[i] = p
	}
	fx.orch = New(set, led, pool, time.Minute, zerolog.Nop())
	return fx
}

func serviceFailure(unit string) issue.Issue {
	return issue.Issue{
		Kind: issue.KindServiceFailure, Source: "systemd", Subject: unit,
		Message: fmt.Sprintf("unit %s is in failed state", unit), Severity: issue.SeverityHigh,
		Attrs: map[string]string{"service": unit},
	}
}

func TestCycleFixesAndClosesTask(t *testing.T) {
	probe := &stubProbe{name: "systemd", issues: []issue.Issue{serviceFailure("foo.service")}}
	fx := newFixture(t, probe)

	fx.orch.runCycle(context.Background())

	open, err := fx.ledger.OpenTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("fixed task should be closed, still open: %+v", open)
	}

	task, err := fx.ledger.FindOpen(serviceFailure("foo.service").Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Fatal("no open task expected")
	}
}

func TestRecurringEscalationKeepsOneTask(t *testing.T) {
	probe := &stubProbe{name: "units", issues: []issue.Issue{{
		Kind: issue.KindInvalidServicePath, Source: "systemd", Subject: "bar.service",
		Message: "missing path", Severity: issue.SeverityHigh,
		Attrs: map[string]string{"service": "bar.service"},
	}}}
	fx := newFixture(t, probe)
	fx.fixOK = false

	for i := 0; i < 5; i++ {
		fx.orch.runCycle(context.Background())
	}

	open, err := fx.ledger.OpenTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("recurring issue must keep exactly one open task, got %d", len(open))
	}
	if open[0].Status != ledger.StatusEscalated {
		t.Errorf("status = %s, want escalated", open[0].Status)
	}
	if len(fx.history) != 5 {
		t.Errorf("each cycle should retry the dispatch, got %d", len(fx.history))
	}
}

func TestHTTPFailureDeferredToServiceRestart(t *testing.T) {
	probe := &stubProbe{name: "mixed", issues: []issue.Issue{
		serviceFailure("api.service"),
		{
			Kind: issue.KindHTTPFailure, Source: "http", Subject: "http://localhost:8080/health",
			Message: "unreachable", Severity: issue.SeverityHigh,
			Attrs: map[string]string{"url": "http://localhost:8080/health", "http_code": "000"},
		},
	}}
	fx := newFixture(t, probe)

	fx.orch.runCycle(context.Background())

	if len(fx.history) != 1 {
		t.Fatalf("http failure should be suppressed while the service restarts, dispatched: %v", fx.history)
	}
	if fx.history[0] != serviceFailure("api.service").Fingerprint() {
		t.Errorf("service restart should run, got %s", fx.history[0])
	}
}

func TestHealthyCycleDoesNothing(t *testing.T) {
	probe := &stubProbe{name: "systemd"}
	fx := newFixture(t, probe)

	fx.orch.runCycle(context.Background())

	open, err := fx.ledger.OpenTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 || len(fx.history) != 0 {
		t.Fatalf("healthy cycle created work: open=%d dispatched=%d", len(open), len(fx.history))
	}
}

func TestDuplicateIssuesWithinCycleAdmitOnce(t *testing.T) {
	probe := &stubProbe{name: "systemd", issues: []issue.Issue{
		serviceFailure("foo.service"),
		serviceFailure("foo.service"),
	}}
	fx := newFixture(t, probe)

	fx.orch.runCycle(context.Background())
	if len(fx.history) != 1 {
		t.Fatalf("same fingerprint must dispatch once per cycle, got %d", len(fx.history))
	}
}

func TestProbeErrorDoesNotAbortCycle(t *testing.T) {
	broken := &stubProbe{name: "docker", err: fmt.Errorf("daemon unreachable")}
	working := &stubProbe{name: "systemd", issues: []issue.Issue{serviceFailure("foo.service")}}
	fx := newFixture(t, broken, working)

	fx.orch.runCycle(context.Background())
	if len(fx.history) != 1 {
		t.Fatalf("working probe's issue should still dispatch, got %d", len(fx.history))
	}
}
