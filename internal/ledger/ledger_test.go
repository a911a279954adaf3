package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/warden-sh/warden/internal/issue"
)

func testIssue(kind issue.Kind, subject string) issue.Issue {
	return issue.Issue{
		Kind:       kind,
		Source:     "systemd",
		Subject:    subject,
		Message:    "unit failed",
		Severity:   issue.SeverityHigh,
		ObservedAt: time.Now().UTC(),
	}
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCreateOrGetOpenDedups(t *testing.T) {
	l := openTestLedger(t)
	iss := testIssue(issue.KindServiceFailure, "foo.service")

	first, wasNew, err := l.CreateOrGetOpen(iss)
	if err != nil || !wasNew {
		t.Fatalf("first create: new=%t err=%v", wasNew, err)
	}
	second, wasNew, err := l.CreateOrGetOpen(iss)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if wasNew {
		t.Fatal("second create must reuse the open task")
	}
	if first.ID != second.ID {
		t.Fatalf("expected same task, got %d and %d", first.ID, second.ID)
	}

	open, err := l.OpenTasks()
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("dedup invariant violated: %d open tasks", len(open))
	}
}

func TestClosedTaskRecurrenceOpensNewTask(t *testing.T) {
	l := openTestLedger(t)
	iss := testIssue(issue.KindServiceFailure, "foo.service")

	first, _, err := l.CreateOrGetOpen(iss)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.MarkFixAttempt(first.ID, true, "restarted"); err != nil {
		t.Fatalf("fix attempt: %v", err)
	}
	if err := l.CloseTask(first.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, wasNew, err := l.CreateOrGetOpen(iss)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !wasNew || second.ID == first.ID {
		t.Fatalf("recurrence after close must open a new task (new=%t, ids %d/%d)",
			wasNew, first.ID, second.ID)
	}
}

func TestAdmitDecisions(t *testing.T) {
	l := openTestLedger(t)
	iss := testIssue(issue.KindContainerRestartLoop, "web")

	decision, task, err := l.Admit(iss)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision != DecisionNew {
		t.Fatalf("expected new, got %v", decision)
	}

	decision, retried, err := l.Admit(iss)
	if err != nil {
		t.Fatalf("admit retry: %v", err)
	}
	if decision != DecisionRetry || retried.ID != task.ID {
		t.Fatalf("expected retry of task %d, got %v task %d", task.ID, decision, retried.ID)
	}

	// Ten consecutive cycles, one open task at all times.
	for i := 0; i < 10; i++ {
		if _, _, err := l.Admit(iss); err != nil {
			t.Fatalf("admit cycle %d: %v", i, err)
		}
	}
	open, _ := l.OpenTasks()
	if len(open) != 1 {
		t.Fatalf("expected exactly one open task, got %d", len(open))
	}
}

func TestStatusTransitionsAndHistory(t *testing.T) {
	l := openTestLedger(t)
	task, _, err := l.CreateOrGetOpen(testIssue(issue.KindServiceFailure, "foo.service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := l.MarkFixAttempt(task.ID, true, "systemctl restart succeeded"); err != nil {
		t.Fatalf("fix attempt: %v", err)
	}
	if err := l.CloseTask(task.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := l.Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusClosed || !got.FixAttempted || !got.FixSuccessful {
		t.Fatalf("unexpected final state: %+v", got)
	}
	if got.FixedAt == nil || got.ClosedAt == nil {
		t.Fatal("terminal timestamps not recorded")
	}

	history, err := l.History(task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 history rows (detected, fix_attempted, closed), got %d", len(history))
	}
	wantActions := []string{ActionDetected, ActionFixAttempt, ActionClosed}
	for i, h := range history {
		if h.Action != wantActions[i] {
			t.Fatalf("history[%d] = %q, want %q", i, h.Action, wantActions[i])
		}
	}

	// Closed is terminal.
	if err := l.MarkFixAttempt(task.ID, false, "late"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on closed task, got %v", err)
	}
	if err := l.CloseTask(task.ID); err != ErrNotFound {
		t.Fatalf("double close should fail, got %v", err)
	}
}

func TestEscalationRecordsExternalRef(t *testing.T) {
	l := openTestLedger(t)
	task, _, err := l.CreateOrGetOpen(testIssue(issue.KindInvalidServicePath, "bar.service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.MarkEscalated(task.ID, "OPS-1234"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	got, _ := l.Get(task.ID)
	if got.Status != StatusEscalated || got.ExternalRef != "OPS-1234" {
		t.Fatalf("unexpected escalated state: %+v", got)
	}
	if got.ExternalCreatedAt == nil {
		t.Fatal("external created timestamp missing")
	}

	// An escalated task is still open for admission.
	decision, reused, err := l.Admit(testIssue(issue.KindInvalidServicePath, "bar.service"))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if decision != DecisionRetry || reused.ID != task.ID {
		t.Fatalf("expected retry of escalated task, got %v", decision)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	task, _, err := l.CreateOrGetOpen(testIssue(issue.KindServiceFailure, "foo.service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.FindOpen(task.Fingerprint)
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if got == nil || got.ID != task.ID {
		t.Fatal("open task lost across restart")
	}
	history, err := reopened.History(task.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("history lost across restart: %v rows=%d", err, len(history))
	}
}

func TestPruneKeepsOpenTasks(t *testing.T) {
	l := openTestLedger(t)
	open, _, err := l.CreateOrGetOpen(testIssue(issue.KindServiceFailure, "keep.service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	closed, _, err := l.CreateOrGetOpen(testIssue(issue.KindServiceFailure, "gone.service"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.CloseTask(closed.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Backdate the closure far past retention.
	if _, err := l.db.Exec(`UPDATE tasks SET closed_at = ? WHERE id = ?`,
		time.Now().Add(-100*24*time.Hour).Unix(), closed.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if err := l.Prune(30 * 24 * time.Hour); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := l.Get(closed.ID); err != ErrNotFound {
		t.Fatalf("pruned task should be gone, got %v", err)
	}
	if _, err := l.Get(open.ID); err != nil {
		t.Fatalf("open task must survive prune: %v", err)
	}
}
