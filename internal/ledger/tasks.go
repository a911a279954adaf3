package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warden-sh/warden/internal/issue"
)

// Task statuses. The partial order is
// detected < escalated|fixed|fix_failed < closed; transitions never go
// backwards.
const (
	StatusDetected  = "detected"
	StatusEscalated = "escalated"
	StatusFixed     = "fixed"
	StatusFixFailed = "fix_failed"
	StatusClosed    = "closed"
)

// History actions recorded on the audit trail.
const (
	ActionDetected   = "detected"
	ActionRetried    = "retried"
	ActionFixAttempt = "fix_attempted"
	ActionEscalated  = "escalated"
	ActionClosed     = "closed"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Task is the persistent record of a detected problem.
type Task struct {
	ID                int64
	Fingerprint       string
	Kind              issue.Kind
	Source            string
	Subject           string
	Message           string
	Severity          issue.Severity
	Status            string
	FixAttempted      bool
	FixSuccessful     bool
	FixMessage        string
	ExternalRef       string
	DetectedAt        time.Time
	ExternalCreatedAt *time.Time
	FixedAt           *time.Time
	ClosedAt          *time.Time
}

// HistoryRow is one append-only audit entry.
type HistoryRow struct {
	ID      int64
	TaskID  int64
	Action  string
	Details string
	At      time.Time
}

const taskColumns = `id, fingerprint, kind, source, subject, message, severity, status,
	fix_attempted, fix_successful, fix_message, external_ref,
	detected_at, external_created_at, fixed_at, closed_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var kind, severity string
	var fixAttempted, fixSuccessful int
	var fixMessage, externalRef sql.NullString
	var detectedAt int64
	var externalCreatedAt, fixedAt, closedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.Fingerprint, &kind, &t.Source, &t.Subject, &t.Message,
		&severity, &t.Status, &fixAttempted, &fixSuccessful, &fixMessage, &externalRef,
		&detectedAt, &externalCreatedAt, &fixedAt, &closedAt)
	if err != nil {
		return Task{}, err
	}

	t.Kind = issue.Kind(kind)
	t.Severity = issue.ParseSeverity(severity)
	t.FixAttempted = fixAttempted == 1
	t.FixSuccessful = fixSuccessful == 1
	t.FixMessage = fixMessage.String
	t.ExternalRef = externalRef.String
	t.DetectedAt = time.Unix(detectedAt, 0).UTC()
	t.ExternalCreatedAt = nullTime(externalCreatedAt)
	t.FixedAt = nullTime(fixedAt)
	t.ClosedAt = nullTime(closedAt)
	return t, nil
}

// FindOpen returns the non-closed task with the given fingerprint, if any.
// The unique partial index guarantees at most one exists.
func (l *Ledger) FindOpen(fingerprint string) (*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.db.QueryRow(`SELECT `+taskColumns+` FROM tasks
		WHERE fingerprint = ? AND status != 'closed'
		ORDER BY id DESC LIMIT 1`, fingerprint)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open task: %w", err)
	}
	return &t, nil
}

// Get returns the task with the given id.
func (l *Ledger) Get(id int64) (*Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &t, nil
}

// CreateOrGetOpen atomically inserts a task for the issue unless an open task
// with the same fingerprint already exists, in which case the existing task
// is returned. A "detected" history row is written for new tasks.
func (l *Ledger) CreateOrGetOpen(iss issue.Issue) (*Task, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fingerprint := iss.Fingerprint()

	tx, err := l.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks
		WHERE fingerprint = ? AND status != 'closed'
		ORDER BY id DESC LIMIT 1`, fingerprint)
	existing, err := scanTask(row)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check open task: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`INSERT INTO tasks
		(fingerprint, kind, source, subject, message, severity, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, 'detected', ?)`,
		fingerprint, string(iss.Kind), iss.Source, iss.Subject, iss.Message,
		iss.Severity.String(), now.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(`INSERT INTO task_history (task_id, action, details, at)
		VALUES (?, 'detected', ?, ?)`, id, iss.Message, now.Unix()); err != nil {
		return nil, false, fmt.Errorf("failed to write history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return &Task{
		ID:          id,
		Fingerprint: fingerprint,
		Kind:        iss.Kind,
		Source:      iss.Source,
		Subject:     iss.Subject,
		Message:     iss.Message,
		Severity:    iss.Severity,
		Status:      StatusDetected,
		DetectedAt:  now,
	}, true, nil
}

// MarkEscalated transitions the task to escalated and records the optional
// external tracker reference.
func (l *Ledger) MarkEscalated(id int64, externalRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE tasks SET status = 'escalated' WHERE id = ? AND status != 'closed'`
	args := []any{id}
	if externalRef != "" {
		query = `UPDATE tasks SET status = 'escalated', external_ref = ?, external_created_at = ?
			WHERE id = ? AND status != 'closed'`
		args = []any{externalRef, now.Unix(), id}
	}
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to escalate task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`INSERT INTO task_history (task_id, action, details, at)
		VALUES (?, 'escalated', ?, ?)`, id, externalRef, now.Unix()); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return tx.Commit()
}

// MarkFixAttempt records the outcome of a remediation attempt. A successful
// attempt moves the task to fixed; a failed one to fix_failed.
func (l *Ledger) MarkFixAttempt(id int64, ok bool, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	status := StatusFixFailed
	var fixedAt any
	if ok {
		status = StatusFixed
		fixedAt = now.Unix()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE tasks SET status = ?, fix_attempted = 1,
		fix_successful = ?, fix_message = ?, fixed_at = COALESCE(?, fixed_at)
		WHERE id = ? AND status != 'closed'`,
		status, boolInt(ok), message, fixedAt, id)
	if err != nil {
		return fmt.Errorf("failed to record fix attempt on task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	details := fmt.Sprintf("ok=%t %s", ok, message)
	if _, err := tx.Exec(`INSERT INTO task_history (task_id, action, details, at)
		VALUES (?, 'fix_attempted', ?, ?)`, id, details, now.Unix()); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return tx.Commit()
}

// CloseTask transitions the task to closed. Closed tasks are never reopened;
// a recurrence produces a fresh task.
func (l *Ledger) CloseTask(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE tasks SET status = 'closed', closed_at = ?
		WHERE id = ? AND status != 'closed'`, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to close task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`INSERT INTO task_history (task_id, action, details, at)
		VALUES (?, 'closed', '', ?)`, id, now.Unix()); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return tx.Commit()
}

// AppendHistory adds a free-form audit row, used by the dispatcher to persist
// the attempt trail before escalation.
func (l *Ledger) AppendHistory(id int64, action, details string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`INSERT INTO task_history (task_id, action, details, at)
		VALUES (?, ?, ?, ?)`, id, action, details, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns the audit trail for a task, oldest first.
func (l *Ledger) History(id int64) ([]HistoryRow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT id, task_id, action, details, at
		FROM task_history WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		var details sql.NullString
		var at int64
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Action, &details, &at); err != nil {
			return nil, err
		}
		h.Details = details.String
		h.At = time.Unix(at, 0).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// OpenTasks returns all non-closed tasks, oldest first.
func (l *Ledger) OpenTasks() ([]Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT ` + taskColumns + ` FROM tasks
		WHERE status != 'closed' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
