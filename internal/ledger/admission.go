package ledger

import (
	"github.com/rs/zerolog/log"

	"github.com/warden-sh/warden/internal/issue"
)

// Decision is the admission filter's verdict for a normalized issue.
type Decision int

const (
	// DecisionSkip means the issue maps to a closed task within the dedup
	// window; nothing to do this cycle.
	DecisionSkip Decision = iota
	// DecisionRetry means an open task already tracks this problem; the
	// dispatcher retries it.
	DecisionRetry
	// DecisionNew means a fresh task was opened.
	DecisionNew
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionRetry:
		return "retry"
	case DecisionNew:
		return "new"
	default:
		return "unknown"
	}
}

// Admit applies the admission filter: it reuses the open task for the issue's
// fingerprint when one exists, otherwise opens a new task. The at-most-one-
// open-task-per-fingerprint invariant is enforced here together with the
// unique partial index on tasks.
func (l *Ledger) Admit(iss issue.Issue) (Decision, *Task, error) {
	task, wasNew, err := l.CreateOrGetOpen(iss)
	if err != nil {
		return DecisionSkip, nil, err
	}
	if wasNew {
		log.Debug().Int64("task", task.ID).Str("fingerprint", task.Fingerprint).Msg("Opened new task")
		return DecisionNew, task, nil
	}

	// CreateOrGetOpen never returns closed tasks; a closed status here must
	// not re-dispatch.
	if task.Status == StatusClosed {
		return DecisionSkip, task, nil
	}

	if err := l.AppendHistory(task.ID, ActionRetried, iss.Message); err != nil {
		log.Warn().Err(err).Int64("task", task.ID).Msg("Failed to record retry on history")
	}
	log.Debug().Int64("task", task.ID).Str("status", task.Status).Msg("Reusing open task")
	return DecisionRetry, task, nil
}
