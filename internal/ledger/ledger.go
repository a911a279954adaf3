// Package ledger is the persistent, fingerprint-indexed record of tasks and
// their audit trail, plus the scanner's findings and scanned-file registry.
// It is the only component allowed to mutate persistent state.
package ledger

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Ledger wraps the sqlite store. Writers are serialized behind a mutex and a
// single pool connection; readers share the same connection, which is
// acceptable at warden's write rates.
type Ledger struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open creates or opens the ledger database at path and applies the schema.
// Migrations are idempotent.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	// Pragmas go in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Ledger opened")
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		subject TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'info',
		status TEXT NOT NULL DEFAULT 'detected',
		fix_attempted INTEGER NOT NULL DEFAULT 0,
		fix_successful INTEGER NOT NULL DEFAULT 0,
		fix_message TEXT,
		external_ref TEXT,
		detected_at INTEGER NOT NULL,
		external_created_at INTEGER,
		fixed_at INTEGER,
		closed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_fingerprint ON tasks(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_open_fingerprint
		ON tasks(fingerprint) WHERE status != 'closed';

	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id),
		action TEXT NOT NULL,
		details TEXT,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		detected_at INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		finding_kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		details TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		file_hash TEXT NOT NULL,
		resolved_at INTEGER,
		false_positive INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_findings_path ON findings(file_path);
	CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status);

	CREATE TABLE IF NOT EXISTS scanned_files (
		path TEXT PRIMARY KEY,
		last_scanned INTEGER NOT NULL,
		file_hash TEXT NOT NULL,
		scan_count INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	_, err := l.db.Exec(`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().Unix())
	return err
}

// Close shuts the database down.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	return nil
}

// Prune deletes closed tasks (and their history) and resolved findings whose
// terminal timestamp is older than the retention window. A zero retention
// disables pruning.
func (l *Ledger) Prune(retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-retention).Unix()

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_history WHERE task_id IN
		(SELECT id FROM tasks WHERE status = 'closed' AND closed_at < ?)`, cutoff); err != nil {
		return fmt.Errorf("failed to prune task history: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM tasks WHERE status = 'closed' AND closed_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune tasks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM findings WHERE status = 'resolved' AND resolved_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune findings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("tasks", n).Msg("Pruned closed tasks past retention")
	}
	return nil
}

func nullTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	v := time.Unix(t.Int64, 0).UTC()
	return &v
}
