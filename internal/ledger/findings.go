package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warden-sh/warden/internal/issue"
)

// Finding statuses.
const (
	FindingOpen     = "open"
	FindingResolved = "resolved"
)

// Finding is the scanner-core analog of a task: one security observation
// about one file.
type Finding struct {
	ID            int64
	DetectedAt    time.Time
	FilePath      string
	FindingKind   string
	Severity      issue.Severity
	Description   string
	Details       string
	Status        string
	FileHash      string
	ResolvedAt    *time.Time
	FalsePositive bool
}

// ScannedFile records the last observed content hash for change detection.
type ScannedFile struct {
	Path        string
	LastScanned time.Time
	FileHash    string
	ScanCount   int64
}

// RecordFinding inserts a new open finding unless an identical open finding
// (same path, kind, description) already exists, in which case the existing
// one is returned. Dedup keeps repeated scans from multiplying rows.
func (l *Ledger) RecordFinding(f Finding) (*Finding, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, detected_at, file_hash FROM findings
		WHERE file_path = ? AND finding_kind = ? AND description = ? AND status = 'open'
		ORDER BY id DESC LIMIT 1`, f.FilePath, f.FindingKind, f.Description)
	var existingID, detectedAt int64
	var existingHash string
	err = row.Scan(&existingID, &detectedAt, &existingHash)
	if err == nil {
		// Refresh the hash so resolution tracks the latest content.
		if existingHash != f.FileHash {
			if _, err := tx.Exec(`UPDATE findings SET file_hash = ? WHERE id = ?`, f.FileHash, existingID); err != nil {
				return nil, false, fmt.Errorf("failed to refresh finding hash: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		f.ID = existingID
		f.DetectedAt = time.Unix(detectedAt, 0).UTC()
		f.Status = FindingOpen
		return &f, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check existing finding: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`INSERT INTO findings
		(detected_at, file_path, finding_kind, severity, description, details, status, file_hash)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?)`,
		now.Unix(), f.FilePath, f.FindingKind, f.Severity.String(), f.Description, f.Details, f.FileHash)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert finding: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	f.ID = id
	f.DetectedAt = now
	f.Status = FindingOpen
	return &f, true, nil
}

// OpenFindingsForFile returns all open findings recorded against a path.
func (l *Ledger) OpenFindingsForFile(path string) ([]Finding, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT id, detected_at, file_path, finding_kind, severity,
		description, details, status, file_hash, resolved_at, false_positive
		FROM findings WHERE file_path = ? AND status = 'open' ORDER BY id`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()
	return scanFindings(rows)
}

// ResolveFinding marks a finding resolved, recording when.
func (l *Ledger) ResolveFinding(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`UPDATE findings SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status = 'open'`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve finding %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFalsePositive resolves a finding and flags it so the notifier demotes
// identical signatures in the future.
func (l *Ledger) MarkFalsePositive(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`UPDATE findings SET status = 'resolved', resolved_at = ?,
		false_positive = 1 WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark finding %d false positive: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FalsePositiveSignatures returns the (kind, description) pairs an operator
// has dismissed, used by the verified-positive filter.
func (l *Ledger) FalsePositiveSignatures() (map[string]struct{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT DISTINCT finding_kind, description FROM findings
		WHERE false_positive = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query false positives: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var kind, desc string
		if err := rows.Scan(&kind, &desc); err != nil {
			return nil, err
		}
		out[kind+"|"+desc] = struct{}{}
	}
	return out, rows.Err()
}

// GetScannedFile returns the change-detection record for a path, or nil.
func (l *Ledger) GetScannedFile(path string) (*ScannedFile, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.db.QueryRow(`SELECT path, last_scanned, file_hash, scan_count
		FROM scanned_files WHERE path = ?`, path)
	var sf ScannedFile
	var last int64
	err := row.Scan(&sf.Path, &last, &sf.FileHash, &sf.ScanCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scanned file: %w", err)
	}
	sf.LastScanned = time.Unix(last, 0).UTC()
	return &sf, nil
}

// UpsertScannedFile records a scan of path with the given content hash.
func (l *Ledger) UpsertScannedFile(path, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`INSERT INTO scanned_files (path, last_scanned, file_hash, scan_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET
			last_scanned = excluded.last_scanned,
			file_hash = excluded.file_hash,
			scan_count = scan_count + 1`,
		path, time.Now().Unix(), hash)
	if err != nil {
		return fmt.Errorf("failed to upsert scanned file: %w", err)
	}
	return nil
}

func scanFindings(rows *sql.Rows) ([]Finding, error) {
	var out []Finding
	for rows.Next() {
		var f Finding
		var severity string
		var detectedAt int64
		var details sql.NullString
		var resolvedAt sql.NullInt64
		var falsePositive int
		if err := rows.Scan(&f.ID, &detectedAt, &f.FilePath, &f.FindingKind, &severity,
			&f.Description, &details, &f.Status, &f.FileHash, &resolvedAt, &falsePositive); err != nil {
			return nil, err
		}
		f.DetectedAt = time.Unix(detectedAt, 0).UTC()
		f.Severity = issue.ParseSeverity(severity)
		f.Details = details.String
		f.ResolvedAt = nullTime(resolvedAt)
		f.FalsePositive = falsePositive == 1
		out = append(out, f)
	}
	return out, rows.Err()
}
