// Package scanner implements the file-integrity and security-scan pipeline:
// an exclusion-aware walk with hash-based change detection, built-in static
// checks, optional external analyzers, and finding resolution when flagged
// content changes.
package scanner

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
	"github.com/warden-sh/warden/internal/notify"
	"github.com/warden-sh/warden/internal/probes"
)

// CycleStats summarizes one scan pass.
type CycleStats struct {
	FilesSeen    int
	FilesScanned int
	FilesSkipped int
	NewFindings  int
	Resolved     int
	Critical     int
	Duration     time.Duration
}

type Scanner struct {
	cfg    config.ScannerConfig
	ledger *ledger.Ledger
	alerts *notify.Manager
	tools  *externalTools
	log    zerolog.Logger
}

func New(cfg config.ScannerConfig, led *ledger.Ledger, alerts *notify.Manager, run probes.Runner, log zerolog.Logger) *Scanner {
	return &Scanner{
		cfg:    cfg,
		ledger: led,
		alerts: alerts,
		tools: &externalTools{
			run:      run,
			semgrep:  cfg.SemgrepBin,
			clamscan: cfg.ClamscanBin,
			audit:    cfg.AuditBin,
			log:      log,
		},
		log: log,
	}
}

// Run executes scan cycles until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CycleInterval())
	defer ticker.Stop()

	for {
		stats, err := s.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error().Err(err).Msg("scan cycle failed")
		} else {
			s.log.Info().
				Int("seen", stats.FilesSeen).
				Int("scanned", stats.FilesScanned).
				Int("skipped", stats.FilesSkipped).
				Int("new_findings", stats.NewFindings).
				Int("resolved", stats.Resolved).
				Dur("took", stats.Duration).
				Msg("scan cycle complete")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle performs one full pass: walk, analyze changed files, sweep with the
// external engines, resolve findings whose content has moved on.
func (s *Scanner) Cycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	stats := CycleStats{}

	guard := newMemGuard(s.cfg.MemoryCeilingMB, s.cfg.MemoryCheckEvery, s.log)
	w := newWalker(s.cfg.WatchRoots, s.cfg.ExcludeGlobs, s.cfg.WatchExtensions, guard)

	err := w.walk(ctx, func(f walkedFile) error {
		stats.FilesSeen++

		prior, err := s.ledger.GetScannedFile(f.Path)
		if err != nil {
			return err
		}
		if prior != nil && prior.FileHash == f.Hash {
			stats.FilesSkipped++
			return s.ledger.UpsertScannedFile(f.Path, f.Hash)
		}

		if err := s.analyzeFile(ctx, f, &stats); err != nil {
			return err
		}
		stats.FilesScanned++
		return s.ledger.UpsertScannedFile(f.Path, f.Hash)
	})
	if err != nil {
		return stats, err
	}

	for _, root := range s.cfg.WatchRoots {
		for _, f := range s.tools.runClamscan(ctx, root) {
			s.recordFinding(f, &stats)
		}
		for _, f := range s.tools.runAudit(ctx, root) {
			s.recordFinding(f, &stats)
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// analyzeFile runs the static checks and semgrep on one changed file, then
// resolves open findings the new content no longer triggers.
func (s *Scanner) analyzeFile(ctx context.Context, f walkedFile, stats *CycleStats) error {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil
	}

	var current []fileFinding
	for _, sf := range runStaticChecks(string(raw)) {
		current = append(current, fileFinding{Path: f.Path, staticFinding: sf})
	}
	current = append(current, s.tools.runSemgrep(ctx, f.Path)...)

	flagged := make(map[string]struct{}, len(current))
	for _, ff := range current {
		flagged[ff.Kind+"|"+ff.Description] = struct{}{}
		ff.Path = f.Path
		s.recordFindingWithHash(ff, f.Hash, stats)
	}

	// Content changed and these are no longer flagged: resolved.
	open, err := s.ledger.OpenFindingsForFile(f.Path)
	if err != nil {
		return err
	}
	for _, existing := range open {
		if _, still := flagged[existing.FindingKind+"|"+existing.Description]; still {
			continue
		}
		if existing.FileHash == f.Hash {
			continue
		}
		if err := s.ledger.ResolveFinding(existing.ID); err != nil {
			s.log.Warn().Err(err).Int64("finding", existing.ID).Msg("failed to resolve finding")
			continue
		}
		stats.Resolved++
		s.log.Info().Str("path", f.Path).Str("kind", existing.FindingKind).Msg("finding resolved by content change")
	}
	return nil
}

func (s *Scanner) recordFinding(ff fileFinding, stats *CycleStats) {
	hash := ""
	if h, err := hashFile(ff.Path); err == nil {
		hash = h
	}
	s.recordFindingWithHash(ff, hash, stats)
}

func (s *Scanner) recordFindingWithHash(ff fileFinding, hash string, stats *CycleStats) {
	rec, created, err := s.ledger.RecordFinding(ledger.Finding{
		FilePath:    ff.Path,
		FindingKind: ff.Kind,
		Severity:    ff.Severity,
		Description: ff.Description,
		Details:     ff.Detail,
		FileHash:    hash,
	})
	if err != nil {
		s.log.Error().Err(err).Str("path", ff.Path).Msg("failed to record finding")
		return
	}
	if ff.Severity >= issue.SeverityCritical {
		stats.Critical++
	}
	if !created {
		return
	}
	stats.NewFindings++
	s.log.Warn().
		Str("path", ff.Path).
		Str("kind", ff.Kind).
		Str("severity", ff.Severity.String()).
		Str("description", ff.Description).
		Msg("new security finding")
	if s.alerts != nil {
		s.alerts.NotifyFinding(*rec, ff.Severity)
	}
}
