// Package notify throttles and delivers operator alerts. The manager gates
// on severity, enforces a per-category cooldown, and walks its sinks in
// preference order until one delivers.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
)

const (
	maxMessageLen  = 500
	deliverTimeout = 10 * time.Second
)

// Manager implements the notifier contract. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	lastSent map[string]time.Time

	minSeverity issue.Severity
	cooldown    time.Duration
	sinks       []Sink

	excludeGlobs   []string
	falsePositives func() (map[string]struct{}, error)

	log zerolog.Logger
	now func() time.Time
}

// Option tweaks a Manager at construction.
type Option func(*Manager)

// WithExcludeGlobs sets the path patterns the verified-positive filter
// rejects findings under.
func WithExcludeGlobs(globs []string) Option {
	return func(m *Manager) { m.excludeGlobs = globs }
}

// WithFalsePositives supplies the operator-confirmed false-positive
// signatures, usually ledger.FalsePositiveSignatures.
func WithFalsePositives(fn func() (map[string]struct{}, error)) Option {
	return func(m *Manager) { m.falsePositives = fn }
}

func NewManager(minSeverity issue.Severity, cooldown time.Duration, sinks []Sink, log zerolog.Logger, opts ...Option) *Manager {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	m := &Manager{
		lastSent:    make(map[string]time.Time),
		minSeverity: minSeverity,
		cooldown:    cooldown,
		sinks:       sinks,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notify emits one alert, synchronously. Below-threshold severities and
// categories still cooling down are dropped; delivery failures are logged
// and swallowed so remediation never stalls on a broken alert path.
func (m *Manager) Notify(category string, sev issue.Severity, subject, body, source string) {
	m.mu.Lock()
	min := m.minSeverity
	m.mu.Unlock()
	if sev < min {
		m.log.Debug().Str("category", category).Str("severity", sev.String()).Msg("alert below severity gate")
		return
	}
	if !m.admitCategory(category) {
		m.log.Debug().Str("category", category).Msg("alert suppressed by cooldown")
		return
	}

	p := Payload{
		Category: category,
		Severity: sev,
		Subject:  subject,
		Message:  truncate(body, maxMessageLen),
		Source:   source,
		At:       m.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	for _, sink := range m.sinks {
		if err := sink.Send(ctx, p); err != nil {
			m.log.Warn().Err(err).Str("sink", sink.Name()).Str("category", category).Msg("alert delivery failed")
			continue
		}
		m.log.Info().Str("sink", sink.Name()).Str("category", category).Str("subject", subject).Msg("alert delivered")
		return
	}
	m.log.Error().Str("category", category).Str("subject", subject).Msg("alert dropped: all sinks failed")
}

// NotifyFinding runs a scanner finding through the verified-positive filter
// before the normal gate.
func (m *Manager) NotifyFinding(f ledger.Finding, sev issue.Severity) {
	if !m.FindingVerified(f, sev) {
		m.log.Debug().Str("path", f.FilePath).Str("kind", f.FindingKind).Msg("finding rejected by verified-positive filter")
		return
	}
	body := f.Description
	if f.FilePath != "" {
		body = f.FilePath + ": " + body
	}
	m.Notify(f.FindingKind, sev, f.FilePath, body, "scanner")
}

// FindingVerified is the static verified-positive predicate: malware and
// high-severity package vulnerabilities always pass; findings under excluded
// paths are rejected; operator-confirmed false-positive signatures are
// demoted.
func (m *Manager) FindingVerified(f ledger.Finding, sev issue.Severity) bool {
	if f.FindingKind == string(issue.KindMalware) {
		return true
	}
	if f.FindingKind == string(issue.KindPackageVulnerability) && sev >= issue.SeverityHigh {
		return true
	}

	for _, glob := range m.excludeGlobs {
		if wildcard.Match(glob, f.FilePath) {
			return false
		}
	}

	if m.falsePositives != nil {
		sigs, err := m.falsePositives()
		if err != nil {
			m.log.Warn().Err(err).Msg("failed to load false-positive signatures")
		} else if _, known := sigs[f.FindingKind+"|"+f.Description]; known {
			return false
		}
	}
	return true
}

// SetPolicy replaces the severity gate and cooldown at runtime. Used by the
// config reload path; in-flight cooldown clocks are kept.
func (m *Manager) SetPolicy(minSeverity issue.Severity, cooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minSeverity = minSeverity
	if cooldown > 0 {
		m.cooldown = cooldown
	}
}

// admitCategory checks and updates the cooldown clock in one step.
func (m *Manager) admitCategory(category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastSent[category]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	m.lastSent[category] = now
	return true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
