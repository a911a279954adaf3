package probes

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/warden-sh/warden/internal/issue"
)

const (
	tailLines     = 1000
	logMessageMax = 200
)

// Error tokens a log line must match to count as a problem. Case-insensitive.
var errorTokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berror\b`),
	regexp.MustCompile(`(?i)\bfatal\b`),
	regexp.MustCompile(`(?i)\bpanic\b`),
	regexp.MustCompile(`(?i)\bcritical\b`),
	regexp.MustCompile(`(?i)\btraceback\b`),
	regexp.MustCompile(`(?i)segfault`),
	regexp.MustCompile(`(?i)out of memory`),
	regexp.MustCompile(`(?i)oom-?kill`),
}

// LogTailProbe reads the tail of configured log files and reports lines that
// look like errors, dropping operator-listed benign patterns.
type LogTailProbe struct {
	paths []string

	mu     sync.RWMutex
	benign []*regexp.Regexp
}

// NewLogTailProbe compiles the benign patterns; a pattern that fails to
// compile is dropped.
func NewLogTailProbe(paths, benignPatterns []string) *LogTailProbe {
	p := &LogTailProbe{paths: paths}
	p.SetBenignPatterns(benignPatterns)
	return p
}

// SetBenignPatterns replaces the benign pattern set at runtime, used by the
// config reload path.
func (p *LogTailProbe) SetBenignPatterns(patterns []string) {
	benign := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		if re, err := regexp.Compile("(?i)" + pat); err == nil {
			benign = append(benign, re)
		}
	}
	p.mu.Lock()
	p.benign = benign
	p.mu.Unlock()
}

func (p *LogTailProbe) Name() string { return "logtail" }

func (p *LogTailProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	var issues []issue.Issue
	for _, path := range p.paths {
		if err := ctx.Err(); err != nil {
			return issues, err
		}
		lines, err := tailFile(path, tailLines)
		if err != nil {
			// A missing or unreadable log is a probe-level warning, not an
			// issue; skip and keep scanning the rest.
			continue
		}
		seen := make(map[string]struct{})
		for _, line := range lines {
			if !matchesErrorToken(line) || p.isBenign(line) {
				continue
			}
			msg := truncate(strings.TrimSpace(line), logMessageMax)
			if _, dup := seen[msg]; dup {
				continue
			}
			seen[msg] = struct{}{}
			issues = append(issues, issue.Issue{
				Kind:     issue.KindLogError,
				Source:   path,
				Subject:  path,
				Message:  msg,
				Severity: issue.SeverityMedium,
				Attrs:    map[string]string{"log": path},
			})
		}
	}
	return issues, nil
}

func (p *LogTailProbe) isBenign(line string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, re := range p.benign {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func matchesErrorToken(line string) bool {
	for _, re := range errorTokenPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// tailFile returns the last n lines of the file without loading more than a
// bounded window into memory.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// 256 bytes per line is a generous average; read at most that window.
	const bytesPerLine = 256
	window := int64(n * bytesPerLine)
	if size := info.Size(); size > window {
		if _, err := f.Seek(size-window, 0); err != nil {
			return nil, err
		}
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
