package probes

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/warden-sh/warden/internal/issue"
)

// UnitPathProbe parses unit files for WorkingDirectory= and ExecStart=
// targets that no longer exist on disk. Such units fail on the next restart
// and there is no safe automated fix.
type UnitPathProbe struct {
	run  Runner
	stat func(string) (os.FileInfo, error)
}

func NewUnitPathProbe(run Runner) *UnitPathProbe {
	return &UnitPathProbe{run: run, stat: os.Stat}
}

func (p *UnitPathProbe) Name() string { return "unit-paths" }

func (p *UnitPathProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	out, err := p.run(ctx, "systemctl", "list-unit-files", "--type=service",
		"--state=enabled", "--plain", "--no-legend")
	if err != nil {
		return nil, fmt.Errorf("failed to list unit files: %w", err)
	}

	var issues []issue.Issue
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasSuffix(fields[0], ".service") {
			continue
		}
		unit := fields[0]

		show, err := p.run(ctx, "systemctl", "show", unit, "--property=FragmentPath")
		if err != nil {
			continue
		}
		fragment := parseProperties(show)["FragmentPath"]
		if fragment == "" {
			continue
		}
		data, err := os.ReadFile(fragment)
		if err != nil {
			continue
		}

		for _, bad := range invalidUnitPaths(string(data), p.stat) {
			issues = append(issues, issue.Issue{
				Kind:     issue.KindInvalidServicePath,
				Source:   "systemd",
				Subject:  unit,
				Message:  fmt.Sprintf("unit %s references missing path %s (%s)", unit, bad.path, bad.directive),
				Severity: issue.SeverityHigh,
				Attrs: map[string]string{
					"service":   unit,
					"directive": bad.directive,
					"path":      bad.path,
				},
			})
		}
	}
	return issues, nil
}

type badPath struct {
	directive string
	path      string
}

func invalidUnitPaths(unitFile string, stat func(string) (os.FileInfo, error)) []badPath {
	var out []badPath
	for _, line := range strings.Split(unitFile, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "WorkingDirectory":
			path := strings.TrimPrefix(strings.TrimSpace(value), "-")
			if path == "" || !strings.HasPrefix(path, "/") {
				continue
			}
			if _, err := stat(path); err != nil {
				out = append(out, badPath{directive: "WorkingDirectory", path: path})
			}
		case "ExecStart", "ExecStartPre":
			binary := execBinary(value)
			if binary == "" || !strings.HasPrefix(binary, "/") {
				continue
			}
			if _, err := stat(binary); err != nil {
				out = append(out, badPath{directive: key, path: binary})
			}
		}
	}
	return out
}

// execBinary extracts the executable path from an ExecStart value, skipping
// systemd's special prefixes (-, @, +, !).
func execBinary(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimLeft(value, "-@+!")
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

var portConflictRe = regexp.MustCompile(`(?i)(address already in use|bind.*failed.*in use)`)
var portRe = regexp.MustCompile(`(?::|port )(\d{2,5})`)

// PortConflictProbe scans recent error-priority journal entries for bind
// failures and reports the conflicting port.
type PortConflictProbe struct {
	run Runner
}

func NewPortConflictProbe(run Runner) *PortConflictProbe {
	return &PortConflictProbe{run: run}
}

func (p *PortConflictProbe) Name() string { return "port-conflicts" }

func (p *PortConflictProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	out, err := p.run(ctx, "journalctl", "-p", "err", "-n", "200", "--no-pager", "-o", "cat")
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	seen := make(map[string]struct{})
	var issues []issue.Issue
	for _, line := range strings.Split(out, "\n") {
		if !portConflictRe.MatchString(line) {
			continue
		}
		port := "unknown"
		if m := portRe.FindStringSubmatch(line); m != nil {
			port = m[1]
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		issues = append(issues, issue.Issue{
			Kind:     issue.KindPortConflict,
			Source:   "journal",
			Subject:  "port-" + port,
			Message:  truncate(strings.TrimSpace(line), logMessageMax),
			Severity: issue.SeverityHigh,
			Attrs:    map[string]string{"port": port},
		})
	}
	return issues, nil
}
