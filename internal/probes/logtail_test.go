package probes

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warden-sh/warden/internal/issue"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestLogTailProbeMatchesAndDedupes(t *testing.T) {
	path := writeLog(t,
		"2026-08-25 10:00:01 INFO started",
		"2026-08-25 10:00:02 ERROR database connection refused",
		"2026-08-25 10:00:02 ERROR database connection refused",
		"2026-08-25 10:00:03 plain line without tokens",
		"2026-08-25 10:00:04 FATAL out of memory",
	)
	p := NewLogTailProbe([]string{path}, nil)

	issues, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 deduped issues, got %d: %+v", len(issues), issues)
	}
	for _, is := range issues {
		if is.Kind != issue.KindLogError || is.Source != path {
			t.Errorf("unexpected issue %+v", is)
		}
	}
}

func TestLogTailProbeBenignPatterns(t *testing.T) {
	path := writeLog(t,
		"ERROR harmless deprecation warning",
		"ERROR real failure",
	)
	p := NewLogTailProbe([]string{path}, []string{"deprecation"})

	issues, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue after benign filtering, got %d: %+v", len(issues), issues)
	}
	if !strings.Contains(issues[0].Message, "real failure") {
		t.Errorf("wrong line survived: %s", issues[0].Message)
	}
}

func TestLogTailProbeMissingFileSkipped(t *testing.T) {
	p := NewLogTailProbe([]string{"/nonexistent/app.log"}, nil)
	issues, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("missing file should not error the probe: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("unexpected issues %+v", issues)
	}
}

func TestLogTailTruncatesLongLines(t *testing.T) {
	long := "ERROR " + strings.Repeat("x", 1000)
	path := writeLog(t, long)
	p := NewLogTailProbe([]string{path}, nil)

	issues, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(issues))
	}
	if len(issues[0].Message) != logMessageMax {
		t.Errorf("message length = %d, want %d", len(issues[0].Message), logMessageMax)
	}
}

func TestTailFileReturnsLastLines(t *testing.T) {
	var lines []string
	for i := 0; i < 2000; i++ {
		lines = append(lines, strings.Repeat("a", 50))
	}
	lines = append(lines, "ERROR the last line matters")
	path := writeLog(t, lines...)

	got, err := tailFile(path, tailLines)
	if err != nil {
		t.Fatalf("tail failed: %v", err)
	}
	if len(got) == 0 || got[len(got)-1] != "ERROR the last line matters" {
		t.Fatalf("tail dropped the final line")
	}
	if len(got) > tailLines+1 {
		t.Errorf("tail returned %d lines, window is %d", len(got), tailLines)
	}
}
