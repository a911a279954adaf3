package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate.Struct(cfg))
	require.Equal(t, 60*time.Second, cfg.CycleInterval())
	require.Equal(t, 5*time.Minute, cfg.TaskTimeout())
	require.Equal(t, 4, cfg.Workers())
	require.Equal(t, time.Hour, cfg.Notifier.Cooldown())
	require.Equal(t, 5*time.Minute, cfg.Scanner.CycleInterval())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yml")
	data := `
log_level: debug
cycle_interval_s: 30
worker_count: 8
watch_log_files:
  - /var/log/syslog
http_services:
  - name: api
    url: http://localhost:8080/health
    timeout_s: 5
notifier:
  min_severity: medium
  cooldown_s: 600
  smtp_host: mail.example.com
  from: warden@example.com
  to: [ops@example.com]
scanner:
  enabled: true
  watch_roots: [/srv/app]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.CycleInterval())
	require.Equal(t, 8, cfg.Workers())
	require.Len(t, cfg.HTTPServices, 1)
	require.Equal(t, 5*time.Second, cfg.HTTPServices[0].Timeout())
	require.Equal(t, "medium", cfg.Notifier.MinSeverity)
	require.Equal(t, 10*time.Minute, cfg.Notifier.Cooldown())
	require.True(t, cfg.Scanner.Enabled)
	// Defaults survive partial files.
	require.NotEmpty(t, cfg.Scanner.ExcludeGlobs)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 2\n"), 0o644))

	t.Setenv("WARDEN_WORKER_COUNT", "6")
	t.Setenv("WARDEN_IGNORE_SERVICES", "foo.service, bar.service")
	t.Setenv("WARDEN_SCANNER_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6, cfg.WorkerCount)
	require.Equal(t, []string{"foo.service", "bar.service"}, cfg.IgnoreServices)
	require.True(t, cfg.Scanner.Enabled)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidHTTPService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yml")
	data := "http_services:\n  - name: broken\n    url: not-a-url\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 2\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("worker_count: 9\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 9, cfg.WorkerCount)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
