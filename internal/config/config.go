// Package config loads and validates the warden configuration from defaults,
// a YAML file, and WARDEN_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"time"
)

// HTTPService is one endpoint the HTTP probe checks every cycle.
type HTTPService struct {
	Name     string `yaml:"name" validate:"required"`
	URL      string `yaml:"url" validate:"required,url"`
	TimeoutS int    `yaml:"timeout_s" validate:"omitempty,min=1,max=120"`
}

// Timeout returns the per-endpoint timeout with the probe default applied.
func (s HTTPService) Timeout() time.Duration {
	if s.TimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.TimeoutS) * time.Second
}

// NotifierConfig is the outbound escalation policy.
type NotifierConfig struct {
	MinSeverity string   `yaml:"min_severity" validate:"omitempty,oneof=info low medium high critical"`
	CooldownS   int      `yaml:"cooldown_s" validate:"omitempty,min=0"`
	SMTPHost    string   `yaml:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUser    string   `yaml:"smtp_user"`
	SMTPPassRef string   `yaml:"smtp_pass_ref"`
	From        string   `yaml:"from" validate:"omitempty,email"`
	To          []string `yaml:"to" validate:"dive,email"`
	QueueDir    string   `yaml:"queue_dir"`
}

// Cooldown returns the per-category cooldown with the default applied.
func (n NotifierConfig) Cooldown() time.Duration {
	if n.CooldownS <= 0 {
		return time.Hour
	}
	return time.Duration(n.CooldownS) * time.Second
}

// StrategyConfig controls the graduated remediation ladder.
type StrategyConfig struct {
	SudoCredentialRef string `yaml:"sudo_credential_ref"`
	StepTimeoutS      int    `yaml:"step_timeout_s" validate:"omitempty,min=1"`
	PlannerModel      string `yaml:"planner_model"`
	PlannerAPIKeyRef  string `yaml:"planner_api_key_ref"`
	PlannerBaseURL    string `yaml:"planner_base_url" validate:"omitempty,url"`
	PlannerMaxSteps   int    `yaml:"planner_max_steps" validate:"omitempty,min=1,max=20"`
}

// StepTimeout returns the per-step wall-clock budget.
func (s StrategyConfig) StepTimeout() time.Duration {
	if s.StepTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.StepTimeoutS) * time.Second
}

// ScannerConfig shapes the file-integrity / security-scan pipeline.
type ScannerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	WatchRoots       []string `yaml:"watch_roots"`
	ExcludeGlobs     []string `yaml:"exclude_globs"`
	WatchExtensions  []string `yaml:"watch_extensions"`
	CycleIntervalS   int      `yaml:"cycle_interval_s" validate:"omitempty,min=10"`
	MemoryCeilingMB  int      `yaml:"memory_ceiling_mb" validate:"omitempty,min=64"`
	MemoryCheckEvery int      `yaml:"memory_check_every_n" validate:"omitempty,min=1"`
	SemgrepBin       string   `yaml:"semgrep_bin"`
	ClamscanBin      string   `yaml:"clamscan_bin"`
	AuditBin         string   `yaml:"audit_bin"`
}

// CycleInterval returns the scanner loop interval (default 5 minutes).
func (s ScannerConfig) CycleInterval() time.Duration {
	if s.CycleIntervalS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.CycleIntervalS) * time.Second
}

// Config is the single configuration object handed to the drivers. It is
// constructed once at startup; the watcher delivers replacement copies on
// file change.
type Config struct {
	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=auto json console"`
	LogFile   string `yaml:"log_file"`

	WatchLogFiles []string      `yaml:"watch_log_files"`
	HTTPServices  []HTTPService `yaml:"http_services" validate:"dive"`

	WorkerCount    int `yaml:"worker_count" validate:"omitempty,min=1,max=64"`
	PerTaskTimeout int `yaml:"per_task_timeout_s" validate:"omitempty,min=1"`
	CycleIntervalS int `yaml:"cycle_interval_s" validate:"omitempty,min=5"`

	LedgerPath        string `yaml:"ledger_path"`
	MemoryHistoryPath string `yaml:"memory_history_path"`
	CachePath         string `yaml:"cache_path"`

	IgnoreServices    []string `yaml:"ignore_services"`
	IgnoreContainers  []string `yaml:"ignore_containers"`
	BenignLogPatterns []string `yaml:"benign_log_patterns"`

	DockerHost string `yaml:"docker_host"`

	Notifier NotifierConfig `yaml:"notifier"`
	Strategy StrategyConfig `yaml:"strategy"`
	Scanner  ScannerConfig  `yaml:"scanner"`
}

// CycleInterval returns the orchestrator loop interval (default 60 seconds).
func (c Config) CycleInterval() time.Duration {
	if c.CycleIntervalS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CycleIntervalS) * time.Second
}

// TaskTimeout returns the per-task dispatch budget (default 5 minutes).
func (c Config) TaskTimeout() time.Duration {
	if c.PerTaskTimeout <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.PerTaskTimeout) * time.Second
}

// Workers returns the dispatch pool size (default 4).
func (c Config) Workers() int {
	if c.WorkerCount <= 0 {
		return 4
	}
	return c.WorkerCount
}

// Default returns the baseline configuration before file and environment
// overrides are applied.
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "auto",
		WorkerCount:       4,
		PerTaskTimeout:    300,
		CycleIntervalS:    60,
		LedgerPath:        "/var/lib/warden/ledger.db",
		MemoryHistoryPath: "/var/lib/warden/memory-history.json",
		CachePath:         "/var/lib/warden/strategy-cache",
		Notifier: NotifierConfig{
			MinSeverity: "high",
			CooldownS:   3600,
			SMTPPort:    587,
		},
		Strategy: StrategyConfig{
			StepTimeoutS:    30,
			PlannerMaxSteps: 8,
		},
		Scanner: ScannerConfig{
			CycleIntervalS:   300,
			MemoryCeilingMB:  1500,
			MemoryCheckEvery: 200,
			WatchExtensions:  []string{".py", ".js", ".ts", ".go", ".sh", ".php", ".rb"},
			ExcludeGlobs: []string{
				"*/.git/*",
				"*/node_modules/*",
				"*/__pycache__/*",
				"*/.venv/*",
				"*/venv/*",
				"*/dist/*",
				"*/build/*",
				"*/.cache/*",
				"*.tar", "*.tar.gz", "*.tgz", "*.zip", "*.gz",
			},
		},
	}
}
