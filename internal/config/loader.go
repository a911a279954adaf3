package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "WARDEN_"

var defaultConfigPaths = []string{
	"/etc/warden/warden.yml",
	"/etc/warden/warden.yaml",
	"./warden.yml",
	"./warden.yaml",
}

var validate = validator.New()

// Load builds the configuration: defaults, then the first config file found,
// then environment overrides, then validation. A validation failure is a
// fatal startup error for the caller.
func Load(explicitPath string) (*Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	cfg := Default()

	path := findConfigFile(explicitPath)
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Loaded configuration file")
	} else {
		log.Debug().Msg("No configuration file found, using defaults")
	}

	applyEnv(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// FindFile resolves the config file path the same way Load does, for callers
// that need the path itself (the reload watcher).
func FindFile(explicit string) string {
	return findConfigFile(explicit)
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnv overlays WARDEN_* variables onto the config. Lists are
// comma-separated. Only scalar options with a sane env mapping are exposed;
// structured options (http_services) are file-only.
func applyEnv(cfg *Config) {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.LogFile, "LOG_FILE")
	setStrings(&cfg.WatchLogFiles, "WATCH_LOG_FILES")
	setInt(&cfg.WorkerCount, "WORKER_COUNT")
	setInt(&cfg.PerTaskTimeout, "PER_TASK_TIMEOUT_S")
	setInt(&cfg.CycleIntervalS, "CYCLE_INTERVAL_S")
	setString(&cfg.LedgerPath, "LEDGER_PATH")
	setString(&cfg.MemoryHistoryPath, "MEMORY_HISTORY_PATH")
	setString(&cfg.CachePath, "CACHE_PATH")
	setStrings(&cfg.IgnoreServices, "IGNORE_SERVICES")
	setStrings(&cfg.IgnoreContainers, "IGNORE_CONTAINERS")
	setStrings(&cfg.BenignLogPatterns, "BENIGN_LOG_PATTERNS")
	setString(&cfg.DockerHost, "DOCKER_HOST")

	setString(&cfg.Notifier.MinSeverity, "NOTIFIER_MIN_SEVERITY")
	setInt(&cfg.Notifier.CooldownS, "NOTIFIER_COOLDOWN_S")
	setString(&cfg.Notifier.SMTPHost, "NOTIFIER_SMTP_HOST")
	setInt(&cfg.Notifier.SMTPPort, "NOTIFIER_SMTP_PORT")
	setString(&cfg.Notifier.SMTPUser, "NOTIFIER_SMTP_USER")
	setString(&cfg.Notifier.SMTPPassRef, "NOTIFIER_SMTP_PASS_REF")
	setString(&cfg.Notifier.From, "NOTIFIER_FROM")
	setStrings(&cfg.Notifier.To, "NOTIFIER_TO")
	setString(&cfg.Notifier.QueueDir, "NOTIFIER_QUEUE_DIR")

	setString(&cfg.Strategy.SudoCredentialRef, "STRATEGY_SUDO_CREDENTIAL_REF")
	setInt(&cfg.Strategy.StepTimeoutS, "STRATEGY_STEP_TIMEOUT_S")
	setString(&cfg.Strategy.PlannerModel, "STRATEGY_PLANNER_MODEL")
	setString(&cfg.Strategy.PlannerAPIKeyRef, "STRATEGY_PLANNER_API_KEY_REF")
	setString(&cfg.Strategy.PlannerBaseURL, "STRATEGY_PLANNER_BASE_URL")

	setBool(&cfg.Scanner.Enabled, "SCANNER_ENABLED")
	setStrings(&cfg.Scanner.WatchRoots, "SCANNER_WATCH_ROOTS")
	setStrings(&cfg.Scanner.ExcludeGlobs, "SCANNER_EXCLUDE_GLOBS")
	setStrings(&cfg.Scanner.WatchExtensions, "SCANNER_WATCH_EXTENSIONS")
	setInt(&cfg.Scanner.CycleIntervalS, "SCANNER_CYCLE_INTERVAL_S")
	setInt(&cfg.Scanner.MemoryCeilingMB, "SCANNER_MEMORY_CEILING_MB")
	setInt(&cfg.Scanner.MemoryCheckEvery, "SCANNER_MEMORY_CHECK_EVERY_N")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		} else {
			log.Warn().Str("var", envPrefix+key).Str("value", v).Msg("Ignoring non-integer environment override")
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}
