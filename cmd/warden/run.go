package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/ledger"
	"github.com/warden-sh/warden/internal/logging"
	"github.com/warden-sh/warden/internal/memhist"
	"github.com/warden-sh/warden/internal/notify"
	"github.com/warden-sh/warden/internal/orchestrator"
	"github.com/warden-sh/warden/internal/probes"
	"github.com/warden-sh/warden/internal/scanner"
	"github.com/warden-sh/warden/internal/secrets"
	"github.com/warden-sh/warden/internal/strategy"
	"github.com/warden-sh/warden/internal/worker"
)

func runDaemon() {
	// Baseline logger for early startup messages.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "warden"})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "warden",
		FilePath:  cfg.LogFile,
	})
	defer logging.Close()

	log.Info().Str("version", Version).Msg("Starting warden")

	// Credential references resolve up front. A configured reference that
	// does not resolve refuses startup rather than failing mid-remediation.
	sudoPass := mustResolve(cfg.Strategy.SudoCredentialRef, "strategy.sudo_credential_ref")
	plannerKey := mustResolve(cfg.Strategy.PlannerAPIKeyRef, "strategy.planner_api_key_ref")
	smtpPass := mustResolve(cfg.Notifier.SMTPPassRef, "notifier.smtp_pass_ref")

	for _, p := range []string{cfg.LedgerPath, cfg.MemoryHistoryPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatal().Err(err).Str("dir", dir).Msg("Failed to create state directory")
			}
		}
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LedgerPath).Msg("Failed to open task ledger")
	}
	defer led.Close()

	hist, err := memhist.Open(cfg.MemoryHistoryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.MemoryHistoryPath).Msg("Failed to open memory history")
	}

	cache, err := strategy.OpenCache(cfg.CachePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CachePath).Msg("Failed to open strategy cache")
	}
	defer cache.Close()

	if cfg.DockerHost != "" {
		os.Setenv("DOCKER_HOST", cfg.DockerHost)
	}
	docker, err := probes.NewDockerClient()
	if err != nil {
		log.Warn().Err(err).Msg("Docker engine unavailable, container probes disabled")
		docker = nil
	}

	notifier := buildNotifier(cfg, led, smtpPass, logger)

	rules := strategy.NewRules(strategy.ExecCommandRunner, docker, hist, sudoPass, logger)
	var planner strategy.PlanProvider
	if plannerKey != "" {
		planner = strategy.NewPlanner(plannerKey, cfg.Strategy.PlannerBaseURL, cfg.Strategy.PlannerModel, cfg.Strategy.PlannerMaxSteps)
		log.Info().Str("model", cfg.Strategy.PlannerModel).Msg("Remediation planner enabled")
	} else {
		log.Info().Msg("No planner API key configured, phase 3 disabled")
	}
	dispatcher := strategy.NewDispatcher(rules, cache, planner, led, notifier, cfg.Strategy.StepTimeout(), logger)

	pool := worker.NewPool(cfg.Workers(), cfg.TaskTimeout(), dispatcher.Dispatch, logger)
	probeSet, logtail := buildProbes(cfg, docker, hist)
	orch := orchestrator.New(probeSet, led, pool, cfg.CycleInterval(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(cancel)

	watcher, err := config.NewWatcher(config.FindFile(configPath), func(next *config.Config) {
		logging.Init(logging.Config{
			Format:    next.LogFormat,
			Level:     next.LogLevel,
			Component: "warden",
			FilePath:  next.LogFile,
		})
		notifier.SetPolicy(issue.ParseSeverity(next.Notifier.MinSeverity), next.Notifier.Cooldown())
		if logtail != nil {
			logtail.SetBenignPatterns(next.BenignLogPatterns)
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	if cfg.Scanner.Enabled {
		sc := scanner.New(cfg.Scanner, led, notifier, probes.ExecRunner, logger)
		g.Go(func() error { return sc.Run(gctx) })
	} else {
		log.Info().Msg("Security scanner disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Warden exited with error")
	}
	log.Info().Msg("Warden stopped")
}

// mustResolve resolves an optional credential reference. An empty reference
// yields ""; a configured reference that fails to resolve is fatal.
func mustResolve(ref, name string) string {
	value, err := secrets.ResolveOptional(ref)
	if err != nil {
		log.Fatal().Err(err).Str("option", name).Msg("Refusing to start with unresolved credential reference")
	}
	return value
}

// watchSignals cancels the run context on SIGINT/SIGTERM so the in-flight
// cycle can drain.
func watchSignals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()
}

func buildNotifier(cfg *config.Config, led *ledger.Ledger, smtpPass string, logger zerolog.Logger) *notify.Manager {
	var sinks []notify.Sink
	if cfg.Notifier.QueueDir != "" {
		sinks = append(sinks, notify.NewQueueSink(cfg.Notifier.QueueDir))
	}
	if cfg.Notifier.SMTPHost != "" {
		sinks = append(sinks, notify.NewSMTPSink(
			cfg.Notifier.SMTPHost, cfg.Notifier.SMTPPort,
			cfg.Notifier.From, cfg.Notifier.To,
			cfg.Notifier.SMTPUser, smtpPass,
		))
	}
	if len(sinks) == 0 {
		log.Warn().Msg("No notification sinks configured, escalations will only be logged")
	}
	return notify.NewManager(
		issue.ParseSeverity(cfg.Notifier.MinSeverity),
		cfg.Notifier.Cooldown(),
		sinks,
		logger,
		notify.WithExcludeGlobs(cfg.Scanner.ExcludeGlobs),
		notify.WithFalsePositives(led.FalsePositiveSignatures),
	)
}

// buildProbes assembles the probe set from config. The logtail probe is
// returned separately so the reload path can swap its benign patterns.
func buildProbes(cfg *config.Config, docker probes.DockerClient, hist *memhist.Store) ([]probes.Probe, *probes.LogTailProbe) {
	set := []probes.Probe{
		probes.NewServiceProbe(probes.ExecRunner, cfg.IgnoreServices),
		probes.NewUnitPathProbe(probes.ExecRunner),
		probes.NewPortConflictProbe(probes.ExecRunner),
	}
	var logtail *probes.LogTailProbe
	if len(cfg.WatchLogFiles) > 0 {
		logtail = probes.NewLogTailProbe(cfg.WatchLogFiles, cfg.BenignLogPatterns)
		set = append(set, logtail)
	}
	if len(cfg.HTTPServices) > 0 {
		set = append(set, probes.NewHTTPProbe(cfg.HTTPServices))
	}
	if docker != nil {
		set = append(set,
			probes.NewContainerProbe(docker, cfg.IgnoreContainers),
			probes.NewMemoryProbe(docker, hist, cfg.IgnoreContainers),
		)
	}
	return set, logtail
}
