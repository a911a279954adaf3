package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/ledger"
	"github.com/warden-sh/warden/internal/logging"
	"github.com/warden-sh/warden/internal/probes"
	"github.com/warden-sh/warden/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single security scan cycle and exit",
	Long:  `Walks the configured watch roots once, records findings in the ledger, and exits non-zero when critical findings are present. Useful from cron or CI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context())
	},
}

func runScan(ctx context.Context) error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "warden-scan"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "warden-scan",
	})

	if len(cfg.Scanner.WatchRoots) == 0 {
		return fmt.Errorf("no scanner.watch_roots configured")
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", cfg.LedgerPath, err)
	}
	defer led.Close()

	sc := scanner.New(cfg.Scanner, led, nil, probes.ExecRunner, logger)
	stats, err := sc.Cycle(ctx)
	if err != nil {
		return fmt.Errorf("scan cycle: %w", err)
	}

	fmt.Printf("scanned %d/%d files (%d unchanged) in %s\n",
		stats.FilesScanned, stats.FilesSeen, stats.FilesSkipped, stats.Duration.Round(time.Millisecond))
	fmt.Printf("findings: %d new, %d resolved, %d critical\n",
		stats.NewFindings, stats.Resolved, stats.Critical)

	if stats.Critical > 0 {
		log.Warn().Int("critical", stats.Critical).Msg("Critical findings present")
		os.Exit(1)
	}
	return nil
}
