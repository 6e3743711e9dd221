// Kestrel - Batch transaction monitoring with rules and outlier scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `Usage:
  kestrel analyze -in transactions.csv [-out verdicts.csv] [-json report.json] [-mode hybrid] [-flagged-only]
  kestrel serve [-env .env]
  kestrel version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = runAnalyze(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version":
		fmt.Printf("kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	case "-h", "--help", "help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs the default slog logger described by cfg.
// Logs go to stderr so CLI reports written to stdout stay clean.
func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig(envFile string) (*domain.Config, error) {
	if envFile == "" {
		return config.Load()
	}
	return config.Load(envFile)
}

func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	in := fs.String("in", "", "Input batch (.csv or .json)")
	out := fs.String("out", "", "Write the CSV report to this path (- for stdout)")
	jsonOut := fs.String("json", "", "Write the JSON report to this path")
	mode := fs.String("mode", "", "Evaluation mode: rules, model or hybrid (default from config)")
	flaggedOnly := fs.Bool("flagged-only", false, "Only report anomalous transactions")
	envFile := fs.String("env", "", "Optional .env file")
	fs.Parse(args)

	if *in == "" {
		fs.Usage()
		return fmt.Errorf("%w: -in is required", domain.ErrInvalidConfig)
	}

	cfg, err := loadConfig(*envFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging)

	evalMode := cfg.EvaluationMode
	if *mode != "" {
		evalMode = domain.EvaluationMode(strings.ToLower(*mode))
	}

	txs, err := readInput(*in)
	if err != nil {
		return err
	}

	analyzer, err := monitor.NewAnalyzer(cfg.Detection)
	if err != nil {
		return err
	}

	rep, err := analyzer.Analyze(context.Background(), txs, evalMode)
	if err != nil {
		return err
	}

	verdicts := rep.Verdicts
	if *flaggedOnly {
		verdicts = report.FlaggedOnly(verdicts)
	}

	if *out != "" {
		if err := writeTo(*out, func(w io.Writer) error {
			return report.WriteCSV(w, verdicts, rep.Transactions)
		}); err != nil {
			return err
		}
	}
	if *jsonOut != "" {
		jsonRep := *rep
		jsonRep.Verdicts = verdicts
		if err := writeTo(*jsonOut, func(w io.Writer) error {
			return report.WriteJSON(w, &jsonRep)
		}); err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, report.Summary(rep.Run.Summary))
	return nil
}

func readInput(path string) ([]*domain.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ingest.ReadJSON(f)
	}
	return ingest.ReadCSV(f)
}

func writeTo(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	envFile := fs.String("env", "", "Optional .env file")
	fs.Parse(args)

	cfg, err := loadConfig(*envFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"mode", cfg.EvaluationMode,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	analyzer, err := monitor.NewAnalyzer(cfg.Detection)
	if err != nil {
		return err
	}

	// Built-in rules plus any custom rules saved through the API
	count, err := rules.ReloadFromRepository(ctx, repo, analyzer.Engine())
	if err != nil {
		slog.Warn("custom rules not loaded, using built-in rules", "error", err)
	}
	slog.Info("rule engine initialized", "rules_count", analyzer.Engine().RulesCount(), "loaded", count)

	batchWorker := worker.NewWorker(busImpl, cacheImpl, repo, analyzer)
	if err := batchWorker.Start(); err != nil {
		return fmt.Errorf("start batch worker: %w", err)
	}
	slog.Info("batch worker started")

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, analyzer, Version, cfg.EvaluationMode)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		batchWorker.Stop()
		return err
	}

	// Stop the worker before the stores close
	if err := batchWorker.Stop(); err != nil {
		slog.Error("failed to stop batch worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stats := batchWorker.GetStats()
	slog.Info("kestrel shutdown complete", "processed", stats.Processed, "failed", stats.Failed)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==========================================")
	fmt.Println("                 KESTREL")
	fmt.Println("      Batch Transaction Monitoring")
	fmt.Println("  ==========================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Mode:     %s\n", cfg.EvaluationMode)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze              - Analyze a batch synchronously")
	fmt.Println("    POST /batches              - Queue a batch for the worker")
	fmt.Println("    GET  /runs                 - List stored runs")
	fmt.Println("    GET  /runs/{id}            - Get a run summary")
	fmt.Println("    GET  /runs/{id}/verdicts   - Get verdicts of a run")
	fmt.Println("    GET  /rules                - List loaded rules")
	fmt.Println("    POST /rules                - Save a custom rule")
	fmt.Println("    POST /rules/reload         - Reload rules from database")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
