// Package main is the entry point for the multi-lot trading bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/multilot-bot/internal/alerting"
	"github.com/tathienbao/multilot-bot/internal/broker/sim"
	"github.com/tathienbao/multilot-bot/internal/config"
	"github.com/tathienbao/multilot-bot/internal/engine"
	"github.com/tathienbao/multilot-bot/internal/executor"
	"github.com/tathienbao/multilot-bot/internal/exitlock"
	"github.com/tathienbao/multilot-bot/internal/metrics"
	"github.com/tathienbao/multilot-bot/internal/persistence"
	"github.com/tathienbao/multilot-bot/internal/risk"
	"github.com/tathienbao/multilot-bot/internal/signal"
	"github.com/tathienbao/multilot-bot/internal/tracker"
)

// Version information (set by build flags).
var (
	Version   = "0.4.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Multi-Lot Trading Bot - Risk-First Multi-Lot Futures Trading

Usage:
  multilot-bot <command> [options]

Commands:
  run        Start the trading bot (paper mode)
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  multilot-bot run --config config.yaml
  multilot-bot validate --config config.yaml

Use "multilot-bot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("multilot-bot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Product: %s\n", cfg.Market.Product)
	fmt.Printf("  Total lots: %d\n", cfg.Risk.TotalLots)
	fmt.Printf("  Activation: %.2f points\n", cfg.Risk.ActivationPoints)
	fmt.Printf("  Pullback ratio: %.2f\n", cfg.Risk.PullbackRatio)
	fmt.Printf("  Max slippage: %.2f points\n", cfg.Risk.MaxSlippagePoints)
	fmt.Printf("  Persistence: %s\n", cfg.Persistence.Path)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	// Setup structured logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := ossignal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("multilot-bot starting",
		"version", Version,
		"mode", "paper",
		"product", cfg.Market.Product,
		"total_lots", cfg.Risk.TotalLots,
	)

	eng, brk, srv, store, err := buildStack(cfg, logger)
	if err != nil {
		slog.Error("failed to build components", "err", err)
		os.Exit(1)
	}

	if srv != nil {
		go func() {
			if err := srv.Start(); err != nil {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if err := brk.Connect(ctx); err != nil {
		slog.Error("broker connect failed", "err", err)
		os.Exit(1)
	}

	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "err", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.ShutdownTimeout(),
	)
	defer cancel()

	if err := shutdown(shutdownCtx, eng, brk, srv, store); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("multilot-bot shutdown complete")
}

// buildStack wires the full component graph for one product. The executor
// must be registered as the tracker's fill listener before the engine
// starts consuming order reports.
func buildStack(cfg *config.Config, logger *slog.Logger) (*engine.Engine, *sim.Broker, *metrics.Server, *persistence.SQLiteStore, error) {
	store, err := persistence.NewSQLiteStore(cfg.Persistence.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, nil, nil, fmt.Errorf("migrate store: %w", err)
	}

	writer := persistence.NewWriter(persistence.WriterConfig{
		QueueCapacity: cfg.Persistence.QueueCapacity,
		WriteRetries:  cfg.Persistence.WriteRetries,
		RetryBackoff:  cfg.RetryBackoff(),
	}, store, logger)

	riskMgr := risk.NewManager(writer, logger)

	locks := exitlock.NewManager(exitlock.Config{
		LeaseTTL:      cfg.LockLeaseTTL(),
		SweepInterval: cfg.LockSweepInterval(),
	}, logger)

	tr := tracker.New(tracker.DefaultConfig(), nil, logger)

	brk := sim.New(sim.FillAll, logger)
	quotes := engine.NewQuoteCache()
	alerter := buildAlerter(cfg, logger)
	bridge := engine.NewStateBridge(riskMgr, alerter, logger)

	exec := executor.New(executor.Config{
		MaxRetries:         cfg.Execution.MaxRetries,
		ChaseDelay:         cfg.ChaseDelay(),
		ChaseEnabled:       cfg.Execution.ChaseEnabled,
		RateLimitPerSecond: cfg.Execution.RateLimitPerSecond,
	}, brk, locks, tr, riskMgr, quotes, bridge, logger)
	tr.SetListener(exec)

	var detector *signal.Detector
	if cfg.Signal.Enabled {
		detector, err = signal.New(cfg.Market.Product, signal.Config{
			WindowOpen:      cfg.Signal.WindowOpen,
			WindowMinutes:   cfg.Signal.WindowMinutes,
			MaxGroupsPerDay: cfg.Signal.MaxGroupsPerDay,
			TotalLots:       cfg.Risk.TotalLots,
			MinRangePoints:  decimal.NewFromFloat(cfg.Signal.MinRangePoints),
			MinATRPoints:    decimal.NewFromFloat(cfg.Signal.MinATRPoints),
			MaxStdDevPoints: decimal.NewFromFloat(cfg.Signal.MaxStdDevPoints),
			TrendFilter:     cfg.Signal.TrendFilter,
			Timezone:        cfg.Signal.Timezone,
		}, logger)
		if err != nil {
			store.Close()
			return nil, nil, nil, nil, fmt.Errorf("signal detector: %w", err)
		}
	}

	eng := engine.New(engine.Config{
		Product:              cfg.Market.Product,
		ActivationPoints:     cfg.ActivationPointsDecimal(),
		PullbackRatio:        cfg.PullbackRatioDecimal(),
		ProtectiveMultiplier: cfg.ProtectiveMultiplierDecimal(),
		MaxSlippagePoints:    cfg.MaxSlippageDecimal(),
	}, brk, riskMgr, exec, tr, locks, writer, store, detector, alerter, quotes, logger)

	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srvCfg := metrics.DefaultServerConfig()
		srvCfg.Port = cfg.Metrics.Port
		srv = metrics.NewServer(srvCfg, logger)
		eng.RegisterHealthChecks(srv)
	}

	return eng, brk, srv, store, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return alerting.NewMockAlerter()
	}

	console := alerting.NewConsoleAlerter(logger)

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return console
	}

	telegram := alerting.NewTelegramAlerter(alerting.TelegramConfig{
		BotToken: token,
		ChatID:   chatID,
	})
	return alerting.NewMultiAlerter(logger, console, telegram)
}

func shutdown(ctx context.Context, eng *engine.Engine, brk *sim.Broker, srv *metrics.Server, store *persistence.SQLiteStore) error {
	slog.Info("starting graceful shutdown")

	// Shutdown steps with timeout check
	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop engine", func() error {
			return eng.Stop(ctx)
		}},
		{"shutdown broker", func() error {
			return brk.Shutdown(ctx)
		}},
		{"stop metrics server", func() error {
			if srv == nil {
				return nil
			}
			return srv.Shutdown(ctx)
		}},
		{"close store", func() error {
			return store.Close()
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}

	// Small delay to allow final log messages
	time.Sleep(100 * time.Millisecond)

	return nil
}
