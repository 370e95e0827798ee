// Package main provides the entry point for the automation orchestrator's
// monitor service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/automation-orchestrator/internal/broker"
	"github.com/eddiefleurent/automation-orchestrator/internal/circuitbreaker"
	"github.com/eddiefleurent/automation-orchestrator/internal/config"
	"github.com/eddiefleurent/automation-orchestrator/internal/domain"
	"github.com/eddiefleurent/automation-orchestrator/internal/monitor"
	"github.com/eddiefleurent/automation-orchestrator/internal/oms"
	"github.com/eddiefleurent/automation-orchestrator/internal/orderqueue"
	"github.com/eddiefleurent/automation-orchestrator/internal/positions"
	"github.com/eddiefleurent/automation-orchestrator/internal/retry"
	"github.com/eddiefleurent/automation-orchestrator/internal/risk"
	"github.com/eddiefleurent/automation-orchestrator/internal/rules"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage/jsonstore"
	"github.com/eddiefleurent/automation-orchestrator/internal/storage/sqlstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg)
	logger.WithField("mode", cfg.Environment.Mode).Info("starting monitor service")

	store, err := newStorage(cfg)
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage")
		return 1
	}

	brokerClient := broker.NewCircuitBreakerBrokerWithConfig(
		broker.NewRestClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.AccountID,
			broker.WithTimeout(cfg.Broker.Timeout)),
		circuitbreaker.Config{Name: "trading", FailureThreshold: cfg.CircuitBreaker.TradingFailureThreshold, Cooldown: cfg.CircuitBreaker.TradingCooldown},
		circuitbreaker.Config{Name: "market_data", FailureThreshold: cfg.CircuitBreaker.MarketFailureThreshold, Cooldown: cfg.CircuitBreaker.MarketCooldown},
	)

	if err := seedRiskConfig(store, cfg); err != nil {
		logger.WithError(err).Error("failed to seed risk config")
		return 1
	}

	omsManager := oms.NewManager()
	queue := orderqueue.New(omsManager, brokerClient, store, orderqueue.Config{
		RateLimitDelay: cfg.OrderQueue.RateLimitDelay,
		SubmitTimeout:  cfg.Broker.Timeout,
		Retry: retryConfig(cfg),
	})

	riskEngine := risk.NewEngine(store, risk.FixedRegimeProvider{Regime: domain.RegimeTrend}, time.Now)
	rulesEngine := rules.NewEngine(store, queue, brokerClient, time.Now)
	positionsEngine := positions.NewEngine(store, queue, riskEngine, positions.FixedConfidenceProvider{}, time.Now)
	riskEngine.SetLiquidator(positionsEngine)
	loop := monitor.NewLoop(brokerClient, rulesEngine, positionsEngine, store, omsManager, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, stopping monitor")
		cancel()
	}()

	runLoop(ctx, logger, cfg, loop, queue)
	logger.Info("monitor service stopped")
	return 0
}

// runLoop drives the tick, order-queue drain, and slower-cadence cleanup
// timers independently, each on its own ticker, until ctx is cancelled
// (§4.H: CleanupSnapshots/PruneCompleted run on their own slower cadence).
func runLoop(ctx context.Context, logger *logrus.Logger, cfg *config.Config, loop *monitor.Loop, queue *orderqueue.Queue) {
	tickTicker := time.NewTicker(cfg.Monitor.TickInterval)
	defer tickTicker.Stop()
	pruneTicker := time.NewTicker(cfg.Monitor.PruneInterval)
	defer pruneTicker.Stop()
	// Snapshot cleanup shares the prune cadence; both are slow housekeeping
	// jobs with no need for their own config knob.
	snapshotTicker := time.NewTicker(cfg.Monitor.PruneInterval)
	defer snapshotTicker.Stop()

	runTick(ctx, logger, cfg, loop, queue)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			runTick(ctx, logger, cfg, loop, queue)
		case <-pruneTicker.C:
			n := loop.PruneCompleted(cfg.Monitor.PruneInterval)
			logger.WithField("pruned", n).Info("pruned completed orders")
		case <-snapshotTicker.C:
			n, err := loop.CleanupSnapshots(cfg.Monitor.SnapshotRetention)
			if err != nil {
				logger.WithError(err).Warn("snapshot cleanup failed")
				continue
			}
			logger.WithField("removed", n).Info("cleaned up position snapshots")
		}
	}
}

func runTick(ctx context.Context, logger *logrus.Logger, cfg *config.Config, loop *monitor.Loop, queue *orderqueue.Queue) {
	tickCtx, cancel := context.WithTimeout(ctx, cfg.Monitor.TickDeadline)
	defer cancel()

	result := loop.Tick(tickCtx)
	entry := logger.WithFields(logrus.Fields{
		"rules_checked":      result.RulesChecked,
		"rules_triggered":    result.RulesTriggered,
		"positions_checked":  result.PositionsChecked,
		"positions_closed":   result.PositionsClosed,
		"snapshots_recorded": result.SnapshotsRecorded,
	})
	if len(result.Errors) > 0 {
		entry.WithField("errors", len(result.Errors)).Warn("tick completed with errors")
	} else {
		entry.Debug("tick completed")
	}

	if err := queue.ProcessQueue(tickCtx); err != nil {
		logger.WithError(err).Warn("order queue drain failed")
	}
	if err := queue.SyncOrderStatuses(tickCtx); err != nil {
		logger.WithError(err).Warn("order status sync failed")
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.Environment.Mode == "live" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func newStorage(cfg *config.Config) (storage.Interface, error) {
	switch cfg.Storage.Backend {
	case "sql":
		return sqlstore.New(cfg.Storage.Path)
	default:
		return jsonstore.New(cfg.Storage.Path)
	}
}

func seedRiskConfig(store storage.Interface, cfg *config.Config) error {
	// Both stores report an unset config as DefaultRiskConfig with no error,
	// so only a config that differs from the defaults counts as already set.
	if got, err := store.GetRiskConfig(); err == nil && !reflect.DeepEqual(got, domain.DefaultRiskConfig()) {
		return nil
	}
	return store.SetRiskConfig(domain.RiskConfig{
		MaxPositionSize: decimal.NewFromFloat(cfg.Risk.MaxPositionSize),
		MaxOrderSize:    decimal.NewFromFloat(cfg.Risk.MaxOrderSize),
		MaxDailyLoss:    decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		AllowedSymbols:  cfg.Risk.AllowedSymbols,
		TradingEnabled:  cfg.Risk.TradingEnabled,
	})
}

func retryConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		Attempts:   cfg.Retry.Attempts,
		Base:       cfg.Retry.Base,
		Multiplier: cfg.Retry.Multiplier,
		Max:        cfg.Retry.Max,
		Jitter:     cfg.Retry.Jitter,
	}
}
