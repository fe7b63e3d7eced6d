package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/api"
	"perp-monitor/internal/balance"
	"perp-monitor/internal/binance"
	"perp-monitor/internal/configpatch"
	"perp-monitor/internal/events"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/metrics"
	"perp-monitor/internal/monitor"
	"perp-monitor/internal/orders"
	"perp-monitor/internal/ratelimit"
	"perp-monitor/internal/risk"
	sig "perp-monitor/internal/signal"
	"perp-monitor/internal/store"
	"perp-monitor/internal/vault"
)

const (
	// starting wallet of the in-memory account in dry-run mode
	paperWallet = 1000.0

	recentEvents = 500
	patchAudit   = 1000
	statsPeriod  = 15 * time.Second
)

func main() {
	configFile := flag.String("config", getEnv("MONITOR_CONFIG", "config.json"), "service config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("worker process failed")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	symbols, err := config.LoadSymbols(cfg.Monitor.SymbolsFile)
	if err != nil {
		return err
	}
	symbols = config.Shard(symbols, cfg.Monitor.ShardStart, cfg.Monitor.ShardEnd)
	if len(symbols) == 0 {
		return fmt.Errorf("shard [%d,%d) selects no symbols", cfg.Monitor.ShardStart, cfg.Monitor.ShardEnd)
	}

	riskSource, err := config.NewRiskSource(cfg.Monitor.RiskFile, logger)
	if err != nil {
		return err
	}

	// Exchange client, paced by one governor shared across all workers
	creds, err := vault.Resolve(ctx, cfg)
	if err != nil {
		return err
	}
	governor := ratelimit.NewGovernor(ratelimit.DefaultConfig(), logger)
	live := binance.NewFuturesClient(binance.ClientOptions{
		APIKey:     creds.APIKey,
		SecretKey:  creds.SecretKey,
		BaseURL:    cfg.Exchange.BaseURL,
		TestNet:    creds.IsTestnet,
		RecvWindow: cfg.Exchange.RecvWindow,
		Timeout:    time.Duration(cfg.Exchange.TimeoutSec) * time.Second,
	}, governor, logger)

	var client binance.FuturesClient = live
	if cfg.Monitor.DryRun {
		client = binance.NewPaperClient(live, paperWallet)
		logger.Warn("dry run: orders go to an in-memory account of %.0f USDT", paperWallet)
	}

	// Lifecycle events
	m := metrics.New()
	sinks := []events.Sink{events.NewLogSink(logger), m}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaSink(cfg.Kafka.Brokers, "perp-monitor", cfg.Kafka.Topic, logger)
		if err != nil {
			return err
		}
		defer kafka.Close()
		sinks = append(sinks, kafka)
	}
	bus := events.NewEventBus(recentEvents, sinks...)

	// Configuration patches
	var patches configpatch.Store = configpatch.NewMemoryStore(patchAudit)
	if cfg.Redis.Enabled {
		rdb, err := configpatch.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		patches = configpatch.NewRedisStore(rdb, patchAudit, logger)
		logger.WithField("addr", cfg.Redis.Address).Info("configuration patches shared through redis")
	}

	open, err := store.NewOpener(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}

	deps := monitor.Deps{
		Client:            client,
		Risk:              riskSource,
		Guard:             risk.NewGuard(logger),
		Evaluator:         sig.NewEvaluator(logger),
		Orders:            orders.NewManager(client, patches, bus, logger),
		Patches:           patches,
		Store:             open,
		Balance:           balance.NewBookkeeper(client, open, logger),
		Metrics:           m,
		Logger:            logger,
		SkipFundingWindow: cfg.Monitor.SkipFundingWindow,
		Debug:             cfg.Monitor.Debug,
	}
	workers := make([]*monitor.Worker, 0, len(symbols))
	for _, s := range symbols {
		workers = append(workers, monitor.NewWorker(deps, s))
	}

	go riskSource.Run(ctx, cfg.Monitor.RiskReloadInterval)
	go exportStats(ctx, governor, riskSource, m)

	scheduler := monitor.NewScheduler(workers, cfg.Monitor.TickInterval, cfg.Monitor.Stagger, logger)

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(cfg.Server, api.Deps{
			States:  scheduler,
			Patches: patches,
			Events:  bus,
			Metrics: m,
			Risk:    riskSource,
		}, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("ops server stopped")
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"symbols": len(symbols),
		"shard":   fmt.Sprintf("[%d,%d)", cfg.Monitor.ShardStart, cfg.Monitor.ShardEnd),
		"tick":    cfg.Monitor.TickInterval.String(),
		"dry_run": cfg.Monitor.DryRun,
	}).Info("Starting perpetual futures monitor")
	scheduler.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutting down...")

	// Wait for in-flight ticks before closing the server and sinks
	scheduler.Stop()

	if server != nil {
		timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("ops server shutdown")
		}
	}
	return nil
}

// exportStats copies the governor and risk reload counters into Prometheus
func exportStats(ctx context.Context, g *ratelimit.Governor, rs *config.RiskSource, m *metrics.Metrics) {
	var lastParked, lastPaced, lastReloads, lastFailures int64
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			parked, paced := g.Stats()
			m.AddRateWaits(parked-lastParked, paced-lastPaced)
			lastParked, lastPaced = parked, paced

			reloads, failures := rs.Stats()
			m.AddRiskReloads(reloads-lastReloads, failures-lastFailures)
			lastReloads, lastFailures = reloads, failures
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
