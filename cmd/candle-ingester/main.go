// Command candle-ingester keeps the symbol_candle cache current from the
// continuous-contract kline stream. Workers read the cache when
// candles.use_cache is set.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/ingest"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/store"
)

func main() {
	configFile := flag.String("config", getEnv("MONITOR_CONFIG", "config.json"), "service config file")
	interval := flag.String("interval", "", "kline interval, defaults to candles.interval of the risk config")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}).WithComponent("candle-ingester")

	symbols, err := config.LoadSymbols(cfg.Monitor.SymbolsFile)
	if err != nil {
		logger.WithError(err).Fatal("loading symbols")
	}
	names := make([]string, 0, len(symbols))
	for _, s := range config.Shard(symbols, cfg.Monitor.ShardStart, cfg.Monitor.ShardEnd) {
		names = append(names, s.Symbol)
	}

	if *interval == "" {
		rs, err := config.NewRiskSource(cfg.Monitor.RiskFile, logger)
		if err != nil {
			logger.WithError(err).Fatal("loading risk config")
		}
		*interval = rs.Current().Candles.Interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	open, err := store.NewOpener(ctx, cfg.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("opening store")
	}

	streamURL := cfg.Exchange.StreamURL
	if streamURL == "" && cfg.Exchange.TestNet {
		streamURL = ingest.TestnetStreamURL
	}
	ing := ingest.New(streamURL, names, *interval, open, logger)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := ing.Stats()
				logger.WithFields(map[string]interface{}{
					"received":    st.Received,
					"stored":      st.Stored,
					"failed":      st.Failed,
					"reconnects":  st.Reconnects,
					"last_update": st.LastUpdate,
				}).Info("ingest stats")
			}
		}
	}()

	if err := ing.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("candle ingester failed")
	}
	logger.Info("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
