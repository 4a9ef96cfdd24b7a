// Polymarket Copy Trader — replicates the on-chain activity of target
// wallets into paper, dry-run or live orders.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/engine.go    — supervisor: ingester → per-target drain → buffer → risk → executor
//	feed/               — websocket activity stream + per-target HTTP pollers, normalization, dedup gate
//	buffer/             — optional VWAP merge of same-direction fill bursts
//	risk/               — sizing (proportional/fixed) and notional caps
//	executor/           — live (CLOB orders), paper (simulated ledger), dry-run implementations
//	ledger/             — simulated account: positions, trade log, stats, settlements
//	marketdata/         — Gamma metadata cache, balance/params TTL cache
//	exchange/           — CLOB REST client, EIP-712 signing, throttler, on-chain redeem
//	mode/               — paper/live/dry-run resolution and account roster
//	snapshot/, stats/   — equity history and P&L aggregation
//	store/              — debounced atomic JSON persistence
//	api/                — local dashboard REST + websocket stream
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"polymarket-copytrader/internal/api"
	"polymarket-copytrader/internal/config"
	"polymarket-copytrader/internal/engine"
)

func main() {
	// Optional .env for POLY_* secrets; a missing file is fine.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if eng.Mode() == "dry-run" {
		logger.Warn("DRY-RUN MODE — orders are logged, never placed")
	}
	logger.Info("polymarket copy trader started",
		"mode", eng.Mode(),
		"targets", len(cfg.Targets),
		"sizing", cfg.Trading.SizingMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
