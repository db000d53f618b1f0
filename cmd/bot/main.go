// spotbot — an automated spot-market trading engine for a single
// centralized exchange.
//
// Architecture:
//
//	main.go                — entry point: config, logging, subcommand dispatch
//	engine/engine.go       — orchestrator: main loop, candidate selection, equity/drawdown
//	exchange/client.go     — REST gateway: accounts, candles, orders, fills (paper mode switch)
//	exchange/ws.go         — streaming gateway: ticker_batch price cache + user channel
//	indicator/indicator.go — pure candle enrichment (EMA, RSI, MACD, Bollinger, ADX, …)
//	strategy/              — momentum, mean-reversion, breakout, hybrid evaluators
//	risk/manager.go        — position sizing, entry admission, drawdown halt
//	order/                 — entry/exit paths, bracket installation, reconciler
//	monitor/monitor.go     — signal-confirmed exits against fee-inclusive cost basis
//	store/store.go         — durable sqlite state: orders, fills, positions, trades
//
// Subcommands:
//
//	run      — start the trading loop (default)
//	scan     — one-shot strategy evaluation over the tradable universe
//	convert  — convert between currencies via the venue's convert API
//
// Exit codes: 0 clean shutdown, 1 fatal startup error. A drawdown halt
// pauses new entries and does not end the process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SPOT_CONFIG"); p != "" {
		cfgPath = p
	}

	flag.StringVar(&cfgPath, "config", cfgPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	cmd := "run"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "run":
		os.Exit(runLoop(cfg, logger))
	case "scan":
		os.Exit(runScan(cfg, logger))
	case "convert":
		os.Exit(runConvert(cfg, logger, flag.Args()[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run, scan, or convert)\n", cmd)
		os.Exit(1)
	}
}

func runLoop(cfg *config.Config, logger *slog.Logger) int {
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine stopped", "error", err)
		return 1
	}
	return 0
}

func runScan(cfg *config.Config, logger *slog.Logger) int {
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rows, err := eng.Scan(ctx)
	if err != nil {
		logger.Error("scan failed", "error", err)
		return 1
	}

	fmt.Printf("%-14s %-6s %-6s %s\n", "PRODUCT", "ACTION", "CONF", "REASONS")
	for _, row := range rows {
		reasons := ""
		if len(row.Reasons) > 0 {
			reasons = row.Reasons[0]
		}
		fmt.Printf("%-14s %-6s %.2f   %s\n", row.ProductID, row.Action, row.Confidence, reasons)
	}
	return 0
}

func runConvert(cfg *config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: bot convert <from> <to> <amount>")
		return 1
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad amount %q: %v\n", args[2], err)
		return 1
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Convert(ctx, args[0], args[1], amount); err != nil {
		logger.Error("convert failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
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
