package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"liqmap/internal/app"
	"liqmap/internal/config"
	"liqmap/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file")
	once := flag.Bool("once", false, "run one calculation, print it as JSON and exit")
	symbol := flag.String("symbol", "", "symbol for -once (defaults to bias.symbol)")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	reloader, err := config.NewReloader(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := reloader.Current()
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath), zap.Strings("symbols", cfg.App.Symbols))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, reloader, log, app.Options{})
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	if *once {
		sym := *symbol
		if sym == "" {
			sym = cfg.Bias.Symbol
		}
		code := runOnce(ctx, application, sym, log)
		_ = application.Close()
		os.Exit(code)
	}

	log.Info("app initialized")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, application *app.App, symbol string, log *zap.Logger) int {
	res, err := application.Once(ctx, symbol)
	if err != nil {
		log.Error("calculation failed", zap.String("symbol", symbol), zap.Error(err))
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Error("encode result failed", zap.Error(err))
		return 1
	}
	return 0
}
