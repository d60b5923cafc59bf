package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kioskexchange/config"
	"kioskexchange/observability/logging"
	telemetry "kioskexchange/observability/otel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to kioskd configuration (.yaml or .toml)")
	flag.Parse()

	cfg := config.Default()
	if strings.TrimSpace(cfgPath) != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			slog.Error("load config", slog.Any("error", err))
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := logging.Setup(logging.Config{
		Service:    cfg.Service,
		Env:        cfg.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Service,
		Environment: cfg.Env,
		Site:        cfg.Site,
		Assets:      assetSymbols(cfg.Assets),
		OracleMode:  cfg.Oracle.Mode,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("configure kioskd", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	workers, stopWorkers := context.WithCancel(context.Background())
	a.Start(workers)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen", slog.Any("error", err))
		stopWorkers()
		os.Exit(1)
	}
	go func() {
		logger.Info("listening", slog.String("addr", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	stopWorkers()
	select {
	case <-a.dispatcher.Done():
	case <-shutdownCtx.Done():
		logger.Warn("audit queue not drained before shutdown")
	}
}

func assetSymbols(assets []config.AssetConfig) []string {
	out := make([]string, 0, len(assets))
	for _, asset := range assets {
		out = append(out, strings.ToUpper(asset.Symbol))
	}
	return out
}
