// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fwdproxy"
	"github.com/absmach/fwdproxy/examples/simple"
	"github.com/absmach/fwdproxy/pkg/handler"
	"github.com/absmach/fwdproxy/pkg/health"
	"github.com/absmach/fwdproxy/pkg/metrics"
	"github.com/absmach/fwdproxy/pkg/policy"
	"github.com/absmach/fwdproxy/pkg/proxy"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := fwdproxy.NewConfig(env.Options{Prefix: fwdproxy.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("fwdproxy", prometheus.DefaultRegisterer)
	checker := health.NewChecker(10 * time.Second)

	httpCfg := cfg.HTTP()
	httpCfg.Logger = logger
	httpCfg.OnBreakerStateChange = m.ObserveBreaker

	if cfg.PolicyFile != "" {
		watcher, err := policy.NewWatcher(policy.WatcherConfig{
			Path:   cfg.PolicyFile,
			Logger: logger,
		})
		if err != nil {
			logger.Error("Failed to load policy", slog.String("error", err.Error()))
			os.Exit(1)
		}
		httpCfg.Policy = watcher
		checker.Register("policy", func(ctx context.Context) error {
			_, err := policy.Load(cfg.PolicyFile)
			return err
		})
		g.Go(func() error {
			return watcher.Watch(ctx)
		})
	}

	p, err := proxy.NewHTTP(httpCfg, handler.Multi{simple.New(logger), metrics.NewHandler(m)})
	if err != nil {
		logger.Error("Failed to create proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}
	m.RegisterPool(p.Pool())
	checker.RegisterCritical("listener", health.DialCheck(dialable(cfg.Address), time.Second))

	g.Go(func() error {
		checker.SetReady(true)
		defer checker.SetReady(false)
		logger.Info("Starting forwarding proxy", slog.String("address", cfg.Address))
		return p.Listen(ctx)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsAddress, metricsMux, logger)
	})

	healthMux := http.NewServeMux()
	checker.Routes(healthMux)
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthAddress, healthMux, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, checker, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("fwdproxy service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("fwdproxy service stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled. An empty
// address disables it.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	}
}

// dialable turns a listen address into one a local health check can dial.
func dialable(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, checker *health.Checker, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		checker.SetReady(false)
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
