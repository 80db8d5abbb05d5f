package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tactilerobotics/teleop/pkg/config"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/metrics"
)

// loadConfig resolves the config file, environment and global flags.
func loadConfig() (*config.Config, error) {
	overrides := map[string]any{}
	if opts.LogLevel != "" {
		overrides["logger.level"] = opts.LogLevel
	}
	if opts.Protocol != "" {
		overrides["protocol.name"] = opts.Protocol
	}
	return config.Load(config.Options{File: opts.Config, Overrides: overrides})
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg logging.Config) (*slog.Logger, func(), error) {
	l, closer, err := logging.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(l.Logger)
	return l.Logger, func() { _ = closer.Close() }, nil
}

// startMetrics registers the collectors and, when addr is set, serves them.
// The returned stop function shuts the listener down.
func startMetrics(addr string, logger *slog.Logger) (*metrics.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	if addr == "" {
		return m, func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
