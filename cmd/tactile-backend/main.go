// Command tactile-backend serves node authentication and WebRTC signaling
// for development setups.
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

	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tactilerobotics/teleop/pkg/backend"
	"github.com/tactilerobotics/teleop/pkg/config"
	"github.com/tactilerobotics/teleop/pkg/logging"
)

type Options struct {
	Config   string `short:"c" long:"config" env:"TACTILE_CONFIG" description:"YAML config file"`
	LogLevel string `long:"log-level" description:"Override logger.level (debug, info, warn, error)"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = "tactile-backend - auth and signaling server for tactile nodes"
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts Options) error {
	overrides := map[string]any{}
	if opts.LogLevel != "" {
		overrides["logger.level"] = opts.LogLevel
	}
	cfg, err := config.Load(config.Options{File: opts.Config, Overrides: overrides})
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	l, closer, err := logging.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closer.Close()
	logger := l.Logger
	slog.SetDefault(logger)

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := backend.New(backend.Config{
		JWTSecret: cfg.Server.JWTSecret,
		APIKeys:   cfg.Server.APIKeys,
		Endpoint:  cfg.Auth.Endpoint,
		PublicURL: cfg.Server.PublicURL,
		NATSURL:   cfg.Server.NATSURL,
		Logger:    logger,
		Gatherer:  reg,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("backend listening", "addr", httpSrv.Addr, "robots", len(cfg.Server.APIKeys))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return httpSrv.Shutdown(shutdownCtx)
}
