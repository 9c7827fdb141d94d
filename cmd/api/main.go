package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"fieldroute/internal/api"
	"fieldroute/internal/app"
	"fieldroute/internal/auth"
	"fieldroute/internal/buildinfo"
	"fieldroute/internal/config"
	"fieldroute/internal/logging"
	"fieldroute/internal/metrics"
	"fieldroute/internal/tracing"
	"fieldroute/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fieldroute-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "fieldroute.yaml", "path to YAML config")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics.RegisterDefault()

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.Webhooks.Enabled {
		w := webhooks.NewWorker(deps.Store, cfg, log)
		go w.Run(ctx)
	}

	srv := api.NewServer(cfg, deps.Store, deps.Planner, deps.Broker, auth.NewVerifier(cfg.Auth), log)
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.GetReadHeaderTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("version", buildinfo.Version),
			zap.String("auth_mode", cfg.Auth.Mode))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
