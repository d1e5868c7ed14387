package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/proxitrace/internal/adapters/http/api"
	"github.com/okian/proxitrace/internal/adapters/http/swagger"
	"github.com/okian/proxitrace/internal/adapters/radio/mqttradio"
	app "github.com/okian/proxitrace/internal/app"
	"github.com/okian/proxitrace/internal/config"
	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 10 * time.Second
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node: radio bridge, persistence, detection and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			return serveRun(cmd.Context(), cfg, l)
		},
	}
}

func serveRun(ctx context.Context, cfg *config.Config, l logger.Logger) error {
	store, err := openStore(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	bridge, err := mqttradio.Dial(ctx, cfg.MQTTBroker, cfg.MQTTClientID,
		mqttradio.WithTopicPrefix(cfg.MQTTTopicPrefix),
		mqttradio.WithLogger(l.Named("mqttradio")),
	)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to connect radio bridge: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := bridge.Close(closeCtx); err != nil {
			l.Warn(ctx, "radio bridge close failed", logger.Error(err))
		}
	}()

	svc, err := app.New(bridge, bridge.Peripheral(), store, serviceOptions(cfg, l)...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to start service: %w", err)
	}

	go startSystemMetricsUpdater(ctx)

	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc).Register(ctx, mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		l.Info(ctx, "shutting down server...")
	case err := <-serveErr:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		l.Error(ctx, "service stop failed", logger.Error(err))
		runErr = errors.Join(runErr, err)
	}

	l.Info(ctx, "server stopped")
	return runErr
}

// startSystemMetricsUpdater refreshes process gauges until ctx ends.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
}
