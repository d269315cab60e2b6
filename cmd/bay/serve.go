package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipyard/bay/pkg/api"
	"github.com/shipyard/bay/pkg/bay"
	"github.com/shipyard/bay/pkg/config"
	"github.com/shipyard/bay/pkg/log"
	"github.com/shipyard/bay/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bay control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := rootCmd.PersistentFlags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := log.WithComponent("serve")

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		b, err := bay.New(ctx, cfg)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to start bay: %w", err)
		}

		b.Start()
		logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("bay ready")

		server := api.NewServer(b)
		httpServer := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: server.Handler(),
		}

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}

		errCh := make(chan error, 2)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
		logger.Info().Str("metrics_addr", cfg.MetricsAddr).Msg("metrics listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("serve failed")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown did not complete cleanly")
		}

		if err := b.Close(); err != nil {
			return fmt.Errorf("failed to shut down bay: %w", err)
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}
