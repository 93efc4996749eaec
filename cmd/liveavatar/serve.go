package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/liveavatar/internal/app"
	"github.com/ent0n29/liveavatar/internal/config"
	"github.com/ent0n29/liveavatar/internal/logging"
)

func newServeCommand() *cobra.Command {
	var bindAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the stream control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			logger, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}

			built, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           built.API.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			serverErrors := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErrors <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var runErr error
			select {
			case runErr = <-serverErrors:
				logger.Error().Err(runErr).Msg("listen error")
			case <-sigCh:
				logger.Info().Msg("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := built.Cleanup(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("cleanup failed")
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}

			logger.Info().Msg("shutdown complete")
			return runErr
		},
	}
	cmd.Flags().StringVar(&bindAddr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}
