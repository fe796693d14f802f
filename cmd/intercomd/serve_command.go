package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect every configured device and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, err := ctx.newBridge()
			if err != nil {
				return err
			}
			logger := ctx.loggerValue()
			defer func() { _ = logger.Sync() }()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := bridge.Start(runCtx); err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- bridge.Run()
			}()

			select {
			case err := <-errCh:
				bridge.Close()
				if err != nil {
					logger.Error("http server error", zap.Error(err))
				}
				return err
			case <-runCtx.Done():
			}

			logger.Info("shutting down", zap.String("addr", bridge.Addr()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := bridge.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}
