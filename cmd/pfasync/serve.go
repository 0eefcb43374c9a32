package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eutimioliusbel/pfasync/backend/internal/app"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket notifier and sync scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Deps{Logger: logger})
			if err != nil {
				return err
			}
			logger.Info("pfasync starting", map[string]interface{}{
				"version": Version,
				"addr":    cfg.ListenAddr,
			})

			errCh := a.Start(ctx)
			select {
			case <-ctx.Done():
				logger.Info("shutdown requested")
			case err = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := a.Stop(shutdownCtx); stopErr != nil && err == nil {
				err = stopErr
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for in-flight requests and ticks to finish")
	return cmd
}
