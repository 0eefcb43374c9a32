package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eutimioliusbel/pfasync/backend/internal/app"
	"github.com/eutimioliusbel/pfasync/backend/internal/config"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
)

type rootOptions struct {
	envFiles []string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pfasync",
		Short:         "PFA mirror and delta synchronization service",
		Version:       fmt.Sprintf("%s (built %s, commit %s)", Version, BuildDate, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Load variables from .env file(s) before reading the environment")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Upper bound for one-shot operator commands")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newArchiveCmd(opts),
		newSyncCmd(opts),
		newSourcesCmd(opts),
	)
	return cmd
}

func (o *rootOptions) config() (*config.Config, error) {
	return config.Load(o.envFiles...)
}

// commandContext bounds one-shot commands.
func (o *rootOptions) commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// withApp assembles the service without starting it.
func (o *rootOptions) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	a, err := app.New(ctx, cfg, app.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer a.Stop(context.WithoutCancel(ctx))
	return fn(a)
}

func newLoggerOrDiscard(cfg *config.Config) *logging.Logger {
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return logging.Discard()
	}
	return logger
}
