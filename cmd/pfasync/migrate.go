package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eutimioliusbel/pfasync/backend/internal/db"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := opts.config()
		if err != nil {
			return err
		}
		ctx, cancel := opts.commandContext(cmd)
		defer cancel()

		conn, err := db.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer conn.Close()
		m, err := db.NewMigrator(conn)
		if err != nil {
			return err
		}
		return fn(ctx, m)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
					n, err := m.Up(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
					if err := m.Down(ctx); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
					status, err := m.Status(ctx)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "VERSION\tSOURCE\tAPPLIED")
					for _, s := range status {
						fmt.Fprintf(w, "%d\t%s\t%t\n", s.Version, s.Source, s.Applied)
					}
					return w.Flush()
				})
			},
		},
	)
	return cmd
}
