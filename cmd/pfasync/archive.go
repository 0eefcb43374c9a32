package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eutimioliusbel/pfasync/backend/internal/app"
	"github.com/eutimioliusbel/pfasync/backend/internal/archive"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
)

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and manage bronze archives",
	}

	withBackend := func(cmd *cobra.Command, fn func(ctx context.Context, b archive.Backend) error) error {
		cfg, err := opts.config()
		if err != nil {
			return err
		}
		ctx, cancel := opts.commandContext(cmd)
		defer cancel()

		logger := newLoggerOrDiscard(cfg)
		defer logger.Close()
		b, err := archive.New(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		if b == nil {
			return apperrors.New(apperrors.ErrConfiguration, "archival is disabled (ARCHIVE_TYPE=disabled)")
		}
		defer b.Close()
		return fn(ctx, b)
	}

	var from, to string
	list := &cobra.Command{
		Use:   "list",
		Short: "List archives, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := parseRange(from, to)
			if err != nil {
				return err
			}
			return withBackend(cmd, func(ctx context.Context, b archive.Backend) error {
				archives, err := b.ListArchives(ctx, r)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tARCHIVED\tRECORDS\tSIZE\tRATIO")
				for _, a := range archives {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.2f\n", a.ID,
						humanize.Time(a.ArchivedAtTime()), a.RecordCount,
						humanize.Bytes(uint64(a.CompressedSize)), a.CompressionRatio())
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVar(&from, "from", "", "Earliest archive time (RFC3339 or YYYY-MM-DD)")
	list.Flags().StringVar(&to, "to", "", "Latest archive time (RFC3339 or YYYY-MM-DD)")

	get := &cobra.Command{
		Use:   "get <archive-id>",
		Short: "Print an archive's records as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b archive.Backend) error {
				records, err := b.RetrieveArchive(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range records {
					fmt.Fprintln(out, string(r))
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <archive-id>",
		Short: "Delete an archive and its catalog row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b archive.Backend) error {
				if err := b.DeleteArchive(ctx, args[0]); err != nil {
					return err
				}
				cfg, err := opts.config()
				if err != nil {
					return err
				}
				conn, repo, err := app.OpenStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer conn.Close()
				defer repo.Close()
				if err := repo.DeleteArchiveMetadata(ctx, args[0]); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Check the archive backend is reachable and writable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, func(ctx context.Context, b archive.Backend) error {
				if err := b.HealthCheck(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", b.Name())
				return nil
			})
		},
	}

	cmd.AddCommand(list, get, del, health)
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func parseRange(from, to string) (archive.DateRange, error) {
	var r archive.DateRange
	var err error
	if from != "" {
		if r.From, err = parseTime(from); err != nil {
			return r, apperrors.Newf(apperrors.ErrValidation, "invalid --from %q", from)
		}
	}
	if to != "" {
		if r.To, err = parseTime(to); err != nil {
			return r, apperrors.Newf(apperrors.ErrValidation, "invalid --to %q", to)
		}
	}
	return r, nil
}
