package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eutimioliusbel/pfasync/backend/internal/app"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
)

type pairingFlags struct {
	org    string
	entity string
}

func (p *pairingFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.org, "org", "", "Organization id")
	cmd.Flags().StringVar(&p.entity, "entity", "pfa", "Entity type")
	cmd.MarkFlagRequired("org")
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync operations by hand",
	}

	var pf pairingFlags
	pull := &cobra.Command{
		Use:   "pull",
		Short: "Pull one organization/entity pairing now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()
			return opts.withApp(ctx, func(a *app.App) error {
				res, err := a.Worker().Pull(ctx, pf.org, pf.entity)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "source:    %s\n", res.SourceID)
				fmt.Fprintf(out, "fetched:   %d\n", res.Fetched)
				fmt.Fprintf(out, "created:   %d\n", res.Created)
				fmt.Fprintf(out, "updated:   %d\n", res.Updated)
				fmt.Fprintf(out, "unchanged: %d\n", res.Unchanged)
				fmt.Fprintf(out, "stale:     %d\n", res.Stale)
				fmt.Fprintf(out, "skipped:   %d\n", res.Skipped)
				if res.Archive != nil {
					fmt.Fprintf(out, "archive:   %s (%s)\n", res.Archive.ID, humanize.Bytes(uint64(res.Archive.CompressedSize)))
				}
				fmt.Fprintf(out, "took:      %s\n", res.Duration)
				return nil
			})
		},
	}
	pf.register(pull)
	cmd.AddCommand(pull)
	return cmd
}

func newSourcesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Inspect data source mappings",
	}

	var (
		pf     pairingFlags
		asJSON bool
	)
	metrics := &cobra.Command{
		Use:   "metrics",
		Short: "Show per-source success rate and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.commandContext(cmd)
			defer cancel()
			return opts.withApp(ctx, func(a *app.App) error {
				metrics, err := a.Sources().Metrics(ctx, pf.entity, pf.org)
				if err != nil {
					return err
				}
				if len(metrics) == 0 {
					return apperrors.Newf(apperrors.ErrNotFound, "no mappings for %s in %s", pf.entity, pf.org)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(metrics)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SOURCE\tPRIORITY\tACTIVE\tATTEMPTS\tSUCCESS\tAVG LATENCY")
				for _, m := range metrics {
					fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%.1f%%\t%.0fms\n", m.APIConfigID, m.Priority, m.IsActive,
						humanize.Comma(m.TotalAttempts), m.SuccessRate*100, m.AvgLatencyMs)
				}
				return w.Flush()
			})
		},
	}
	pf.register(metrics)
	metrics.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	cmd.AddCommand(metrics)
	return cmd
}
