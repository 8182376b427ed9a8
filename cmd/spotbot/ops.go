package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spotbot/internal/app"
	"github.com/alanyoungcy/spotbot/internal/domain"
	"github.com/alanyoungcy/spotbot/internal/report"
)

// withDeps wires the components, runs fn and releases them.
func withDeps(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, deps *app.Dependencies) error) error {
	application := app.New(opts.cfg, opts.logger)
	defer application.Close()

	deps, err := application.Dependencies(cmd.Context())
	if err != nil {
		return err
	}
	return fn(cmd.Context(), deps)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Reconcile the ledger against the exchange once",
		Long: fmt.Sprintf(`verify checks every OPEN position against the exchange, closes phantoms
with reason %s, resolves duplicate open symbols and prints the
report as JSON.`, domain.CloseReasonPhantom),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireCredentials(); err != nil {
				return err
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *app.Dependencies) error {
				rep, err := deps.Orchestrator.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rep)
			})
		},
	}
}

func newCloseAllCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "close-all",
		Short: "Market-sell every confirmed open position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("close-all sells every confirmed position; pass --yes to proceed")
			}
			if err := opts.requireCredentials(); err != nil {
				return err
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *app.Dependencies) error {
				closed, err := deps.Orchestrator.CloseAll(ctx)
				if perr := printJSON(cmd.OutOrStdout(), map[string]any{"closed": closed}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm selling every position")
	return cmd
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Re-create ledger entries for untracked exchange holdings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireCredentials(); err != nil {
				return err
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *app.Dependencies) error {
				restored, err := deps.Orchestrator.Restore(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"restored": restored})
			})
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print open positions and the last 24 hours of results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts, func(ctx context.Context, deps *app.Dependencies) error {
				snap, err := deps.Ledger.Load(ctx)
				if err != nil {
					return err
				}
				summary, err := deps.Reporter.Build(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, map[string]any{"open": snap.Open, "summary": summary})
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SYMBOL\tQTY\tENTRY\tOPENED\tVERIFICATION\tSOURCE")
				for _, p := range snap.Open {
					fmt.Fprintf(tw, "%s\t%g\t%g\t%s\t%s\t%s\n",
						p.Symbol, p.Quantity, p.EntryPrice,
						p.OpenedAt.Format(time.RFC3339), p.Verification, p.Source)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, report.Format(summary, opts.cfg.Exchange.QuoteAsset))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
