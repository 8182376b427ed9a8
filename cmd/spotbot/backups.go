package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/spotbot/internal/app"
	"github.com/alanyoungcy/spotbot/internal/orchestrator"
)

func newBackupsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List and restore ledger backups",
	}
	cmd.AddCommand(newBackupsListCmd(opts), newBackupsPullCmd(opts))
	return cmd
}

func newBackupsListCmd(opts *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local backups, or the S3 mirror with --remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts, func(ctx context.Context, deps *app.Dependencies) error {
				out := cmd.OutOrStdout()
				if !remote {
					names, err := deps.Ledger.Backups()
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Fprintln(out, n)
					}
					return nil
				}

				if deps.Backups == nil {
					return errors.New("s3 is not enabled")
				}
				objects, err := deps.Backups.List(ctx, opts.cfg.Ledger.MirrorPrefix)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PATH\tSIZE\tMODIFIED")
				for _, o := range objects {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", o.Path, o.Size, o.LastModified.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "list the S3 mirror instead of local files")
	return cmd
}

func newBackupsPullCmd(opts *rootOptions) *cobra.Command {
	var (
		out     string
		restore bool
	)
	cmd := &cobra.Command{
		Use:   "pull <path>",
		Short: "Download a mirrored backup, optionally restoring it as the live ledger",
		Long: `pull downloads one backup from the S3 mirror. With --out it is written to a
file; with --restore it replaces the live ledger after backing up the current
one. Restoring takes the ledger lock so it cannot interleave with a cycle.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" && !restore {
				return errors.New("pass --out <file> or --restore")
			}
			return withDeps(cmd, opts, func(ctx context.Context, deps *app.Dependencies) error {
				if deps.Backups == nil {
					return errors.New("s3 is not enabled")
				}

				key := args[0]
				if prefix := opts.cfg.Ledger.MirrorPrefix; prefix != "" && path.Dir(key) == "." {
					key = path.Join(prefix, key)
				}
				data, err := deps.Backups.Download(ctx, key)
				if err != nil {
					return err
				}

				if out != "" {
					if err := os.WriteFile(out, data, 0o644); err != nil {
						return fmt.Errorf("write %s: %w", out, err)
					}
					opts.logger.Info("backup downloaded",
						slog.String("key", key),
						slog.String("out", out),
						slog.Int("bytes", len(data)),
					)
				}
				if !restore {
					return nil
				}

				if deps.Locker != nil {
					unlock, err := deps.Locker.Acquire(ctx, orchestrator.LockKey, time.Minute)
					if err != nil {
						return fmt.Errorf("acquire ledger lock: %w", err)
					}
					defer unlock()
				}
				snap, err := deps.Ledger.Restore(ctx, data)
				if err != nil {
					return err
				}
				opts.logger.Info("ledger restored from backup",
					slog.String("key", key),
					slog.Int("open", len(snap.Open)),
					slog.Int("closed", len(snap.Closed)),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the backup to this file")
	cmd.Flags().BoolVar(&restore, "restore", false, "replace the live ledger with the backup")
	return cmd
}
