package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runsascoded/eml/internal/engine"
)

func newPushCommand(logger func() *zap.Logger) *cobra.Command {
	var (
		destFolder   string
		filterFolder string
		filterTag    string
		limit        int
		dryRun       bool
		delay        time.Duration
		maxSize      int64
		prune        bool
	)

	cmd := &cobra.Command{
		Use:   "push <account>",
		Short: "Push archived messages to a remote account",
		Long: `Deliver archived messages to a destination account. Deliveries are
recorded in a per-account manifest under .eml/pushed/, so re-running a
push never duplicates messages, even after an interruption.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			sess, err := openSession(ctx, args[0], log)
			if err != nil {
				return err
			}
			defer sess.close()

			manifest, err := engine.LoadManifest(sess.archive.PushManifestPath(sess.account.Name))
			if err != nil {
				return err
			}

			pusher := engine.NewPusher(sess.account, sess.transport, sess.layout, manifest, sess.state, log)
			bar := newProgressBar(-1, "push "+sess.account.Name)

			summary, err := pusher.Run(ctx, engine.PushOptions{
				Folder:       destFolder,
				FilterFolder: filterFolder,
				FilterTag:    filterTag,
				Limit:        limit,
				DryRun:       dryRun,
				Delay:        delay,
				MaxSize:      maxSize,
				Prune:        prune,
				Progress: func(done, total int) {
					bar.ChangeMax(total)
					_ = bar.Set(done)
				},
			})
			_ = bar.Finish()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"push: %d candidates, %d pushed, %d skipped, %d failed",
				summary.Total, summary.Pushed, summary.Skipped, summary.Failed)
			if prune {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d pruned", summary.Pruned)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if summary.Aborted {
				fmt.Fprintln(cmd.OutOrStdout(), "run aborted; delivered messages are recorded in the manifest")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&destFolder, "to", "T", "INBOX", "destination folder")
	cmd.Flags().StringVarP(&filterFolder, "folder", "f", "", "only push messages stored under this local folder")
	cmd.Flags().StringVarP(&filterTag, "tag", "t", "", "only push messages carrying this tag")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "cap deliveries this run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without delivering")
	cmd.Flags().DurationVar(&delay, "delay", 0, "pause between deliveries (e.g. 500ms)")
	cmd.Flags().Int64Var(&maxSize, "max-size", 0, "skip messages larger than this many bytes")
	cmd.Flags().BoolVar(&prune, "prune", false, "forget manifest entries for locally deleted messages")
	return cmd
}
