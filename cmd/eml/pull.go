package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runsascoded/eml/internal/dedup"
	"github.com/runsascoded/eml/internal/engine"
	"github.com/runsascoded/eml/internal/model"
)

func newPullCommand(logger func() *zap.Logger) *cobra.Command {
	var (
		folders    []string
		allFolders bool
		limit      int
		batchSize  int
		retry      bool
		dryRun     bool
		tags       []string
	)

	cmd := &cobra.Command{
		Use:   "pull <account>",
		Short: "Pull new messages from a remote account into the archive",
		Long: `Pull messages the archive has not seen yet. Each (account, folder)
pair keeps a durable cursor, so repeated pulls only fetch what is new;
--retry re-attempts previously failed messages instead.`,
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

			pullFolders := folders
			if allFolders {
				pullFolders, err = sess.transport.ListFolders(ctx)
				if err != nil {
					return err
				}
			}
			if len(pullFolders) == 0 {
				pullFolders = []string{"INBOX"}
			}

			idx := dedup.NewIndex(sess.layout, dedup.Options{
				KeepByteDuplicates: sess.archive.Config.KeepByteDuplicates,
			})
			puller := engine.NewPuller(sess.account, sess.transport, sess.layout, idx, sess.state, log)

			var total engine.Summary
			for _, folder := range pullFolders {
				folder = model.NormalizeFolder(folder)
				bar := newProgressBar(-1, "pull "+folder)

				summary, err := puller.Run(ctx, engine.PullOptions{
					Folder:    folder,
					BatchSize: batchSize,
					Limit:     limit,
					Retry:     retry,
					DryRun:    dryRun,
					Tags:      tags,
					Progress: func(done, runTotal int) {
						bar.ChangeMax(runTotal)
						_ = bar.Set(done)
					},
				})
				_ = bar.Finish()
				if err != nil {
					return fmt.Errorf("pulling %s: %w", folder, err)
				}

				total.Total += summary.Total
				total.New += summary.New
				total.Skipped += summary.Skipped
				total.Failed += summary.Failed
				total.Aborted = total.Aborted || summary.Aborted
				if summary.Aborted {
					break
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"pull: %d candidates, %d new, %d skipped, %d failed\n",
				total.Total, total.New, total.Skipped, total.Failed)
			if total.Aborted {
				fmt.Fprintln(cmd.OutOrStdout(), "run aborted; progress up to the last checkpoint is saved")
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&folders, "folder", "f", nil, "folder to pull (repeatable; default INBOX)")
	cmd.Flags().BoolVarP(&allFolders, "all", "a", false, "pull every remote folder")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "cap messages processed this run")
	cmd.Flags().IntVar(&batchSize, "batch-size", engine.DefaultBatchSize, "messages between durable checkpoints")
	cmd.Flags().BoolVar(&retry, "retry", false, "re-attempt previously failed messages")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify without storing anything")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag stored messages (repeatable)")
	return cmd
}
