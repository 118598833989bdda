package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/runsascoded/eml/internal/archive"
)

func newStatusCommand() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archive contents and recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := archive.Open(".")
			if err != nil {
				return err
			}

			l, err := a.OpenLayout()
			if err != nil {
				return err
			}
			defer l.Close()

			count, err := l.Count(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "archive: %s\n", a.Root)
			fmt.Fprintf(out, "layout:  %s\n", a.Config.Layout)
			fmt.Fprintf(out, "messages: %d\n", count)

			st, err := a.OpenState()
			if err != nil {
				return err
			}
			defer st.Close()

			recent, err := st.RecentRuns(ctx, runs)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				fmt.Fprintln(out, "no sync runs yet")
				return nil
			}

			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tOP\tACCOUNT\tFOLDER\tSTATUS\tTOTAL\tNEW\tSKIPPED\tFAILED")
			for _, r := range recent {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.StartedAt.Local().Format("2006-01-02 15:04"),
					r.Operation, r.Account, r.Folder, r.Status,
					r.Total, r.New, r.Skipped, r.Failed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 10, "number of recent runs to show")
	return cmd
}
