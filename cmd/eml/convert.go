package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runsascoded/eml/internal/archive"
	"github.com/runsascoded/eml/internal/layout"
)

func newConvertCommand(logger func() *zap.Logger) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert the archive to a different storage layout",
		Long: `Re-materialize every message into a new layout (a different path
template, or 'block' for the single-file store), verify nothing was
lost, and only then switch the archive config over. Byte-identical
duplicates collapse during conversion. Files of the old layout are not
deleted; remove them once satisfied with the result.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger()
			defer log.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			a, err := archive.Open(".")
			if err != nil {
				return err
			}
			if to == a.Config.Layout {
				return fmt.Errorf("archive already uses layout %q", to)
			}

			src, err := a.OpenLayout()
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := a.OpenLayoutSpec(to)
			if err != nil {
				return err
			}
			defer dst.Close()

			log.Info("converting layout",
				zap.String("from", a.Config.Layout),
				zap.String("to", to),
			)
			res, err := layout.Convert(ctx, src, dst, log)
			if err != nil {
				return err
			}

			// The config flips only after a verified conversion, so a
			// failure leaves the archive reading from the old layout.
			if err := a.SetLayout(to); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"converted: %d scanned, %d inserted, %d duplicates collapsed\n",
				res.Scanned, res.Inserted, res.Collapsed)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "target layout: preset, path template, or 'block'")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
