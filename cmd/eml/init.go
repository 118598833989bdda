package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runsascoded/eml/internal/archive"
	"github.com/runsascoded/eml/internal/layout"
)

func newInitCommand() *cobra.Command {
	var layoutSpec string

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a mail archive in a directory",
		Long: `Initialize a mail archive. The layout is either a preset name
(default, flat, monthly, daily, compact, hash2, verbose), a custom path
template like '$folder/$yyyy/${sha8}.eml', or 'block' for a single-file
store.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			a, err := archive.Init(dir, layoutSpec)
			if err != nil {
				return err
			}

			resolved := layoutSpec
			if layoutSpec != archive.LayoutBlock {
				resolved = layout.ResolvePreset(layoutSpec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized archive at %s (layout: %s)\n", a.Root, resolved)
			return nil
		},
	}

	cmd.Flags().StringVarP(&layoutSpec, "layout", "l", "default", "layout preset, path template, or 'block'")
	return cmd
}
