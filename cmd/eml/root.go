package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRootCommand() *cobra.Command {
	var verbose bool
	var quiet bool

	root := &cobra.Command{
		Use:   "eml",
		Short: "Archive mail from remote accounts into a local store",
		Long: `eml pulls messages from remote mail accounts into a local archive
(a file tree or a single-file block store), deduplicates them, and can
push archived messages back out to another account.

An archive is any directory initialized with 'eml init'; sync state
lives under its .eml/ directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "log warnings and errors only")

	logger := func() *zap.Logger { return buildLogger(verbose, quiet) }

	root.AddCommand(
		newInitCommand(),
		newAccountCommand(),
		newPullCommand(logger),
		newPushCommand(logger),
		newConvertCommand(logger),
		newStatusCommand(),
	)
	return root
}

// buildLogger writes human-readable logs to stderr so command output on
// stdout stays scriptable.
func buildLogger(verbose, quiet bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	} else if quiet {
		level = zapcore.WarnLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return zap.NewNop()
	}
	return logger
}
