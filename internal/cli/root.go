// Package cli implements the fleet command line: running a standalone
// campaign on in-process factories and validating campaign files.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/logging"
)

var version = "0.1.0"

// NewRootCmd returns the root command with all its subcommands.
func NewRootCmd() *cobra.Command {
	var logger *zap.Logger

	root := &cobra.Command{
		Use:     "fleet",
		Short:   "Orchestrate load-testing campaigns across factories",
		Version: version,
		Long: `Fleet drives load-testing campaigns: a head sends directives to the
factories, which create the minions of each scenario, ramp them up and report
their progress back as feedback.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			encoding, _ := cmd.Flags().GetString("log-format")

			var err error
			logger, _, err = logging.New(logging.Config{Level: level, Encoding: encoding})
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error); FLEET_LOG_LEVEL overrides it")
	root.PersistentFlags().String("log-format", "console", "Log encoding (console or json)")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	loggerOf := func() *zap.Logger { return logger }
	root.AddCommand(newRunCmd(loggerOf))
	root.AddCommand(newValidateCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
