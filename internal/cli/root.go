package cli

import (
	"github.com/spf13/cobra"

	"github.com/convergo-io/convergo/internal/logging"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "convergo",
	Short: "Declarative infrastructure reconciliation",
	Long: `Convergo reconciles declared infrastructure with what actually exists.

It evaluates a PKL configuration into a resource graph, diffs it against
recorded state, and drives provider plugins to converge the two:
  • Dependency-ordered plans with attribute-level diffs
  • Parallel apply with bounded retries
  • Locked, versioned state with optional encryption and an S3 backend`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel, logFormat)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
