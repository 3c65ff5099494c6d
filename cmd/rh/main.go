package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "roundhouse.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rh",
		Short: "Roundhouse: NLU model training and versioning",
		Long:  "Roundhouse keeps one trained NLU model per bot language, training new versions in the background while the previous one keeps serving.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newPredictCmd())
	cmd.AddCommand(newDetectLangCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newModelsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rh %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
