package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rowplane",
	Short: "Rowplane migrates relational datasets between storage engines.",
	Long: `Rowplane orchestrates bulk data migrations: it orders entities by
foreign-key dependency, streams batches through type conversion into the
target with idempotent upserts, records every step in a durable ledger, and
validates the result. A crashed or failed run resumes from the ledger.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
