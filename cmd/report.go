package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rowplane/rowplane/internal/config"
	"github.com/rowplane/rowplane/internal/report"
)

var reportPath string

func init() {
	reportCmd.Flags().StringVar(&reportPath, "path", "", "Path to a run report JSON file")
	rootCmd.AddCommand(reportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the summary of a previously written run report",
	Run:   runReport,
}

func runReport(cmd *cobra.Command, args []string) {
	path := reportPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		path = cfg.Migration.ReportPath
	}

	rep, err := report.Read(path)
	if err != nil {
		log.Fatalf("Failed to read report: %v", err)
	}
	rep.Print(os.Stdout)
}
