package cmd

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/config"
	"github.com/rowplane/rowplane/internal/scheduler"
)

var planCatalogPath string

func init() {
	planCmd.Flags().StringVar(&planCatalogPath, "catalog", "", "Path to the entity catalog JSON file")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the dependency-ordered execution plan without migrating",
	Run:   runPlan,
}

func runPlan(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cat, err := catalog.Load(config.GetCatalogPath(planCatalogPath, cfg))
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}

	plan, err := scheduler.BuildPlan(cat)
	if err != nil {
		log.Fatalf("Failed to build plan: %v", err)
	}

	fmt.Printf("Execution order (%d entities, %d waves):\n\n", len(plan.Order), len(plan.Waves))
	for i, wave := range plan.Waves {
		fmt.Printf("  wave %d: %s\n", i+1, strings.Join(wave, ", "))
	}
}
