package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/config"
	"github.com/rowplane/rowplane/internal/ledger"
	"github.com/rowplane/rowplane/internal/orchestrator"
	"github.com/rowplane/rowplane/internal/report"
	"github.com/rowplane/rowplane/internal/source"
	"github.com/rowplane/rowplane/internal/target"
	"github.com/rowplane/rowplane/internal/transform"
)

var (
	runSourceURL   string
	runTargetURL   string
	runCatalogPath string
	runID          string
	runVerbose     bool
)

func init() {
	runCmd.Flags().StringVar(&runSourceURL, "source", "", "Source database connection string")
	runCmd.Flags().StringVar(&runTargetURL, "target", "", "Target database connection string")
	runCmd.Flags().StringVar(&runCatalogPath, "catalog", "", "Path to the entity catalog JSON file")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier; reuse one to resume a prior run")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Verbose (development) logging")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute (or resume) a migration run",
	Run:   runRun,
}

func runRun(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sourceURL := config.GetSourceURL(runSourceURL, cfg)
	targetURL := config.GetTargetURL(runTargetURL, cfg)
	if sourceURL == "" || targetURL == "" {
		log.Fatalf("Source and target connection strings are required (flags, ROWPLANE_SOURCE_URL/ROWPLANE_TARGET_URL, or rowplane.toml)")
	}

	logger := newLogger(runVerbose)
	defer func() { _ = logger.Sync() }()

	cat, err := catalog.Load(config.GetCatalogPath(runCatalogPath, cfg))
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}

	registry, err := transform.NewRegistry(cat)
	if err != nil {
		log.Fatalf("Invalid type conversions: %v", err)
	}

	src, err := source.OpenSQL(sourceURL, cfg.Migration.BatchSize)
	if err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	defer func() { _ = src.Close() }()

	tgt, err := target.OpenSQL(targetURL)
	if err != nil {
		log.Fatalf("Failed to open target: %v", err)
	}
	defer func() { _ = tgt.Close() }()

	id := runID
	if id == "" {
		id = uuid.NewString()
	}
	led, err := ledger.Open(cfg.Migration.LedgerPath, id)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer func() { _ = led.Close() }()

	retryDelay, err := cfg.Migration.RetryBaseDelayDuration()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	stepTimeout, err := cfg.Migration.StepTimeoutDuration()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	orc := orchestrator.New(cat, src, tgt, registry, led, orchestrator.Options{
		Parallelism:     cfg.Migration.Parallelism,
		InFlightBatches: cfg.Migration.InFlightBatches,
		Tolerance:       cfg.Migration.ValidationTolerance,
		SampleSize:      cfg.Migration.SampleSize,
		RetryAttempts:   cfg.Migration.RetryAttempts,
		RetryBaseDelay:  retryDelay,
		StepTimeout:     stepTimeout,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := orc.Run(ctx)
	if err != nil {
		log.Fatalf("Run aborted: %v", err)
	}

	if err := rep.Write(cfg.Migration.ReportPath); err != nil {
		log.Fatalf("Failed to write run report: %v", err)
	}
	rep.Print(os.Stdout)

	if rep.Outcome != report.OutcomeSuccess {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}
