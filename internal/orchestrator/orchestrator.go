// Package orchestrator drives a migration run: it consumes the dependency
// plan, pipelines extract -> transform -> load per entity, consults the
// ledger to skip completed work, runs post-load validation, and produces the
// run report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/ledger"
	"github.com/rowplane/rowplane/internal/record"
	"github.com/rowplane/rowplane/internal/report"
	"github.com/rowplane/rowplane/internal/scheduler"
	"github.com/rowplane/rowplane/internal/source"
	"github.com/rowplane/rowplane/internal/target"
	"github.com/rowplane/rowplane/internal/transform"
	"github.com/rowplane/rowplane/internal/validate"
)

// Options are the run knobs, all explicit inputs
type Options struct {
	Parallelism     int
	InFlightBatches int
	Tolerance       float64
	SampleSize      int
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	StepTimeout     time.Duration
}

// Orchestrator owns one migration run. The ledger is the only mutable shared
// state; the orchestrator serializes step writes per entity even when waves
// run in parallel.
type Orchestrator struct {
	cat       *catalog.Catalog
	src       source.Store
	tgt       target.Store
	registry  *transform.Registry
	led       *ledger.Ledger
	validator *validate.Validator
	opts      Options
	logger    *zap.Logger

	mu     sync.Mutex
	states map[string]EntityState
}

// New wires an orchestrator. The registry must already be validated against
// the catalog (NewRegistry fails fast on unmapped type pairs).
func New(cat *catalog.Catalog, src source.Store, tgt target.Store, reg *transform.Registry, led *ledger.Ledger, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.InFlightBatches < 1 {
		opts.InFlightBatches = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}

	states := make(map[string]EntityState, cat.Len())
	for _, e := range cat.Entities() {
		states[e.Name] = StateNotStarted
	}

	return &Orchestrator{
		cat:       cat,
		src:       src,
		tgt:       tgt,
		registry:  reg,
		led:       led,
		validator: validate.New(src, tgt, reg, opts.Tolerance, opts.SampleSize, logger),
		opts:      opts,
		logger:    logger,
		states:    states,
	}
}

// Run executes the migration and returns the run report. The report is
// produced even when entities fail; Run returns an error only for
// configuration problems or when the ledger/report infrastructure itself
// breaks.
func (o *Orchestrator) Run(ctx context.Context) (*report.RunReport, error) {
	plan, err := scheduler.BuildPlan(o.cat)
	if err != nil {
		// Configuration error: abort before any data movement or ledger write
		return nil, err
	}

	startedAt := time.Now().UTC()
	o.logger.Info("run starting",
		zap.String("run_id", o.led.RunID()),
		zap.Int("entities", o.cat.Len()),
		zap.Int("waves", len(plan.Waves)),
		zap.Int("parallelism", o.opts.Parallelism))

	if err := o.tgt.AcquireBulkMode(ctx); err != nil {
		o.logger.Warn("bulk mode unavailable, continuing without it", zap.Error(err))
	}
	defer func() {
		// Release must happen even after cancellation
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := o.tgt.ReleaseBulkMode(releaseCtx); err != nil {
			o.logger.Warn("failed to restore target normal mode", zap.Error(err))
		}
	}()

	results := make(map[string]*report.EntityReport, o.cat.Len())
	var resultsMu sync.Mutex

	for _, wave := range plan.Waves {
		var g errgroup.Group
		g.SetLimit(o.opts.Parallelism)
		for _, name := range wave {
			name := name
			g.Go(func() error {
				r, err := o.processEntity(ctx, name)
				if r != nil {
					resultsMu.Lock()
					results[r.Entity] = r
					resultsMu.Unlock()
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	entities := make([]report.EntityReport, 0, o.cat.Len())
	for _, e := range o.cat.Entities() {
		if r, ok := results[e.Name]; ok {
			entities = append(entities, *r)
			continue
		}
		entities = append(entities, report.EntityReport{
			Entity:   e.Name,
			State:    string(StateNotStarted),
			Findings: []validate.Finding{},
		})
	}

	rep := &report.RunReport{
		RunID:      o.led.RunID(),
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Outcome:    report.ComputeOutcome(entities),
		Entities:   entities,
	}
	o.logger.Info("run finished", zap.String("outcome", string(rep.Outcome)))
	return rep, nil
}

// processEntity moves one entity through the state machine. The returned
// error is reserved for infrastructure failures (ledger writes); entity-level
// failures are captured in the report instead.
func (o *Orchestrator) processEntity(ctx context.Context, name string) (*report.EntityReport, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	entity, err := o.cat.Get(name)
	if err != nil {
		return nil, err
	}

	// Dependency gate: every dependency must have completed this run
	deps, err := o.cat.DependenciesOf(name)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if o.state(dep) == StateCompleted {
			continue
		}
		o.setState(name, StateSkipped)
		o.logger.Warn("skipping entity, dependency did not complete",
			zap.String("entity", name), zap.String("dependency", dep))

		stepID, attempt, err := o.led.RecordStepStart(ctx, name)
		if err != nil {
			return nil, err
		}
		detail := fmt.Sprintf("dependency %s did not complete", dep)
		if err := o.led.RecordStepOutcome(ctx, stepID, ledger.OutcomeSkipped, ledger.Counts{}, nil, detail); err != nil {
			return nil, err
		}
		return &report.EntityReport{
			Entity:   name,
			State:    string(StateSkipped),
			Attempts: attempt,
			Findings: []validate.Finding{},
			Error:    detail,
		}, nil
	}

	// Resume: a prior succeeded step makes re-running a no-op for the entity
	prior, err := o.led.LastSuccessfulStep(ctx, name)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		o.setState(name, StateCompleted)
		o.logger.Info("entity already migrated, skipping",
			zap.String("entity", name), zap.Int("attempt", prior.Attempt))
		var duration time.Duration
		if prior.FinishedAt != nil {
			duration = prior.FinishedAt.Sub(prior.StartedAt)
		}
		return &report.EntityReport{
			Entity:     name,
			State:      string(StateCompleted),
			Attempts:   prior.Attempt,
			SourceRows: prior.Counts.SourceRows,
			TargetRows: prior.Counts.TargetRows,
			Rejected:   prior.Counts.Rejected,
			Duration:   duration,
			Findings:   prior.Findings,
		}, nil
	}

	return o.migrateEntity(ctx, entity)
}

// migrateEntity runs the extract -> transform -> load pipeline for one
// entity, then validates and records the outcome
func (o *Orchestrator) migrateEntity(ctx context.Context, entity catalog.Entity) (*report.EntityReport, error) {
	stepID, attempt, err := o.led.RecordStepStart(ctx, entity.Name)
	if err != nil {
		return nil, err
	}
	stepStart := time.Now()
	o.logger.Info("migrating entity",
		zap.String("entity", entity.Name),
		zap.Int("attempt", attempt),
		zap.Int64("estimated_rows", entity.EstimatedRows))

	fail := func(cause error) (*report.EntityReport, error) {
		o.setState(entity.Name, StateFailed)
		o.logger.Error("entity failed", zap.String("entity", entity.Name), zap.Error(cause))
		// Recorded on a detached context so cancellation still lands a
		// consistent "not completed" outcome, never a spurious success
		outCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		outErr := o.led.RecordStepOutcome(outCtx, stepID, ledger.OutcomeFailed, ledger.Counts{}, nil, cause.Error())
		if outErr != nil {
			// The interrupted step stays pending; resume treats it as not completed
			o.logger.Error("failed to record step outcome", zap.Error(outErr))
		}
		return &report.EntityReport{
			Entity:   entity.Name,
			State:    string(StateFailed),
			Attempts: attempt,
			Duration: time.Since(stepStart),
			Findings: []validate.Finding{},
			Error:    cause.Error(),
		}, nil
	}

	o.setState(entity.Name, StateExtracting)

	var sourceRows int64
	err = o.withRetry(ctx, "source row count", func(ctx context.Context) error {
		var err error
		sourceRows, err = o.src.RowCount(ctx, entity)
		return err
	})
	if err != nil {
		return fail(err)
	}

	findings, counts, err := o.runPipeline(ctx, entity)
	counts.SourceRows = sourceRows
	if err != nil {
		return fail(err)
	}

	err = o.withRetry(ctx, "target row count", func(ctx context.Context) error {
		var err error
		counts.TargetRows, err = o.tgt.RowCount(ctx, entity)
		return err
	})
	if err != nil {
		return fail(err)
	}

	o.setState(entity.Name, StateValidating)
	checkFindings, err := o.validator.Validate(ctx, entity, counts.SourceRows, counts.TargetRows)
	if err != nil {
		return fail(fmt.Errorf("validation aborted: %w", err))
	}
	findings = append(findings, checkFindings...)

	outcome := ledger.OutcomeSucceeded
	state := StateCompleted
	if validate.HasErrors(findings) {
		// Data was loaded, but the entity is not considered migrated
		outcome = ledger.OutcomeFailed
		state = StateFailed
	}
	o.setState(entity.Name, state)

	if err := o.led.RecordStepOutcome(ctx, stepID, outcome, counts, findings, ""); err != nil {
		return nil, err
	}

	o.logger.Info("entity done",
		zap.String("entity", entity.Name),
		zap.String("state", string(state)),
		zap.Int64("source_rows", counts.SourceRows),
		zap.Int64("target_rows", counts.TargetRows),
		zap.Int64("rejected", counts.Rejected),
		zap.Duration("duration", time.Since(stepStart)))

	return &report.EntityReport{
		Entity:     entity.Name,
		State:      string(state),
		Attempts:   attempt,
		SourceRows: counts.SourceRows,
		TargetRows: counts.TargetRows,
		Rejected:   counts.Rejected,
		Duration:   time.Since(stepStart),
		Findings:   findings,
	}, nil
}

// runPipeline streams batches from the source through transform and load.
// Extraction of batch N+1 overlaps with loading of batch N, bounded by the
// in-flight limit; batches are loaded in extraction order.
func (o *Orchestrator) runPipeline(ctx context.Context, entity catalog.Entity) ([]validate.Finding, ledger.Counts, error) {
	var counts ledger.Counts
	findings := []validate.Finding{}

	var cursor source.Cursor
	err := o.withRetry(ctx, "open cursor", func(ctx context.Context) error {
		var err error
		cursor, err = o.src.Open(ctx, entity, "")
		return err
	})
	if err != nil {
		return findings, counts, err
	}

	batches := make(chan *record.Batch, o.opts.InFlightBatches)
	g, pctx := errgroup.WithContext(ctx)

	// Producer: extract batches in order. Blocks once the in-flight limit
	// is reached (backpressure).
	g.Go(func() error {
		defer close(batches)
		for {
			var batch *record.Batch
			err := o.withRetry(pctx, "extract batch", func(ctx context.Context) error {
				var err error
				batch, _, err = cursor.Next(ctx)
				return err
			})
			if errors.Is(err, source.ErrEndOfData) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
			case <-pctx.Done():
				return pctx.Err()
			}
		}
	})

	// Consumer: transform then load, preserving extraction order
	g.Go(func() error {
		now := time.Now().UTC()
		for batch := range batches {
			if pctx.Err() != nil {
				return pctx.Err()
			}

			o.setState(entity.Name, StateTransforming)
			converted, rejected := o.registry.Apply(entity.Name, batch, now)

			o.setState(entity.Name, StateLoading)
			var result target.LoadResult
			err := o.withRetry(pctx, "load batch", func(ctx context.Context) error {
				var err error
				result, err = o.tgt.Upsert(ctx, entity, converted)
				return err
			})
			if err != nil {
				return err
			}

			counts.Rejected += int64(len(rejected) + len(result.Rejected))
			for _, r := range rejected {
				findings = append(findings, validate.Finding{
					Entity:   entity.Name,
					Kind:     validate.KindRejectedRecord,
					Severity: validate.SeverityWarning,
					Detail:   fmt.Sprintf("field %s: %s", r.Field, r.Reason),
				})
			}
			for _, r := range result.Rejected {
				findings = append(findings, validate.Finding{
					Entity:   entity.Name,
					Kind:     validate.KindRejectedRecord,
					Severity: validate.SeverityWarning,
					Detail:   r.Reason,
				})
			}

			o.setState(entity.Name, StateExtracting)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return findings, counts, err
	}
	return findings, counts, nil
}
