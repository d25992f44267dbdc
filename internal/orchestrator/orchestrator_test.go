package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/ledger"
	"github.com/rowplane/rowplane/internal/record"
	"github.com/rowplane/rowplane/internal/report"
	"github.com/rowplane/rowplane/internal/source"
	"github.com/rowplane/rowplane/internal/target"
	"github.com/rowplane/rowplane/internal/transform"
	"github.com/rowplane/rowplane/internal/validate"
)

// fakeSource serves canned records per entity in fixed-size batches and
// counts how often each entity is opened.
type fakeSource struct {
	mu        sync.Mutex
	data      map[string][]*record.Record
	batchSize int
	openCalls map[string]int
	openErr   map[string]error
	countErrs map[string]int // remaining transient RowCount failures
}

func newFakeSource(batchSize int) *fakeSource {
	return &fakeSource{
		data:      make(map[string][]*record.Record),
		batchSize: batchSize,
		openCalls: make(map[string]int),
		openErr:   make(map[string]error),
		countErrs: make(map[string]int),
	}
}

func (f *fakeSource) Open(ctx context.Context, entity catalog.Entity, resume record.Token) (source.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls[entity.Name]++
	if err := f.openErr[entity.Name]; err != nil {
		return nil, err
	}
	return &fakeCursor{records: f.data[entity.Name], batchSize: f.batchSize}, nil
}

func (f *fakeSource) RowCount(ctx context.Context, entity catalog.Entity) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErrs[entity.Name] > 0 {
		f.countErrs[entity.Name]--
		return 0, source.ErrSourceUnavailable
	}
	return int64(len(f.data[entity.Name])), nil
}

func (f *fakeSource) FetchByKey(ctx context.Context, entity catalog.Entity, key []any) (*record.Record, error) {
	return nil, nil
}

func (f *fakeSource) SampleKeys(ctx context.Context, entity catalog.Entity, n int) ([][]any, error) {
	return nil, nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) opens(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCalls[entity]
}

type fakeCursor struct {
	records   []*record.Record
	batchSize int
	pos       int
}

func (c *fakeCursor) Next(ctx context.Context) (*record.Batch, record.Token, error) {
	if c.pos >= len(c.records) {
		return nil, "", source.ErrEndOfData
	}
	end := min(c.pos+c.batchSize, len(c.records))
	batch := &record.Batch{Records: c.records[c.pos:end]}
	c.pos = end
	token, err := record.EncodeToken([]any{c.pos})
	if err != nil {
		return nil, "", err
	}
	return batch, token, nil
}

// fakeTarget stores rows keyed by primary key and counts upsert calls.
type fakeTarget struct {
	mu          sync.Mutex
	rows        map[string]map[string]*record.Record
	upsertCalls int
	upsertErrs  int // remaining transient Upsert failures
	bulkHeld    int
	bulkCycles  int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{rows: make(map[string]map[string]*record.Record)}
}

func (f *fakeTarget) Upsert(ctx context.Context, entity catalog.Entity, batch *record.Batch) (target.LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErrs > 0 {
		f.upsertErrs--
		return target.LoadResult{}, target.ErrTargetUnavailable
	}

	table := f.rows[entity.Name]
	if table == nil {
		table = make(map[string]*record.Record)
		f.rows[entity.Name] = table
	}
	var result target.LoadResult
	for _, rec := range batch.Records {
		var key []any
		for _, pk := range entity.PrimaryKey {
			key = append(key, rec.Get(pk))
		}
		k := fmt.Sprintf("%v", key)
		if _, exists := table[k]; exists {
			result.Updated++
		} else {
			result.Written++
		}
		table[k] = rec
	}
	return result, nil
}

func (f *fakeTarget) RowCount(ctx context.Context, entity catalog.Entity) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows[entity.Name])), nil
}

func (f *fakeTarget) OrphanCount(ctx context.Context, entity catalog.Entity, ref catalog.Reference) (int64, error) {
	return 0, nil
}

func (f *fakeTarget) FetchByKey(ctx context.Context, entity catalog.Entity, key []any) (*record.Record, error) {
	return nil, nil
}

func (f *fakeTarget) AcquireBulkMode(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkHeld++
	return nil
}

func (f *fakeTarget) ReleaseBulkMode(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkHeld--
	f.bulkCycles++
	return nil
}

func (f *fakeTarget) Close() error { return nil }

func (f *fakeTarget) count(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[entity])
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.New([]catalog.Entity{
		{
			Name:       "states",
			Category:   catalog.CategoryReference,
			PrimaryKey: []string{"id"},
			Fields: []catalog.Field{
				{Name: "id", SourceType: "int", TargetType: "bigint"},
				{Name: "name", SourceType: "nvarchar", TargetType: "text"},
				{Name: "active", SourceType: "bit", TargetType: "boolean"},
			},
		},
		{
			Name:       "schools",
			Category:   catalog.CategoryDimension,
			PrimaryKey: []string{"id"},
			Fields: []catalog.Field{
				{Name: "id", SourceType: "int", TargetType: "bigint"},
				{Name: "state_id", SourceType: "int", TargetType: "bigint"},
			},
			References: []catalog.Reference{
				{Field: "state_id", Entity: "states", RemoteField: "id"},
			},
		},
		{
			Name:       "calendars",
			Category:   catalog.CategoryReference,
			PrimaryKey: []string{"id"},
			Fields: []catalog.Field{
				{Name: "id", SourceType: "int", TargetType: "bigint"},
			},
		},
	})
	require.NoError(t, err)
	return cat
}

func stateRecord(id int64, name string, active any) *record.Record {
	rec := record.NewRecord([]string{"id", "name", "active"})
	rec.Set("id", id)
	rec.Set("name", name)
	rec.Set("active", active)
	return rec
}

func schoolRecord(id, stateID int64) *record.Record {
	rec := record.NewRecord([]string{"id", "state_id"})
	rec.Set("id", id)
	rec.Set("state_id", stateID)
	return rec
}

func seedSource(src *fakeSource) {
	src.data["states"] = []*record.Record{
		stateRecord(1, "WA", int64(1)),
		stateRecord(2, "OR", int64(1)),
		stateRecord(3, "ID", int64(0)),
	}
	src.data["schools"] = []*record.Record{
		schoolRecord(10, 1),
		schoolRecord(11, 2),
	}
}

type harness struct {
	cat        *catalog.Catalog
	src        *fakeSource
	tgt        *fakeTarget
	led        *ledger.Ledger
	ledgerPath string
	opts       Options
}

func newHarness(t *testing.T, runID string) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	led, err := ledger.Open(path, runID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	return &harness{
		cat:        testCatalog(t),
		src:        newFakeSource(2),
		tgt:        newFakeTarget(),
		led:        led,
		ledgerPath: path,
		opts: Options{
			Parallelism:    2,
			Tolerance:      0.01,
			SampleSize:     5,
			RetryAttempts:  2,
			RetryBaseDelay: time.Millisecond,
			StepTimeout:    5 * time.Second,
		},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	reg, err := transform.NewRegistry(h.cat)
	require.NoError(t, err)
	return New(h.cat, h.src, h.tgt, reg, h.led, h.opts, zap.NewNop())
}

func entityReport(t *testing.T, rep *report.RunReport, name string) report.EntityReport {
	t.Helper()

	for _, e := range rep.Entities {
		if e.Entity == name {
			return e
		}
	}
	t.Fatalf("No report entry for %s", name)
	return report.EntityReport{}
}

func TestRun_MigratesAllEntities(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, report.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, "run-1", rep.RunID)
	require.Len(t, rep.Entities, 3)

	states := entityReport(t, rep, "states")
	assert.Equal(t, string(StateCompleted), states.State)
	assert.Equal(t, int64(3), states.SourceRows)
	assert.Equal(t, int64(3), states.TargetRows)
	assert.Equal(t, int64(0), states.Rejected)
	assert.Equal(t, 1, states.Attempts)

	// The empty entity completes without loading anything
	calendars := entityReport(t, rep, "calendars")
	assert.Equal(t, string(StateCompleted), calendars.State)
	assert.Equal(t, int64(0), calendars.SourceRows)

	assert.Equal(t, 3, h.tgt.count("states"))
	assert.Equal(t, 2, h.tgt.count("schools"))

	// Transformed values landed in the target
	row := h.tgt.rows["states"]["[3]"]
	require.NotNil(t, row)
	assert.Equal(t, false, row.Get("active"))

	// Bulk mode was acquired and released symmetrically
	assert.Equal(t, 0, h.tgt.bulkHeld)
	assert.Equal(t, 1, h.tgt.bulkCycles)
}

func TestRun_DependencyFailureSkipsDependents(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)
	h.src.openErr["states"] = source.ErrSchemaMismatch

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	states := entityReport(t, rep, "states")
	assert.Equal(t, string(StateFailed), states.State)
	assert.Contains(t, states.Error, source.ErrSchemaMismatch.Error())

	schools := entityReport(t, rep, "schools")
	assert.Equal(t, string(StateSkipped), schools.State)
	assert.Contains(t, schools.Error, "states")

	calendars := entityReport(t, rep, "calendars")
	assert.Equal(t, string(StateCompleted), calendars.State)

	assert.Equal(t, report.OutcomePartial, rep.Outcome)

	// Nothing was loaded for the skipped entity
	assert.Equal(t, 0, h.tgt.count("schools"))

	// The skip is a ledger fact, not just a report line
	steps, err := h.led.History(context.Background())
	require.NoError(t, err)
	var skipOutcome ledger.Outcome
	for _, s := range steps {
		if s.Entity == "schools" {
			skipOutcome = s.Outcome
		}
	}
	assert.Equal(t, ledger.OutcomeSkipped, skipOutcome)
}

func TestRun_ResumeSkipsCompletedEntities(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)

	first, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, report.OutcomeSuccess, first.Outcome)

	// Same run id, fresh process: fresh stores that would notice any call
	resumedLedger, err := ledger.Open(h.ledgerPath, "run-1")
	require.NoError(t, err)
	defer func() { _ = resumedLedger.Close() }()
	h.led = resumedLedger
	h.src = newFakeSource(2)
	h.tgt = newFakeTarget()

	second, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSuccess, second.Outcome)

	// No extraction and no loading happened on resume
	for _, entity := range []string{"states", "schools", "calendars"} {
		assert.Equal(t, 0, h.src.opens(entity), "entity %s was re-extracted", entity)
	}
	assert.Equal(t, 0, h.tgt.upsertCalls)

	// The resumed report reproduces the recorded counts
	states := entityReport(t, second, "states")
	assert.Equal(t, string(StateCompleted), states.State)
	assert.Equal(t, int64(3), states.SourceRows)
	assert.Equal(t, int64(3), states.TargetRows)
}

func TestRun_FreshRunIDReloadsIdempotently(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)

	first, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, report.OutcomeSuccess, first.Outcome)

	// A new run id re-migrates everything; the upsert load converges on the
	// same target state instead of duplicating rows.
	secondLedger, err := ledger.Open(h.ledgerPath, "run-2")
	require.NoError(t, err)
	defer func() { _ = secondLedger.Close() }()
	h.led = secondLedger

	second, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSuccess, second.Outcome)

	assert.Equal(t, 3, h.tgt.count("states"))
	assert.Equal(t, 2, h.tgt.count("schools"))

	states := entityReport(t, second, "states")
	assert.Equal(t, entityReport(t, first, "states").SourceRows, states.SourceRows)
	assert.Equal(t, entityReport(t, first, "states").TargetRows, states.TargetRows)
}

func TestRun_QuarantinedRecordsReported(t *testing.T) {
	h := newHarness(t, "run-1")
	h.opts.Tolerance = 0.5
	seedSource(h.src)
	h.src.data["states"] = append(h.src.data["states"], stateRecord(4, "MT", "maybe"))

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	states := entityReport(t, rep, "states")
	assert.Equal(t, string(StateCompleted), states.State)
	assert.Equal(t, int64(4), states.SourceRows)
	assert.Equal(t, int64(3), states.TargetRows)
	assert.Equal(t, int64(1), states.Rejected)

	var rejections []validate.Finding
	for _, f := range states.Findings {
		if f.Kind == validate.KindRejectedRecord {
			rejections = append(rejections, f)
		}
	}
	require.Len(t, rejections, 1)
	assert.Equal(t, validate.SeverityWarning, rejections[0].Severity)
	assert.Contains(t, rejections[0].Detail, "active")

	assert.Equal(t, 3, h.tgt.count("states"))
}

func TestRun_TransientFailuresAreRetried(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)
	h.src.countErrs["states"] = 1
	h.tgt.upsertErrs = 1

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, 3, h.tgt.count("states"))
}

func TestRun_RetriesExhaustedFailsEntity(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)
	h.src.countErrs["calendars"] = 100

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	calendars := entityReport(t, rep, "calendars")
	assert.Equal(t, string(StateFailed), calendars.State)
	assert.Contains(t, calendars.Error, "after 2 attempts")

	// Only the two budgeted attempts were made
	h.src.mu.Lock()
	remaining := h.src.countErrs["calendars"]
	h.src.mu.Unlock()
	assert.Equal(t, 98, remaining)

	assert.Equal(t, report.OutcomePartial, rep.Outcome)

	// A later run under the same id retries only the failed entity
	h.src.countErrs["calendars"] = 0
	resumedLedger, err := ledger.Open(h.ledgerPath, "run-1")
	require.NoError(t, err)
	defer func() { _ = resumedLedger.Close() }()
	h.led = resumedLedger

	second, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSuccess, second.Outcome)
	assert.Equal(t, 2, entityReport(t, second, "calendars").Attempts)
	assert.Equal(t, 1, entityReport(t, second, "states").Attempts)
}

func TestRun_CancellationNeverRecordsSuccess(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := h.orchestrator(t).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeFailed, rep.Outcome)
	for _, e := range rep.Entities {
		assert.NotEqual(t, string(StateCompleted), e.State)
	}
	assert.Equal(t, 0, h.tgt.upsertCalls)

	// No entity holds a succeeded ledger step, so a later run under the same
	// id migrates everything
	for _, entity := range []string{"states", "schools", "calendars"} {
		step, err := h.led.LastSuccessfulStep(context.Background(), entity)
		require.NoError(t, err)
		assert.Nil(t, step)
	}

	second, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSuccess, second.Outcome)
	assert.Equal(t, 3, h.tgt.count("states"))
}

func TestRun_ValidationErrorFailsEntity(t *testing.T) {
	h := newHarness(t, "run-1")
	seedSource(h.src)
	h.opts.Tolerance = 0.0001
	// Pre-seed a stray target row so counts disagree beyond tolerance
	h.tgt.rows["calendars"] = map[string]*record.Record{
		"[99]": record.NewRecord([]string{"id"}),
	}

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	calendars := entityReport(t, rep, "calendars")
	assert.Equal(t, string(StateFailed), calendars.State)
	require.NotEmpty(t, calendars.Findings)
	assert.True(t, validate.HasErrors(calendars.Findings))

	// The ledger records the validation failure as a failed step
	step, err := h.led.LastSuccessfulStep(context.Background(), "calendars")
	require.NoError(t, err)
	assert.Nil(t, step)
}
