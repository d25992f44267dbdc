// Package target writes transformed batches into the target system with
// upsert semantics, making load idempotent: re-running a batch after a crash
// converges to the same end state instead of duplicating rows.
package target

import (
	"context"
	"errors"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
)

// ErrTargetUnavailable indicates a transient connectivity failure. Retryable.
var ErrTargetUnavailable = errors.New("target unavailable")

// ErrConstraintViolation marks a single record that failed an integrity
// pre-check. Fatal for that record only; the batch continues.
var ErrConstraintViolation = errors.New("constraint violation")

// Rejection records one record excluded from a load
type Rejection struct {
	Entity string
	Key    []any
	Reason string
}

// LoadResult summarizes one upsert call
type LoadResult struct {
	Written  int64
	Updated  int64
	Rejected []Rejection
}

// Store is the target system adapter
type Store interface {
	// Upsert writes a batch keyed by the entity's primary key: existing
	// rows are updated, new ones inserted. For fact-category entities each
	// record's non-null foreign keys are pre-checked against the referenced
	// table; failures reject the record, not the batch. Self-references are
	// exempt from the pre-check since the parent row may arrive later in the
	// same entity; post-load orphan validation covers them.
	Upsert(ctx context.Context, entity catalog.Entity, batch *record.Batch) (LoadResult, error)

	// RowCount reports the target row count for one entity
	RowCount(ctx context.Context, entity catalog.Entity) (int64, error)

	// OrphanCount counts target rows whose foreign key has no matching row
	// in the referenced entity
	OrphanCount(ctx context.Context, entity catalog.Entity, ref catalog.Reference) (int64, error)

	// FetchByKey retrieves a single target record by primary key values.
	// Returns nil when absent.
	FetchByKey(ctx context.Context, entity catalog.Entity, key []any) (*record.Record, error)

	// AcquireBulkMode applies scoped bulk-load tuning for the duration of a
	// run; ReleaseBulkMode restores normal operation. The two are always
	// called symmetrically around a run.
	AcquireBulkMode(ctx context.Context) error
	ReleaseBulkMode(ctx context.Context) error

	Close() error
}
