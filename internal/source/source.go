// Package source reads record batches out of the source system as a
// restartable paged sequence. The concrete store speaks database/sql so the
// same code covers PostgreSQL, SQLite, and libsql connections.
package source

import (
	"context"
	"errors"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
)

// ErrEndOfData signals that a cursor has been fully consumed
var ErrEndOfData = errors.New("end of data")

// ErrSourceUnavailable indicates a transient connectivity failure. Retryable.
var ErrSourceUnavailable = errors.New("source unavailable")

// ErrSchemaMismatch indicates the entity's declared fields are absent from
// the source. Fatal for the entity.
var ErrSchemaMismatch = errors.New("source schema mismatch")

// Cursor is a restartable paged read over one entity. Given a previously
// returned resume token, extraction resumes at exactly the next unread
// record: no duplicates, no gaps.
type Cursor interface {
	// Next returns the next batch and the token to resume after it.
	// Returns ErrEndOfData when the entity is exhausted.
	Next(ctx context.Context) (*record.Batch, record.Token, error)
}

// Store is the source system adapter
type Store interface {
	// Open starts (or resumes) extraction for one entity
	Open(ctx context.Context, entity catalog.Entity, resume record.Token) (Cursor, error)

	// RowCount reports the entity's total row count for validation
	RowCount(ctx context.Context, entity catalog.Entity) (int64, error)

	// FetchByKey retrieves a single record by primary key values, for
	// sample-record comparison. Returns nil when absent.
	FetchByKey(ctx context.Context, entity catalog.Entity, key []any) (*record.Record, error)

	// SampleKeys returns up to n random primary keys, for sample-record
	// comparison. Sampling happens on the source side so key values can be
	// mapped forward through the type conversions.
	SampleKeys(ctx context.Context, entity catalog.Entity, n int) ([][]any, error)

	Close() error
}
