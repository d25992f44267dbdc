package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
	"github.com/rowplane/rowplane/internal/sqlutil"
)

// SQLStore extracts entities from any database/sql connection. Pagination is
// keyset-based on the entity's primary key so a resume token stays valid
// across process restarts.
type SQLStore struct {
	db        *sql.DB
	driver    string
	batchSize int
}

// OpenSQL connects to the source database, detecting the driver from the
// connection string
func OpenSQL(connString string, batchSize int) (*SQLStore, error) {
	driverType := DetectDriver(connString)
	driverName, err := SQLDriverName(driverType)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", connString, err)
	}

	db, err := sql.Open(driverName, NormalizeDSN(connString, driverType))
	if err != nil {
		return nil, fmt.Errorf("failed to open source connection: %w", err)
	}

	return &SQLStore{db: db, driver: driverType, batchSize: batchSize}, nil
}

// NewSQLStore wraps an existing connection (used by tests)
func NewSQLStore(db *sql.DB, driver string, batchSize int) *SQLStore {
	return &SQLStore{db: db, driver: driver, batchSize: batchSize}
}

// Open verifies the entity's declared fields exist in the source, then
// returns a cursor positioned after the resume token.
func (s *SQLStore) Open(ctx context.Context, entity catalog.Entity, resume record.Token) (Cursor, error) {
	if err := s.checkSchema(ctx, entity); err != nil {
		return nil, err
	}

	lastKey, err := record.DecodeToken(resume)
	if err != nil {
		return nil, err
	}
	if lastKey != nil && len(lastKey) != len(entity.PrimaryKey) {
		return nil, fmt.Errorf("resume token for %q has %d key values, want %d",
			entity.Name, len(lastKey), len(entity.PrimaryKey))
	}

	return &sqlCursor{store: s, entity: entity, lastKey: lastKey}, nil
}

// RowCount reports the source row count for one entity
func (s *SQLStore) RowCount(ctx context.Context, entity catalog.Entity) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", sqlutil.QuoteIdent(entity.Name))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting %s: %v", ErrSourceUnavailable, entity.Name, err)
	}
	return count, nil
}

// FetchByKey retrieves one record by primary key values
func (s *SQLStore) FetchByKey(ctx context.Context, entity catalog.Entity, key []any) (*record.Record, error) {
	var conds []string
	for i, pk := range entity.PrimaryKey {
		conds = append(conds, fmt.Sprintf("%s = %s", sqlutil.QuoteIdent(pk), sqlutil.Placeholder(s.driver, i+1)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		sqlutil.QuoteIdents(entity.FieldNames()),
		sqlutil.QuoteIdent(entity.Name),
		strings.Join(conds, " AND "))

	rows, err := s.db.QueryContext(ctx, query, key...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s by key: %v", ErrSourceUnavailable, entity.Name, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows, entity.FieldNames())
	if err != nil {
		return nil, err
	}
	return rec, rows.Err()
}

// SampleKeys returns up to n random primary keys from the source table
func (s *SQLStore) SampleKeys(ctx context.Context, entity catalog.Entity, n int) ([][]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY RANDOM() LIMIT %d",
		sqlutil.QuoteIdents(entity.PrimaryKey),
		sqlutil.QuoteIdent(entity.Name), n)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: sampling %s: %v", ErrSourceUnavailable, entity.Name, err)
	}
	defer func() { _ = rows.Close() }()

	var keys [][]any
	for rows.Next() {
		values := make([]any, len(entity.PrimaryKey))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan sampled key: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		keys = append(keys, values)
	}
	return keys, rows.Err()
}

// Close closes the source connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// checkSchema compares the entity's declared fields against the source
// table's columns
func (s *SQLStore) checkSchema(ctx context.Context, entity catalog.Entity) error {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT 0", sqlutil.QuoteIdent(entity.Name))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: probing %s: %v", ErrSourceUnavailable, entity.Name, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: reading columns of %s: %v", ErrSourceUnavailable, entity.Name, err)
	}

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	var missing []string
	for _, f := range entity.FieldNames() {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: entity %q is missing source columns: %s",
			ErrSchemaMismatch, entity.Name, strings.Join(missing, ", "))
	}
	return nil
}

type sqlCursor struct {
	store   *SQLStore
	entity  catalog.Entity
	lastKey []any
	done    bool
}

// Next reads the next batch ordered by primary key
func (c *sqlCursor) Next(ctx context.Context) (*record.Batch, record.Token, error) {
	if c.done {
		return nil, "", ErrEndOfData
	}

	fields := c.entity.FieldNames()
	var sb strings.Builder
	var args []any

	sb.WriteString(fmt.Sprintf("SELECT %s FROM %s",
		sqlutil.QuoteIdents(fields), sqlutil.QuoteIdent(c.entity.Name)))
	if c.lastKey != nil {
		pred, predArgs := sqlutil.KeysetPredicate(c.store.driver, c.entity.PrimaryKey, c.lastKey, 1)
		sb.WriteString(" WHERE " + pred)
		args = append(args, predArgs...)
	}
	sb.WriteString(" ORDER BY " + sqlutil.QuoteIdents(c.entity.PrimaryKey))
	sb.WriteString(fmt.Sprintf(" LIMIT %d", c.store.batchSize))

	rows, err := c.store.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: extracting %s: %v", ErrSourceUnavailable, c.entity.Name, err)
	}
	defer func() { _ = rows.Close() }()

	batch := &record.Batch{}
	for rows.Next() {
		rec, err := scanRecord(rows, fields)
		if err != nil {
			return nil, "", err
		}
		batch.Records = append(batch.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: extracting %s: %v", ErrSourceUnavailable, c.entity.Name, err)
	}

	if batch.Len() == 0 {
		c.done = true
		return nil, "", ErrEndOfData
	}

	last := batch.Records[batch.Len()-1]
	c.lastKey = make([]any, len(c.entity.PrimaryKey))
	for i, pk := range c.entity.PrimaryKey {
		c.lastKey[i] = last.Get(pk)
	}
	token, err := record.EncodeToken(c.lastKey)
	if err != nil {
		return nil, "", err
	}

	if batch.Len() < c.store.batchSize {
		c.done = true
	}
	return batch, token, nil
}

// scanRecord reads the current row into a record, normalizing []byte values
// to strings so converters and comparisons see stable types
func scanRecord(rows *sql.Rows, fields []string) (*record.Record, error) {
	values := make([]any, len(fields))
	ptrs := make([]any, len(fields))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}

	rec := record.NewRecord(fields)
	for i, f := range fields {
		if b, ok := values[i].([]byte); ok {
			rec.Set(f, string(b))
		} else {
			rec.Set(f, values[i])
		}
	}
	return rec, nil
}

var _ Store = (*SQLStore)(nil)
