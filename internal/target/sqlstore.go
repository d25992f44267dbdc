package target

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rowplane/rowplane/catalog"
	"github.com/rowplane/rowplane/internal/record"
	"github.com/rowplane/rowplane/internal/source"
	"github.com/rowplane/rowplane/internal/sqlutil"
)

// Statement sizing ceilings. PostgreSQL's wire protocol caps one statement
// at 65535 bind parameters and SQLite limits expression tree depth to about
// a thousand terms, so batches are split into statement-sized chunks no
// matter how large the configured batch size is.
const (
	maxStatementRows = 500
	maxBindParams    = 60000
)

// statementChunkRows returns how many records fit in one SQL statement for
// an entity with the given field count
func statementChunkRows(fieldCount int) int {
	rows := maxStatementRows
	if fieldCount > 0 {
		if byParams := maxBindParams / fieldCount; byParams < rows {
			rows = byParams
		}
	}
	if rows < 1 {
		rows = 1
	}
	return rows
}

// SQLStore loads entities into any database/sql connection using
// INSERT ... ON CONFLICT upserts; both supported engines accept the
// EXCLUDED pseudo-table.
type SQLStore struct {
	db      *sql.DB
	driver  string
	session *sessionConnector
}

// OpenSQL connects to the target database, detecting the driver from the
// connection string. Connections are routed through a session connector so
// run-scoped tuning reaches every pooled connection.
func OpenSQL(connString string) (*SQLStore, error) {
	driverType := source.DetectDriver(connString)
	driverName, err := source.SQLDriverName(driverType)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", connString, err)
	}
	dsn := source.NormalizeDSN(connString, driverType)

	base, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open target connection: %w", err)
	}
	drv := base.Driver()
	_ = base.Close()

	session := &sessionConnector{dsn: dsn, driver: drv}
	return &SQLStore{db: sql.OpenDB(session), driver: driverType, session: session}, nil
}

// NewSQLStore wraps an existing connection (used by tests)
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// sessionConnector opens target connections and replays the current session
// statements on each new one. database/sql pools connections, so a plain
// Exec of a SET or PRAGMA would land on a single pooled connection while
// parallel loads run on untouched ones; applying the statements at connect
// time keeps every connection consistent.
type sessionConnector struct {
	dsn    string
	driver driver.Driver

	mu    sync.RWMutex
	stmts []string
}

func (c *sessionConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.driver.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	stmts := c.stmts
	c.mu.RUnlock()
	for _, stmt := range stmts {
		if err := execOnConn(ctx, conn, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("session statement %q failed: %w", stmt, err)
		}
	}
	return conn, nil
}

func (c *sessionConnector) Driver() driver.Driver { return c.driver }

func (c *sessionConnector) setSession(stmts []string) {
	c.mu.Lock()
	c.stmts = stmts
	c.mu.Unlock()
}

func execOnConn(ctx context.Context, conn driver.Conn, stmt string) error {
	if ec, ok := conn.(driver.ExecerContext); ok {
		_, err := ec.ExecContext(ctx, stmt, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}
	st, err := conn.Prepare(stmt)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	_, err = st.Exec(nil)
	return err
}

// Upsert writes one batch. Fact-entity records whose foreign keys do not
// resolve are rejected individually before the write; the surviving records
// are written in statement-sized chunks.
func (s *SQLStore) Upsert(ctx context.Context, entity catalog.Entity, batch *record.Batch) (LoadResult, error) {
	var result LoadResult
	if batch.Len() == 0 {
		return result, nil
	}

	records := batch.Records
	if entity.Category == catalog.CategoryFact {
		var rejected []Rejection
		var err error
		records, rejected, err = s.filterUnresolvedReferences(ctx, entity, records)
		if err != nil {
			return result, err
		}
		result.Rejected = rejected
	}

	chunkRows := statementChunkRows(len(entity.Fields))
	for start := 0; start < len(records); start += chunkRows {
		chunk := records[start:min(start+chunkRows, len(records))]

		existing, err := s.existingKeyCount(ctx, entity, chunk)
		if err != nil {
			return result, err
		}
		if err := s.execUpsert(ctx, entity, chunk); err != nil {
			return result, err
		}
		result.Updated += existing
		result.Written += int64(len(chunk)) - existing
	}
	return result, nil
}

// filterUnresolvedReferences drops records whose non-null foreign keys have
// no matching row in the referenced target table. Self-references are not
// pre-checked: a parent row may sit in a later chunk of the same entity, so
// those are left to post-load orphan validation instead.
func (s *SQLStore) filterUnresolvedReferences(ctx context.Context, entity catalog.Entity, records []*record.Record) ([]*record.Record, []Rejection, error) {
	ok := make([]bool, len(records))
	for i := range ok {
		ok[i] = true
	}
	var rejected []Rejection

	for _, ref := range entity.References {
		if ref.Entity == entity.Name {
			continue
		}

		// Collect distinct non-null foreign key values still in play
		distinct := make(map[any]bool)
		for i, rec := range records {
			if !ok[i] {
				continue
			}
			if v := rec.Get(ref.Field); v != nil {
				distinct[v] = true
			}
		}
		if len(distinct) == 0 {
			continue
		}

		values := make([]any, 0, len(distinct))
		for v := range distinct {
			values = append(values, v)
		}
		resolved, err := s.resolvedKeys(ctx, ref, values)
		if err != nil {
			return nil, nil, err
		}

		for i, rec := range records {
			if !ok[i] {
				continue
			}
			v := rec.Get(ref.Field)
			if v == nil || resolved[fmt.Sprintf("%v", v)] {
				continue
			}
			ok[i] = false
			rejected = append(rejected, Rejection{
				Entity: entity.Name,
				Key:    keyOf(rec, entity.PrimaryKey),
				Reason: fmt.Sprintf("%v: %s=%v has no row in %s", ErrConstraintViolation, ref.Field, v, ref.Entity),
			})
		}
	}

	kept := make([]*record.Record, 0, len(records))
	for i, rec := range records {
		if ok[i] {
			kept = append(kept, rec)
		}
	}
	return kept, rejected, nil
}

// resolvedKeys returns which of the given foreign key values exist in the
// referenced table, keyed by their string form. Lookups are chunked so the
// IN list stays inside statement limits.
func (s *SQLStore) resolvedKeys(ctx context.Context, ref catalog.Reference, values []any) (map[string]bool, error) {
	resolved := make(map[string]bool, len(values))

	for start := 0; start < len(values); start += maxStatementRows {
		chunk := values[start:min(start+maxStatementRows, len(values))]

		placeholders := make([]string, len(chunk))
		for i := range chunk {
			placeholders[i] = sqlutil.Placeholder(s.driver, i+1)
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			sqlutil.QuoteIdent(ref.RemoteField),
			sqlutil.QuoteIdent(ref.Entity),
			sqlutil.QuoteIdent(ref.RemoteField),
			strings.Join(placeholders, ", "))

		rows, err := s.db.QueryContext(ctx, query, chunk...)
		if err != nil {
			return nil, fmt.Errorf("%w: checking references into %s: %v", ErrTargetUnavailable, ref.Entity, err)
		}
		for rows.Next() {
			var v any
			if err := rows.Scan(&v); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan reference key: %w", err)
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			resolved[fmt.Sprintf("%v", v)] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return resolved, nil
}

// existingKeyCount counts how many of the chunk's primary keys already exist
// in the target, so the load result can distinguish inserts from updates.
// Single-column keys use an IN list; composite keys fall back to an OR of
// per-record equality, which the chunk size keeps within expression limits.
func (s *SQLStore) existingKeyCount(ctx context.Context, entity catalog.Entity, records []*record.Record) (int64, error) {
	var predicate string
	var args []any

	if len(entity.PrimaryKey) == 1 {
		pk := entity.PrimaryKey[0]
		placeholders := make([]string, len(records))
		for i, rec := range records {
			placeholders[i] = sqlutil.Placeholder(s.driver, i+1)
			args = append(args, rec.Get(pk))
		}
		predicate = fmt.Sprintf("%s IN (%s)", sqlutil.QuoteIdent(pk), strings.Join(placeholders, ", "))
	} else {
		var conds []string
		pos := 1
		for _, rec := range records {
			var parts []string
			for _, pk := range entity.PrimaryKey {
				parts = append(parts, fmt.Sprintf("%s = %s", sqlutil.QuoteIdent(pk), sqlutil.Placeholder(s.driver, pos)))
				args = append(args, rec.Get(pk))
				pos++
			}
			conds = append(conds, "("+strings.Join(parts, " AND ")+")")
		}
		predicate = strings.Join(conds, " OR ")
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		sqlutil.QuoteIdent(entity.Name), predicate)
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: checking existing keys in %s: %v", ErrTargetUnavailable, entity.Name, err)
	}
	return count, nil
}

// execUpsert issues one multi-row INSERT ... ON CONFLICT DO UPDATE for a
// statement-sized chunk
func (s *SQLStore) execUpsert(ctx context.Context, entity catalog.Entity, records []*record.Record) error {
	fields := entity.FieldNames()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		sqlutil.QuoteIdent(entity.Name), sqlutil.QuoteIdents(fields)))

	var args []any
	pos := 1
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		placeholders := make([]string, len(fields))
		for j, f := range fields {
			placeholders[j] = sqlutil.Placeholder(s.driver, pos)
			args = append(args, rec.Get(f))
			pos++
		}
		sb.WriteString("(" + strings.Join(placeholders, ", ") + ")")
	}

	sb.WriteString(fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", sqlutil.QuoteIdents(entity.PrimaryKey)))
	pk := make(map[string]bool, len(entity.PrimaryKey))
	for _, k := range entity.PrimaryKey {
		pk[k] = true
	}
	var sets []string
	for _, f := range fields {
		if pk[f] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", sqlutil.QuoteIdent(f), sqlutil.QuoteIdent(f)))
	}
	if len(sets) == 0 {
		// Key-only table: nothing to update on conflict
		sb.WriteString(sqlutil.QuoteIdent(entity.PrimaryKey[0]) + " = EXCLUDED." + sqlutil.QuoteIdent(entity.PrimaryKey[0]))
	} else {
		sb.WriteString(strings.Join(sets, ", "))
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("%w: upserting into %s: %v", ErrTargetUnavailable, entity.Name, err)
	}
	return nil
}

// RowCount reports the target row count for one entity
func (s *SQLStore) RowCount(ctx context.Context, entity catalog.Entity) (int64, error) {
	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", sqlutil.QuoteIdent(entity.Name))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting %s: %v", ErrTargetUnavailable, entity.Name, err)
	}
	return count, nil
}

// OrphanCount counts rows of the entity whose foreign key value has no
// corresponding row in the referenced entity
func (s *SQLStore) OrphanCount(ctx context.Context, entity catalog.Entity, ref catalog.Reference) (int64, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s c LEFT JOIN %s p ON c.%s = p.%s WHERE c.%s IS NOT NULL AND p.%s IS NULL",
		sqlutil.QuoteIdent(entity.Name),
		sqlutil.QuoteIdent(ref.Entity),
		sqlutil.QuoteIdent(ref.Field),
		sqlutil.QuoteIdent(ref.RemoteField),
		sqlutil.QuoteIdent(ref.Field),
		sqlutil.QuoteIdent(ref.RemoteField))

	var count int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting orphans in %s: %v", ErrTargetUnavailable, entity.Name, err)
	}
	return count, nil
}

// FetchByKey retrieves one target record by primary key values
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
		return nil, fmt.Errorf("%w: fetching %s by key: %v", ErrTargetUnavailable, entity.Name, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}

	fields := entity.FieldNames()
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
	return rec, rows.Err()
}

// AcquireBulkMode applies bulk-load tuning for the run. Session settings are
// connection-scoped, so the statements are installed on the connector and
// replayed on every connection the pool opens; idle connections from before
// the acquire are discarded. Best effort, a failed statement is not fatal to
// the migration.
func (s *SQLStore) AcquireBulkMode(ctx context.Context) error {
	stmts := bulkModeStatements(s.driver)
	if s.session != nil {
		s.session.setSession(stmts)
		s.recycleIdleConns()
		return nil
	}

	// Direct-connection store (tests): apply on the wrapped handle
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bulk mode statement %q failed: %w", stmt, err)
		}
	}
	return nil
}

// ReleaseBulkMode restores normal operation and refreshes planner statistics.
// Tuned connections are discarded rather than individually reset; fresh
// connections come up with default settings.
func (s *SQLStore) ReleaseBulkMode(ctx context.Context) error {
	if s.session != nil {
		s.session.setSession(nil)
		s.recycleIdleConns()
	} else {
		for _, stmt := range restoreStatements(s.driver) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("restore statement %q failed: %w", stmt, err)
			}
		}
	}

	if _, err := s.db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to refresh statistics: %w", err)
	}
	return nil
}

func bulkModeStatements(driverType string) []string {
	switch driverType {
	case "postgres":
		return []string{
			"SET synchronous_commit = off",
			"SET work_mem = '256MB'",
			"SET maintenance_work_mem = '512MB'",
		}
	case "sqlite", "libsql":
		return []string{
			"PRAGMA synchronous = OFF",
			"PRAGMA journal_mode = WAL",
		}
	}
	return nil
}

func restoreStatements(driverType string) []string {
	switch driverType {
	case "postgres":
		return []string{
			"SET synchronous_commit = on",
			"RESET work_mem",
			"RESET maintenance_work_mem",
		}
	case "sqlite", "libsql":
		return []string{
			"PRAGMA synchronous = FULL",
		}
	}
	return nil
}

// recycleIdleConns closes pooled connections so the next queries run on
// connections opened under the current session statements
func (s *SQLStore) recycleIdleConns() {
	s.db.SetMaxIdleConns(0)
	s.db.SetMaxIdleConns(2)
}

// Close closes the target connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func keyOf(rec *record.Record, pk []string) []any {
	key := make([]any, len(pk))
	for i, k := range pk {
		key[i] = rec.Get(k)
	}
	return key
}

var _ Store = (*SQLStore)(nil)
