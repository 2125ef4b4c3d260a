package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"offsync/store"
)

// Store implements store.Store using SQLite
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store and initializes the database schema
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// writers the way the engine's single-flight discipline expects.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, wrapDriverErr(err)
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			fetched_at TEXT NOT NULL,
			source_tier TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_type, entity_id)
		);

		CREATE TABLE IF NOT EXISTS mutations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
		CREATE INDEX IF NOT EXISTS idx_mutations_timestamp ON mutations(timestamp);
	`

	// WAL keeps readers from blocking the flush cycle's writes
	if _, err := s.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	_, err := s.db.Exec(schema)
	return err
}

// wrapDriverErr maps low-level driver failures onto store.ErrStorageUnavailable
// so callers can degrade to network-only behavior.
func wrapDriverErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "disk") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "closed") {
		return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
	}
	return err
}

// GetEntity returns a cached entity snapshot, or store.ErrNotFound
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT entity_type, entity_id, payload, fetched_at, source_tier FROM entities WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID,
	)

	rec, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	return rec, nil
}

// GetEntities returns all cached snapshots of one entity type
func (s *Store) GetEntities(ctx context.Context, entityType string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_type, entity_id, payload, fetched_at, source_tier FROM entities WHERE entity_type = ? ORDER BY entity_id",
		entityType,
	)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	defer func() { _ = rows.Close() }()

	var recs []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapDriverErr(err)
		}
		recs = append(recs, *rec)
	}

	if recs == nil {
		recs = []store.Record{}
	}
	return recs, wrapDriverErr(rows.Err())
}

// PutEntity inserts or replaces a cached snapshot (single-record last-write-wins)
func (s *Store) PutEntity(ctx context.Context, rec *store.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entities (entity_type, entity_id, payload, fetched_at, source_tier)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.EntityType, rec.EntityID, string(rec.Payload), rec.FetchedAt.UTC().Format(time.RFC3339Nano), rec.SourceTier,
	)
	return wrapDriverErr(err)
}

// BulkPutEntities replaces several snapshots in one transaction
func (s *Store) BulkPutEntities(ctx context.Context, recs []store.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDriverErr(err)
	}

	for i := range recs {
		rec := &recs[i]
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entities (entity_type, entity_id, payload, fetched_at, source_tier)
			 VALUES (?, ?, ?, ?, ?)`,
			rec.EntityType, rec.EntityID, string(rec.Payload), rec.FetchedAt.UTC().Format(time.RFC3339Nano), rec.SourceTier,
		)
		if err != nil {
			_ = tx.Rollback()
			return wrapDriverErr(err)
		}
	}

	return wrapDriverErr(tx.Commit())
}

// DeleteEntity removes one cached snapshot
func (s *Store) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entities WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID,
	)
	return wrapDriverErr(err)
}

// DeleteEntities removes all cached snapshots of one entity type
func (s *Store) DeleteEntities(ctx context.Context, entityType string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE entity_type = ?", entityType)
	return wrapDriverErr(err)
}

// ClearAll removes every cached entity and every queued mutation
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entities"); err != nil {
		return wrapDriverErr(err)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM mutations")
	return wrapDriverErr(err)
}

// PutMutation inserts or replaces a queued mutation by ID
func (s *Store) PutMutation(ctx context.Context, m *store.Mutation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO mutations (id, kind, entity_type, entity_id, endpoint, method, body, status, retry_count, timestamp, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.Kind), m.EntityType, m.EntityID, m.Endpoint, m.Method, string(m.Body),
		string(m.Status), m.RetryCount, m.Timestamp.UTC().Format(time.RFC3339Nano), m.LastError,
	)
	return wrapDriverErr(err)
}

// UpdateMutation rewrites an existing mutation row; store.ErrNotFound if the
// row no longer exists
func (s *Store) UpdateMutation(ctx context.Context, m *store.Mutation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutations SET kind = ?, entity_type = ?, entity_id = ?, endpoint = ?, method = ?, body = ?, status = ?, retry_count = ?, timestamp = ?, last_error = ?
		 WHERE id = ?`,
		string(m.Kind), m.EntityType, m.EntityID, m.Endpoint, m.Method, string(m.Body),
		string(m.Status), m.RetryCount, m.Timestamp.UTC().Format(time.RFC3339Nano), m.LastError,
		m.ID,
	)
	if err != nil {
		return wrapDriverErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDriverErr(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetMutation returns a queued mutation by ID, or store.ErrNotFound
func (s *Store) GetMutation(ctx context.Context, id string) (*store.Mutation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, entity_type, entity_id, endpoint, method, body, status, retry_count, timestamp, last_error
		 FROM mutations WHERE id = ?`,
		id,
	)

	m, err := scanMutationRow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	return m, nil
}

// DeleteMutation removes a mutation from the queue unconditionally
func (s *Store) DeleteMutation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id)
	return wrapDriverErr(err)
}

// MutationsByStatus returns mutations with the given status, oldest first
func (s *Store) MutationsByStatus(ctx context.Context, status store.MutationStatus) ([]store.Mutation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, entity_type, entity_id, endpoint, method, body, status, retry_count, timestamp, last_error
		 FROM mutations WHERE status = ? ORDER BY timestamp ASC`,
		string(status),
	)
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	defer func() { _ = rows.Close() }()

	var muts []store.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, wrapDriverErr(err)
		}
		muts = append(muts, *m)
	}

	if muts == nil {
		muts = []store.Mutation{}
	}
	return muts, wrapDriverErr(rows.Err())
}

// CountMutationsByStatus returns queue counts grouped by status
func (s *Store) CountMutationsByStatus(ctx context.Context) (map[store.MutationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM mutations GROUP BY status")
	if err != nil {
		return nil, wrapDriverErr(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[store.MutationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapDriverErr(err)
		}
		counts[store.MutationStatus(status)] = n
	}
	return counts, wrapDriverErr(rows.Err())
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Rows and *sql.Row
type scanner interface {
	Scan(dest ...any) error
}

// scanRecordFrom scans an entity record from any scanner (Rows or Row)
func scanRecordFrom(sc scanner) (*store.Record, error) {
	var rec store.Record
	var payload, fetchedAtStr string

	err := sc.Scan(&rec.EntityType, &rec.EntityID, &payload, &fetchedAtStr, &rec.SourceTier)
	if err != nil {
		return nil, err
	}

	rec.Payload = []byte(payload)
	rec.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetchedAtStr)
	return &rec, nil
}

func scanRecord(rows *sql.Rows) (*store.Record, error) {
	return scanRecordFrom(rows)
}

func scanRecordRow(row *sql.Row) (*store.Record, error) {
	return scanRecordFrom(row)
}

// scanMutationFrom scans a mutation from any scanner (Rows or Row)
func scanMutationFrom(sc scanner) (*store.Mutation, error) {
	var m store.Mutation
	var kind, body, status, timestampStr string

	err := sc.Scan(
		&m.ID, &kind, &m.EntityType, &m.EntityID, &m.Endpoint, &m.Method,
		&body, &status, &m.RetryCount, &timestampStr, &m.LastError,
	)
	if err != nil {
		return nil, err
	}

	m.Kind = store.MutationKind(kind)
	m.Body = []byte(body)
	m.Status = store.MutationStatus(status)
	m.Timestamp, _ = time.Parse(time.RFC3339Nano, timestampStr)
	return &m, nil
}

func scanMutation(rows *sql.Rows) (*store.Mutation, error) {
	return scanMutationFrom(rows)
}

func scanMutationRow(row *sql.Row) (*store.Mutation, error) {
	return scanMutationFrom(row)
}

// Verify interface compliance at compile time
var _ store.Store = (*Store)(nil)
