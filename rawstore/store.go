// Package rawstore persists payloads exactly as collectors receive them.
//
// Every record is addressed by (collection, key). Collectors write through Upsert,
// which is idempotent and never touches the enrichment watermark; the consuming
// enricher alone advances the watermark with MarkEnriched.
package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/lake/errors"
)

// Record is one raw payload
type Record struct {
	Collection  string
	Key         string
	Scope       string // PrimaryKeys.Identity() of the collecting invocation
	Data        json.RawMessage
	Updated     time.Time  // source-side update time
	Enriched    *time.Time // watermark, nil until first enrichment
	CollectedAt time.Time
}

// Pending reports whether the record needs (re-)enrichment
func (r Record) Pending() bool {
	return r.Enriched == nil || r.Updated.After(*r.Enriched)
}

// Query selects raw records
type Query struct {
	Collection string
	Scope      string // empty matches every scope
	Pending    bool   // only never-enriched or updated-since-enrichment records
	Limit      int    // 0 = unlimited
}

// DBTX is satisfied by *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store handles persistence of raw records
type Store struct {
	db  *sql.DB
	q   DBTX
	now func() time.Time
}

// NewStore creates a raw record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db, now: time.Now}
}

// WithTx returns a store whose statements run inside tx
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: s.db, q: tx, now: s.now}
}

// WithClock returns a store stamping collected_at from now
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, q: s.q, now: now}
}

// DB returns the underlying database
func (s *Store) DB() *sql.DB {
	return s.db
}

const upsertQuery = `
	INSERT INTO raw_records (collection, key, scope, data, updated_at, collected_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, key) DO UPDATE SET
		scope = excluded.scope,
		data = excluded.data,
		updated_at = excluded.updated_at,
		collected_at = excluded.collected_at
`

// Upsert inserts or replaces the record stored under (collection, key).
// Upserting the same key twice leaves one record holding the latest payload.
// The enrichment watermark is preserved.
func (s *Store) Upsert(ctx context.Context, collection, key string, rec Record) error {
	rec.Collection = collection
	rec.Key = key
	return s.upsert(ctx, s.q, rec)
}

// UpsertBatch upserts records into collection atomically
func (s *Store) UpsertBatch(ctx context.Context, collection string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(q DBTX) error {
		for _, rec := range recs {
			rec.Collection = collection
			if err := s.upsert(ctx, q, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) upsert(ctx context.Context, q DBTX, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	collected := rec.CollectedAt
	if collected.IsZero() {
		collected = s.now()
	}

	_, err := q.ExecContext(ctx, upsertQuery,
		rec.Collection,
		rec.Key,
		rec.Scope,
		string(rec.Data),
		toMillis(rec.Updated),
		toMillis(collected),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert %s/%s", rec.Collection, rec.Key)
	}
	return nil
}

// Get retrieves one record
func (s *Store) Get(ctx context.Context, collection, key string) (*Record, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM raw_records WHERE collection = ? AND key = ?`,
		collection, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("raw record not found: %s/%s", collection, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get raw record")
	}
	return rec, nil
}

// Exists reports whether any record is stored for collection and scope
func (s *Store) Exists(ctx context.Context, collection, scope string) (bool, error) {
	where, args := Query{Collection: collection, Scope: scope}.where()
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM raw_records WHERE `+where+`)`, args...).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check raw records")
	}
	return exists, nil
}

// Count returns the number of records matching q
func (s *Store) Count(ctx context.Context, q Query) (int, error) {
	where, args := q.where()
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_records WHERE `+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count raw records")
	}
	return n, nil
}

// List returns the records matching q ordered by update time, then key
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	if q.Collection == "" {
		return nil, errors.NewInvalidRequestError("collection is required")
	}
	where, args := q.where()
	query := `SELECT ` + selectColumns + ` FROM raw_records WHERE ` + where + ` ORDER BY updated_at, key`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list raw records")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan raw record")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating raw records")
	}
	return recs, nil
}

// MarkEnriched advances the enrichment watermark of one record
func (s *Store) MarkEnriched(ctx context.Context, collection, key string, watermark time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE raw_records SET enriched_at = ? WHERE collection = ? AND key = ?`,
		toMillis(watermark), collection, key)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s/%s enriched", collection, key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("raw record not found: %s/%s", collection, key)
	}
	return nil
}

// ResetWatermark clears the enrichment watermark of collection in scope, or of
// the whole collection when scope is nil, making every record pending again.
func (s *Store) ResetWatermark(ctx context.Context, collection string, scope *string) (int64, error) {
	query := `UPDATE raw_records SET enriched_at = NULL WHERE collection = ? AND enriched_at IS NOT NULL`
	args := []any{collection}
	if scope != nil {
		query += ` AND scope = ?`
		args = append(args, *scope)
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to reset %s watermarks", collection)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

// DeleteScope removes the records of collection in scope, or all of them when
// scope is nil. Returns the number of deleted records.
func (s *Store) DeleteScope(ctx context.Context, collection string, scope *string) (int64, error) {
	query := `DELETE FROM raw_records WHERE collection = ?`
	args := []any{collection}
	if scope != nil {
		query += ` AND scope = ?`
		args = append(args, *scope)
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete %s records", collection)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

// Latest returns the newest update time stored for collection and scope,
// or the zero time when nothing is stored.
func (s *Store) Latest(ctx context.Context, collection, scope string) (time.Time, error) {
	where, args := Query{Collection: collection, Scope: scope}.where()
	var ms sql.NullInt64
	if err := s.q.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM raw_records WHERE `+where, args...).Scan(&ms); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to read latest update")
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return fromMillis(ms.Int64), nil
}

// CollectionStats counts the records of one collection
type CollectionStats struct {
	Collection string
	Total      int
	Pending    int
}

// Stats counts records and pending records per collection, ordered by name
func (s *Store) Stats(ctx context.Context) ([]CollectionStats, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT collection, COUNT(*),
			SUM(CASE WHEN enriched_at IS NULL OR updated_at > enriched_at THEN 1 ELSE 0 END)
		FROM raw_records
		GROUP BY collection
		ORDER BY collection`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query collection stats")
	}
	defer rows.Close()

	var stats []CollectionStats
	for rows.Next() {
		var cs CollectionStats
		if err := rows.Scan(&cs.Collection, &cs.Total, &cs.Pending); err != nil {
			return nil, errors.Wrap(err, "failed to scan collection stats")
		}
		stats = append(stats, cs)
	}
	return stats, errors.Wrap(rows.Err(), "error iterating collection stats")
}

// inTx runs fn in a fresh transaction, or directly when the store is already tx-bound
func (s *Store) inTx(ctx context.Context, fn func(q DBTX) error) error {
	if _, bound := s.q.(*sql.Tx); bound {
		return fn(s.q)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.CombineErrors(err, rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (q Query) where() (string, []any) {
	clauses := []string{"collection = ?"}
	args := []any{q.Collection}
	if q.Scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, q.Scope)
	}
	if q.Pending {
		clauses = append(clauses, "(enriched_at IS NULL OR updated_at > enriched_at)")
	}
	return strings.Join(clauses, " AND "), args
}

func validate(rec Record) error {
	if rec.Collection == "" || rec.Key == "" {
		return errors.NewInvalidRequestError("raw record requires collection and key (got %q/%q)", rec.Collection, rec.Key)
	}
	if !json.Valid(rec.Data) {
		return errors.NewInvalidRequestError("raw record %s/%s: data is not valid JSON", rec.Collection, rec.Key)
	}
	return nil
}
