package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// Postgres stores sessions and records in PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings, and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	store := &Postgres{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS konverse_sessions (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL DEFAULT '',
            metadata JSONB,
            created_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS konverse_records (
            id TEXT PRIMARY KEY,
            session_id TEXT NOT NULL REFERENCES konverse_sessions(id) ON DELETE CASCADE,
            ts_nanos BIGINT NOT NULL,
            kind TEXT NOT NULL,
            payload JSONB NOT NULL,
            token_count INTEGER NOT NULL DEFAULT 0,
            embedding JSONB,
            pinned BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE INDEX IF NOT EXISTS idx_konverse_records_session_ts ON konverse_records(session_id, ts_nanos)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) CreateSession(ctx context.Context, projectID, title string, metadata map[string]string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        core.NewSessionID(),
		ProjectID: projectID,
		Title:     title,
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	meta, _ := json.Marshal(sess.Metadata)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO konverse_sessions (id, project_id, title, metadata, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		string(sess.ID), projectID, title, meta, now)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

const pgSessionColumns = `s.id, s.project_id, s.title, COALESCE(s.metadata, 'null'::jsonb), s.created_at, s.updated_at,
    (SELECT COUNT(*) FROM konverse_records r WHERE r.session_id = s.id)`

func (s *Postgres) GetSession(ctx context.Context, sessionID core.SessionID) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM konverse_sessions s WHERE s.id = $1`, string(sessionID))

	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

func (s *Postgres) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgSessionColumns+` FROM konverse_sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Postgres) GetRecords(ctx context.Context, sessionID core.SessionID) ([]record.Record, error) {
	if err := s.requireSession(ctx, s.pool, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, ts_nanos, kind, payload, token_count, embedding, pinned
         FROM konverse_records WHERE session_id = $1 ORDER BY ts_nanos ASC`,
		string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanPgRecords(rows)
}

// AddRecord locks the session row so concurrent appends to one session get distinct timestamps.
func (s *Postgres) AddRecord(ctx context.Context, sessionID core.SessionID, rec record.Record) (record.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return record.Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM konverse_sessions WHERE id = $1 FOR UPDATE`, string(sessionID)).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("lock session: %w", err)
	}

	var lastNanos *int64
	if err := tx.QueryRow(ctx, `SELECT MAX(ts_nanos) FROM konverse_records WHERE session_id = $1`, string(sessionID)).Scan(&lastNanos); err != nil {
		return record.Record{}, fmt.Errorf("read last timestamp: %w", err)
	}

	var last time.Time
	if lastNanos != nil {
		last = time.Unix(0, *lastNanos).UTC()
	}

	rec.ID = newRecordID()
	rec.SessionID = sessionID
	rec.Timestamp = nextTimestamp(last)

	row, err := toRow(rec)
	if err != nil {
		return record.Record{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO konverse_records (id, session_id, ts_nanos, kind, payload, token_count, embedding, pinned)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.SessionID, row.TimeNanos, row.Kind, row.Payload, row.TokenCount, row.Embedding, row.Pinned); err != nil {
		return record.Record{}, fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE konverse_sessions SET updated_at = $1 WHERE id = $2`, rec.Timestamp, row.SessionID); err != nil {
		return record.Record{}, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return record.Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *Postgres) DeleteRecordsAfter(ctx context.Context, sessionID core.SessionID, after time.Time) (int, error) {
	if err := s.requireSession(ctx, s.pool, sessionID); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM konverse_records WHERE session_id = $1 AND ts_nanos > $2`, string(sessionID), after.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) SetPinned(ctx context.Context, sessionID core.SessionID, recordID string, pinned bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE konverse_records SET pinned = $1 WHERE session_id = $2 AND id = $3`, pinned, string(sessionID), recordID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireSession(ctx, s.pool, sessionID); err != nil {
			return err
		}
		return ErrRecordNotFound
	}
	return nil
}

func (s *Postgres) Search(ctx context.Context, sessionID core.SessionID, vector []float64, opts SearchOptions) ([]record.Record, error) {
	query := `SELECT id, session_id, ts_nanos, kind, payload, token_count, embedding, pinned
         FROM konverse_records
         WHERE embedding IS NOT NULL
           AND ($1 = '' OR session_id = $1)
           AND (cardinality($2::text[]) = 0 OR kind = ANY($2))
         ORDER BY ts_nanos ASC`

	kinds := kindStrings(opts.Kinds)
	rows, err := s.pool.Query(ctx, query, string(sessionID), kinds)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	candidates, err := scanPgRecords(rows)
	if err != nil {
		return nil, err
	}
	return rank(candidates, vector, opts), nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Postgres) requireSession(ctx context.Context, q pgQueryer, sessionID core.SessionID) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM konverse_sessions WHERE id = $1`, string(sessionID)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return err
}

func scanPgSession(row pgx.Row) (Session, error) {
	var sess Session
	var id string
	var meta []byte
	var count int64

	if err := row.Scan(&id, &sess.ProjectID, &sess.Title, &meta, &sess.CreatedAt, &sess.UpdatedAt, &count); err != nil {
		return Session{}, err
	}

	sess.ID = core.SessionID(id)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	sess.RecordCount = int(count)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return Session{}, fmt.Errorf("session %s metadata: %w", id, err)
		}
	}
	return sess, nil
}

func scanPgRecords(rows pgx.Rows) ([]record.Record, error) {
	var out []record.Record
	for rows.Next() {
		var row recordRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.TimeNanos, &row.Kind, &row.Payload, &row.TokenCount, &row.Embedding, &row.Pinned); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Repository = (*Postgres)(nil)
