package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// SQLite stores sessions and records in a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path in WAL mode and creates the schema if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	store := &SQLite{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return store, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL DEFAULT '',
            title TEXT NOT NULL DEFAULT '',
            metadata TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS records (
            id TEXT PRIMARY KEY,
            session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
            ts INTEGER NOT NULL,
            kind TEXT NOT NULL,
            payload TEXT NOT NULL,
            token_count INTEGER NOT NULL DEFAULT 0,
            embedding TEXT,
            pinned INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_records_session_ts ON records(session_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) CreateSession(ctx context.Context, projectID, title string, metadata map[string]string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        core.NewSessionID(),
		ProjectID: projectID,
		Title:     title,
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(sess.ID), projectID, title, string(meta), now.UnixNano(), now.UnixNano())
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	return sess, nil
}

const sqliteSessionColumns = `s.id, s.project_id, s.title, COALESCE(s.metadata, ''), s.created_at, s.updated_at,
    (SELECT COUNT(*) FROM records r WHERE r.session_id = s.id)`

func (s *SQLite) GetSession(ctx context.Context, sessionID core.SessionID) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions s WHERE s.id = ?`, string(sessionID))

	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, err
}

func (s *SQLite) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteSessionColumns+` FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) GetRecords(ctx context.Context, sessionID core.SessionID) ([]record.Record, error) {
	if err := s.requireSession(ctx, s.db, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, ts, kind, payload, token_count, embedding, pinned FROM records WHERE session_id = ? ORDER BY ts ASC`,
		string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	return scanSQLiteRecords(rows)
}

func (s *SQLite) AddRecord(ctx context.Context, sessionID core.SessionID, rec record.Record) (record.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.requireSession(ctx, tx, sessionID); err != nil {
		return record.Record{}, err
	}

	var lastNanos sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ts) FROM records WHERE session_id = ?`, string(sessionID)).Scan(&lastNanos); err != nil {
		return record.Record{}, fmt.Errorf("read last timestamp: %w", err)
	}

	var last time.Time
	if lastNanos.Valid {
		last = time.Unix(0, lastNanos.Int64).UTC()
	}

	rec.ID = newRecordID()
	rec.SessionID = sessionID
	rec.Timestamp = nextTimestamp(last)

	row, err := toRow(rec)
	if err != nil {
		return record.Record{}, err
	}

	var embedding any
	if row.Embedding != nil {
		embedding = string(row.Embedding)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, session_id, ts, kind, payload, token_count, embedding, pinned) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.SessionID, row.TimeNanos, row.Kind, string(row.Payload), row.TokenCount, embedding, row.Pinned); err != nil {
		return record.Record{}, fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, row.TimeNanos, row.SessionID); err != nil {
		return record.Record{}, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return record.Record{}, fmt.Errorf("commit: %w", err)
	}

	return rec, nil
}

func (s *SQLite) DeleteRecordsAfter(ctx context.Context, sessionID core.SessionID, after time.Time) (int, error) {
	if err := s.requireSession(ctx, s.db, sessionID); err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE session_id = ? AND ts > ?`, string(sessionID), after.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *SQLite) SetPinned(ctx context.Context, sessionID core.SessionID, recordID string, pinned bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE records SET pinned = ? WHERE session_id = ? AND id = ?`, pinned, string(sessionID), recordID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		if err := s.requireSession(ctx, s.db, sessionID); err != nil {
			return err
		}
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, sessionID core.SessionID, vector []float64, opts SearchOptions) ([]record.Record, error) {
	query := `SELECT id, session_id, ts, kind, payload, token_count, embedding, pinned FROM records WHERE embedding IS NOT NULL`
	var args []any

	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, string(sessionID))
	}
	if len(opts.Kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(`, ?`, len(opts.Kinds)-1) + `)`
		for _, kind := range kindStrings(opts.Kinds) {
			args = append(args, kind)
		}
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	candidates, err := scanSQLiteRecords(rows)
	if err != nil {
		return nil, err
	}
	return rank(candidates, vector, opts), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) requireSession(ctx context.Context, q queryer, sessionID core.SessionID) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, string(sessionID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (Session, error) {
	var sess Session
	var id, meta string
	var createdNanos, updatedNanos int64

	if err := row.Scan(&id, &sess.ProjectID, &sess.Title, &meta, &createdNanos, &updatedNanos, &sess.RecordCount); err != nil {
		return Session{}, err
	}

	sess.ID = core.SessionID(id)
	sess.CreatedAt = time.Unix(0, createdNanos).UTC()
	sess.UpdatedAt = time.Unix(0, updatedNanos).UTC()
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return Session{}, fmt.Errorf("session %s metadata: %w", id, err)
		}
	}
	return sess, nil
}

func scanSQLiteRecords(rows *sql.Rows) ([]record.Record, error) {
	var out []record.Record
	for rows.Next() {
		var row recordRow
		var payload string
		var embedding sql.NullString

		if err := rows.Scan(&row.ID, &row.SessionID, &row.TimeNanos, &row.Kind, &payload, &row.TokenCount, &embedding, &row.Pinned); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		row.Payload = []byte(payload)
		if embedding.Valid {
			row.Embedding = []byte(embedding.String)
		}

		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Repository = (*SQLite)(nil)
