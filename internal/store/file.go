package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// File stores each session as <base>/sessions/<id>.jsonl with one record per line and a
// <id>.meta.json sidecar for session metadata.
type File struct {
	BaseDir string
	mu      sync.Mutex
}

func NewFile(baseDir string) *File {
	return &File{BaseDir: baseDir}
}

type fileMeta struct {
	ProjectID string            `json:"project_id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (f *File) sessionDir() string {
	return filepath.Join(f.BaseDir, "sessions")
}

func (f *File) sessionPath(id core.SessionID) string {
	return filepath.Join(f.sessionDir(), string(id)+".jsonl")
}

func (f *File) metaPath(id core.SessionID) string {
	return filepath.Join(f.sessionDir(), string(id)+".meta.json")
}

// CreateSession creates the session's record file and metadata sidecar.
func (f *File) CreateSession(_ context.Context, projectID, title string, metadata map[string]string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessionID := core.NewSessionID()

	if err := os.MkdirAll(f.sessionDir(), 0o755); err != nil {
		return Session{}, fmt.Errorf("create sessions directory: %w", err)
	}

	file, err := os.OpenFile(f.sessionPath(sessionID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Session{}, fmt.Errorf("create session file: %w", err)
	}
	file.Close()

	meta := fileMeta{ProjectID: projectID, Title: title, Metadata: maps.Clone(metadata), CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session metadata: %w", err)
	}
	if err := os.WriteFile(f.metaPath(sessionID), data, 0o644); err != nil {
		return Session{}, fmt.Errorf("write session metadata: %w", err)
	}

	return Session{
		ID:        sessionID,
		ProjectID: projectID,
		Title:     title,
		Metadata:  meta.Metadata,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.CreatedAt,
	}, nil
}

func (f *File) GetSession(_ context.Context, sessionID core.SessionID) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.session(sessionID)
}

// ListSessions returns all sessions sorted by most recently modified first.
func (f *File) ListSessions(_ context.Context) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.sessionDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var result []Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}

		info, err := f.session(core.SessionID(strings.TrimSuffix(entry.Name(), ".jsonl")))
		if err != nil {
			continue
		}
		result = append(result, info)
	}

	sortSessions(result)
	return result, nil
}

func (f *File) GetRecords(_ context.Context, sessionID core.SessionID) ([]record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.load(sessionID)
}

func (f *File) AddRecord(_ context.Context, sessionID core.SessionID, rec record.Record) (record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load(sessionID)
	if err != nil {
		return record.Record{}, err
	}

	var last time.Time
	if n := len(records); n > 0 {
		last = records[n-1].Timestamp
	}

	rec.ID = newRecordID()
	rec.SessionID = sessionID
	rec.Timestamp = nextTimestamp(last)

	line, err := json.Marshal(rec)
	if err != nil {
		return record.Record{}, fmt.Errorf("marshal record: %w", err)
	}

	file, err := os.OpenFile(f.sessionPath(sessionID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return record.Record{}, fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return record.Record{}, fmt.Errorf("append record: %w", err)
	}

	return rec, nil
}

// DeleteRecordsAfter rewrites the session file through a temp file and rename.
func (f *File) DeleteRecordsAfter(_ context.Context, sessionID core.SessionID, after time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load(sessionID)
	if err != nil {
		return 0, err
	}

	kept := make([]record.Record, 0, len(records))
	for _, rec := range records {
		if !rec.Timestamp.After(after) {
			kept = append(kept, rec)
		}
	}

	removed := len(records) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := f.rewrite(sessionID, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (f *File) SetPinned(_ context.Context, sessionID core.SessionID, recordID string, pinned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load(sessionID)
	if err != nil {
		return err
	}

	for i := range records {
		if records[i].ID == recordID {
			records[i].Pinned = pinned
			return f.rewrite(sessionID, records)
		}
	}
	return ErrRecordNotFound
}

func (f *File) Search(ctx context.Context, sessionID core.SessionID, vector []float64, opts SearchOptions) ([]record.Record, error) {
	if sessionID != "" {
		records, err := f.GetRecords(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return rank(records, vector, opts), nil
	}

	sessions, err := f.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []record.Record
	for _, sess := range sessions {
		records, err := f.GetRecords(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, records...)
	}
	return rank(candidates, vector, opts), nil
}

func (f *File) Close() error { return nil }

func (f *File) session(sessionID core.SessionID) (Session, error) {
	stat, err := os.Stat(f.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return Session{}, fmt.Errorf("stat session: %w", err)
	}

	var meta fileMeta
	data, err := os.ReadFile(f.metaPath(sessionID))
	if err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			slog.Warn("failed to parse session metadata", "session_id", sessionID, "error", err)
		}
	}

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = parseSessionTimestamp(sessionID)
	}

	return Session{
		ID:          sessionID,
		ProjectID:   meta.ProjectID,
		Title:       meta.Title,
		Metadata:    meta.Metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   stat.ModTime().UTC(),
		RecordCount: countLines(f.sessionPath(sessionID)),
	}, nil
}

// load reads every record of a session. Lines that fail to decode are skipped and logged.
func (f *File) load(sessionID core.SessionID) ([]record.Record, error) {
	file, err := os.Open(f.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	var records []record.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("skipping unreadable record", "session_id", sessionID, "error", err)
			continue
		}
		records = append(records, rec)
	}

	return records, scanner.Err()
}

func (f *File) rewrite(sessionID core.SessionID, records []record.Record) error {
	path := f.sessionPath(sessionID)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	encoder := json.NewEncoder(writer)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("encode record: %w", err)
		}
	}

	if err := errors.Join(writer.Flush(), tmp.Close()); err != nil {
		return fmt.Errorf("write temp session file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "\n")
}

func parseSessionTimestamp(id core.SessionID) time.Time {
	s, ok := strings.CutPrefix(string(id), "sess_")
	if !ok {
		return time.Time{}
	}

	stamp, _, _ := strings.Cut(s, "_")
	t, err := time.Parse("20060102T150405.000000000", stamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Repository = (*File)(nil)
