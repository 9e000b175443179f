package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

type memorySession struct {
	info    Session
	records []record.Record
}

// Memory keeps everything in process memory. It is used for tests and the "memory" backend.
type Memory struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*memorySession
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[core.SessionID]*memorySession)}
}

func (m *Memory) CreateSession(_ context.Context, projectID, title string, metadata map[string]string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	info := Session{
		ID:        core.NewSessionID(),
		ProjectID: projectID,
		Title:     title,
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[info.ID] = &memorySession{info: info}

	return info, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID core.SessionID) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

func (m *Memory) ListSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.snapshot())
	}
	sortSessions(out)
	return out, nil
}

func (m *Memory) GetRecords(_ context.Context, sessionID core.SessionID) ([]record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return slices.Clone(sess.records), nil
}

func (m *Memory) AddRecord(_ context.Context, sessionID core.SessionID, rec record.Record) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return record.Record{}, ErrSessionNotFound
	}

	var last time.Time
	if n := len(sess.records); n > 0 {
		last = sess.records[n-1].Timestamp
	}

	rec.ID = newRecordID()
	rec.SessionID = sessionID
	rec.Timestamp = nextTimestamp(last)
	rec.Embedding = slices.Clone(rec.Embedding)

	sess.records = append(sess.records, rec)
	sess.info.UpdatedAt = rec.Timestamp

	return rec, nil
}

func (m *Memory) DeleteRecordsAfter(_ context.Context, sessionID core.SessionID, after time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}

	kept := sess.records[:0:0]
	for _, rec := range sess.records {
		if !rec.Timestamp.After(after) {
			kept = append(kept, rec)
		}
	}

	removed := len(sess.records) - len(kept)
	sess.records = kept
	if removed > 0 {
		sess.info.UpdatedAt = time.Now().UTC()
	}

	return removed, nil
}

func (m *Memory) SetPinned(_ context.Context, sessionID core.SessionID, recordID string, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	for i := range sess.records {
		if sess.records[i].ID == recordID {
			sess.records[i].Pinned = pinned
			return nil
		}
	}
	return ErrRecordNotFound
}

func (m *Memory) Search(_ context.Context, sessionID core.SessionID, vector []float64, opts SearchOptions) ([]record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []record.Record
	if sessionID != "" {
		sess, ok := m.sessions[sessionID]
		if !ok {
			return nil, ErrSessionNotFound
		}
		candidates = sess.records
	} else {
		for _, sess := range m.sessions {
			candidates = append(candidates, sess.records...)
		}
	}

	return rank(candidates, vector, opts), nil
}

func (m *Memory) Close() error { return nil }

func (s *memorySession) snapshot() Session {
	info := s.info
	info.Metadata = maps.Clone(s.info.Metadata)
	info.RecordCount = len(s.records)
	return info
}

func sortSessions(sessions []Session) {
	slices.SortFunc(sessions, func(a, b Session) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

var _ Repository = (*Memory)(nil)
