// Package store persists sessions and their records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRecordNotFound  = errors.New("record not found")
)

// Session holds metadata about a session.
type Session struct {
	ID          core.SessionID    `json:"id"`
	ProjectID   string            `json:"project_id,omitempty"`
	Title       string            `json:"title,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	RecordCount int               `json:"record_count"`
}

// SearchOptions narrows a similarity search. An empty Kinds matches every kind.
type SearchOptions struct {
	TopK     int
	MinScore float64
	Kinds    []record.Kind
}

// Repository stores sessions and their chronologically ordered records. AddRecord and
// DeleteRecordsAfter are each atomic; nothing spans both.
type Repository interface {
	CreateSession(ctx context.Context, projectID, title string, metadata map[string]string) (Session, error)
	GetSession(ctx context.Context, sessionID core.SessionID) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)

	// GetRecords returns the session's records oldest first.
	GetRecords(ctx context.Context, sessionID core.SessionID) ([]record.Record, error)
	// AddRecord assigns ID, SessionID, and a Timestamp strictly after the session's last record.
	AddRecord(ctx context.Context, sessionID core.SessionID, rec record.Record) (record.Record, error)
	// DeleteRecordsAfter removes every record with a timestamp strictly after the given time.
	DeleteRecordsAfter(ctx context.Context, sessionID core.SessionID, after time.Time) (int, error)
	SetPinned(ctx context.Context, sessionID core.SessionID, recordID string, pinned bool) error
	// Search ranks records by cosine similarity to vector. An empty sessionID searches all sessions.
	Search(ctx context.Context, sessionID core.SessionID, vector []float64, opts SearchOptions) ([]record.Record, error)

	Close() error
}

func newRecordID() string {
	return "rec_" + uuid.NewString()
}

// nextTimestamp returns now, or one nanosecond after last when the clock has not advanced.
func nextTimestamp(last time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}
