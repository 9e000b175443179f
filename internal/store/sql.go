package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// recordRow is the column layout shared by the SQLite and Postgres repositories. Timestamps are
// stored as Unix nanoseconds so ordering survives databases with coarser time types.
type recordRow struct {
	ID         string
	SessionID  string
	TimeNanos  int64
	Kind       string
	Payload    []byte
	TokenCount int
	Embedding  []byte
	Pinned     bool
}

func toRow(rec record.Record) (recordRow, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return recordRow{}, fmt.Errorf("marshal %s payload: %w", rec.Kind(), err)
	}

	var embedding []byte
	if len(rec.Embedding) > 0 {
		embedding, err = json.Marshal(rec.Embedding)
		if err != nil {
			return recordRow{}, fmt.Errorf("marshal embedding: %w", err)
		}
	}

	return recordRow{
		ID:         rec.ID,
		SessionID:  string(rec.SessionID),
		TimeNanos:  rec.Timestamp.UnixNano(),
		Kind:       string(rec.Kind()),
		Payload:    payload,
		TokenCount: rec.TokenCount,
		Embedding:  embedding,
		Pinned:     rec.Pinned,
	}, nil
}

func (row recordRow) toRecord() (record.Record, error) {
	payload, err := record.DecodePayload(record.Kind(row.Kind), row.Payload)
	if err != nil {
		return record.Record{}, fmt.Errorf("record %s: %w", row.ID, err)
	}

	var embedding []float64
	if len(row.Embedding) > 0 {
		if err := json.Unmarshal(row.Embedding, &embedding); err != nil {
			return record.Record{}, fmt.Errorf("record %s embedding: %w", row.ID, err)
		}
	}

	return record.Record{
		ID:         row.ID,
		SessionID:  core.SessionID(row.SessionID),
		Timestamp:  time.Unix(0, row.TimeNanos).UTC(),
		TokenCount: row.TokenCount,
		Embedding:  embedding,
		Pinned:     row.Pinned,
		Payload:    payload,
	}, nil
}

func kindStrings(kinds []record.Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, string(kind))
	}
	return out
}
