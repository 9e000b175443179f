package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/erg0nix/konverse/internal/core"
)

type ContextLogEntry struct {
	Timestamp time.Time      `json:"ts"`
	TurnID    core.TurnID    `json:"turn_id"`
	SessionID core.SessionID `json:"session_id"`
	Snapshot  Snapshot       `json:"snapshot"`
}

// ContextLog appends one snapshot line per assembled turn under <baseDir>/runs/<turn>/context.jsonl.
type ContextLog struct {
	baseDir string
	mu      sync.Mutex
}

func NewContextLog(baseDir string) *ContextLog {
	return &ContextLog{baseDir: baseDir}
}

func (l *ContextLog) Write(turnID core.TurnID, sessionID core.SessionID, snapshot Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.baseDir, "runs", string(turnID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, "context.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewEncoder(file).Encode(ContextLogEntry{
		Timestamp: time.Now().UTC(),
		TurnID:    turnID,
		SessionID: sessionID,
		Snapshot:  snapshot,
	})
}
