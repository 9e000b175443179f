package grpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
	"github.com/erg0nix/konverse/internal/store"
)

type ProcessTurnRequest struct {
	SessionID core.SessionID `json:"session_id"`
	Text      string         `json:"text"`
}

// TurnEvent is the wire form of one turn.Event.
type TurnEvent struct {
	Type      string                 `json:"type"`
	TurnID    core.TurnID            `json:"turn_id,omitempty"`
	SessionID core.SessionID         `json:"session_id,omitempty"`
	Delta     string                 `json:"delta,omitempty"`
	Record    *RecordView            `json:"record,omitempty"`
	ToolUse   *core.ToolUse          `json:"tool_use,omitempty"`
	Usage     *core.Usage            `json:"usage,omitempty"`
	Snapshot  *conversation.Snapshot `json:"snapshot,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type RecordView struct {
	ID         string      `json:"id"`
	Kind       record.Kind `json:"kind"`
	Text       string      `json:"text"`
	TokenCount int         `json:"token_count"`
	Pinned     bool        `json:"pinned,omitempty"`
	Timestamp  string      `json:"timestamp"`
	Name       string      `json:"name,omitempty"`
	ToolUseID  string      `json:"tool_use_id,omitempty"`
}

type SessionView struct {
	ID          core.SessionID    `json:"id"`
	ProjectID   string            `json:"project_id,omitempty"`
	Title       string            `json:"title,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	RecordCount int               `json:"record_count"`
}

type TruncateRequest struct {
	SessionID core.SessionID `json:"session_id"`
	Index     int            `json:"index"`
}

type TruncateResponse struct {
	Removed int `json:"removed"`
}

type CreateSessionRequest struct {
	ProjectID string            `json:"project_id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type GetSessionRequest struct {
	SessionID core.SessionID `json:"session_id"`
}

type GetSessionResponse struct {
	Session SessionView  `json:"session"`
	Records []RecordView `json:"records,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions,omitempty"`
}

type SetPinnedRequest struct {
	SessionID core.SessionID `json:"session_id"`
	RecordID  string         `json:"record_id"`
	Pinned    bool           `json:"pinned"`
}

type StatusResponse struct {
	Bind            string `json:"bind"`
	Endpoint        string `json:"endpoint"`
	Model           string `json:"model"`
	StoreBackend    string `json:"store_backend"`
	DataDir         string `json:"data_dir"`
	ProviderHealthy bool   `json:"provider_healthy"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	StartedAt       string `json:"started_at"`
	ActiveSessions  int    `json:"active_sessions"`
}

type ShutdownResponse struct {
	Message string `json:"message"`
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	return structpb.NewStruct(fields)
}

func decode(msg *structpb.Struct, v any) error {
	if msg == nil {
		return nil
	}

	data, err := json.Marshal(msg.AsMap())
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func recordView(rec record.Record) RecordView {
	view := RecordView{
		ID:         rec.ID,
		Kind:       rec.Kind(),
		Text:       rec.Text(),
		TokenCount: rec.TokenCount,
		Pinned:     rec.Pinned,
		Timestamp:  rec.Timestamp.Format(time.RFC3339Nano),
	}

	switch p := rec.Payload.(type) {
	case record.ToolInvocationRequest:
		view.Name = p.Name
		view.ToolUseID = p.ToolUseID
	case record.ToolInvocationResult:
		view.ToolUseID = p.ToolUseID
	case record.UserInput, record.AgentResponse, record.SystemInstruction, record.KnowledgeReference:
	}

	return view
}

func sessionView(sess store.Session) SessionView {
	return SessionView{
		ID:          sess.ID,
		ProjectID:   sess.ProjectID,
		Title:       sess.Title,
		Metadata:    sess.Metadata,
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   sess.UpdatedAt.Format(time.RFC3339),
		RecordCount: sess.RecordCount,
	}
}
