// Package record defines the immutable units of session history.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erg0nix/konverse/internal/core"
)

type Kind string

const (
	KindUserInput          Kind = "user_input"
	KindAgentResponse      Kind = "agent_response"
	KindSystemInstruction  Kind = "system_instruction"
	KindKnowledgeReference Kind = "knowledge_reference"
	KindToolRequest        Kind = "tool_request"
	KindToolResult         Kind = "tool_result"
)

// Kinds lists every record kind in declaration order.
var Kinds = []Kind{
	KindUserInput,
	KindAgentResponse,
	KindSystemInstruction,
	KindKnowledgeReference,
	KindToolRequest,
	KindToolResult,
}

// Payload is the kind-specific body of a Record. The set of implementations is closed.
type Payload interface {
	Kind() Kind
	isPayload()
}

// StatusComplete marks a response persisted after its stream finished.
const StatusComplete = "complete"

type UserInput struct {
	Text string `json:"text"`
}

type AgentResponse struct {
	Text       string      `json:"text"`
	ProviderID string      `json:"provider_id,omitempty"`
	ModelID    string      `json:"model_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	Usage      *core.Usage `json:"usage,omitempty"`
}

type SystemInstruction struct {
	Text string `json:"text"`
}

type KnowledgeReference struct {
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

// ToolInvocationRequest is a tool call the model asked for.
type ToolInvocationRequest struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolInvocationResult answers exactly one earlier ToolInvocationRequest with the same ToolUseID.
type ToolInvocationResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (UserInput) Kind() Kind             { return KindUserInput }
func (AgentResponse) Kind() Kind         { return KindAgentResponse }
func (SystemInstruction) Kind() Kind     { return KindSystemInstruction }
func (KnowledgeReference) Kind() Kind    { return KindKnowledgeReference }
func (ToolInvocationRequest) Kind() Kind { return KindToolRequest }
func (ToolInvocationResult) Kind() Kind  { return KindToolResult }

func (UserInput) isPayload()             {}
func (AgentResponse) isPayload()         {}
func (SystemInstruction) isPayload()     {}
func (KnowledgeReference) isPayload()    {}
func (ToolInvocationRequest) isPayload() {}
func (ToolInvocationResult) isPayload()  {}

// Record is one persisted unit of a session's history. Records are immutable after creation
// except for Pinned.
type Record struct {
	ID         string
	SessionID  core.SessionID
	Timestamp  time.Time
	TokenCount int
	Embedding  []float64
	Pinned     bool
	Payload    Payload
}

// Kind returns the payload kind, or "" for a record without payload.
func (r Record) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Text returns the searchable text of a record. Tool records return their raw JSON.
func (r Record) Text() string {
	switch p := r.Payload.(type) {
	case UserInput:
		return p.Text
	case AgentResponse:
		return p.Text
	case SystemInstruction:
		return p.Text
	case KnowledgeReference:
		return p.Text
	case ToolInvocationRequest:
		return string(p.Input)
	case ToolInvocationResult:
		return string(p.Output)
	default:
		return ""
	}
}

type wireRecord struct {
	ID         string          `json:"id"`
	SessionID  core.SessionID  `json:"session_id"`
	Timestamp  time.Time       `json:"timestamp"`
	TokenCount int             `json:"token_count"`
	Embedding  []float64       `json:"embedding,omitempty"`
	Pinned     bool            `json:"pinned,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

var errNoPayload = errors.New("record has no payload")

func (r Record) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, errNoPayload
	}

	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", r.Kind(), err)
	}

	return json.Marshal(wireRecord{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Timestamp:  r.Timestamp,
		TokenCount: r.TokenCount,
		Embedding:  r.Embedding,
		Pinned:     r.Pinned,
		Kind:       r.Kind(),
		Payload:    payload,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	payload, err := DecodePayload(wire.Kind, wire.Payload)
	if err != nil {
		return err
	}

	*r = Record{
		ID:         wire.ID,
		SessionID:  wire.SessionID,
		Timestamp:  wire.Timestamp,
		TokenCount: wire.TokenCount,
		Embedding:  wire.Embedding,
		Pinned:     wire.Pinned,
		Payload:    payload,
	}

	return nil
}

// DecodePayload decodes the JSON body of a payload of the given kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindUserInput:
		return decodeAs[UserInput](data)
	case KindAgentResponse:
		return decodeAs[AgentResponse](data)
	case KindSystemInstruction:
		return decodeAs[SystemInstruction](data)
	case KindKnowledgeReference:
		return decodeAs[KnowledgeReference](data)
	case KindToolRequest:
		return decodeAs[ToolInvocationRequest](data)
	case KindToolResult:
		return decodeAs[ToolInvocationResult](data)
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var payload T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", payload.Kind(), err)
		}
	}
	return payload, nil
}
