package turn

import (
	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

type EventType string

const (
	EvtRecorded  EventType = "recorded"
	EvtAssembled EventType = "assembled"
	EvtDelta     EventType = "delta"
	EvtToolUse   EventType = "tool_use"
	EvtCompleted EventType = "completed"
	EvtFailed    EventType = "failed"
)

// Event is one step of a turn. Every turn ends with exactly one EvtCompleted or EvtFailed.
type Event struct {
	Type      EventType
	TurnID    core.TurnID
	SessionID core.SessionID
	// Record is the persisted user input for EvtRecorded and the agent response for EvtCompleted.
	// It is nil on EvtCompleted when the model produced no content.
	Record   *record.Record
	Context  *conversation.Context
	Snapshot *conversation.Snapshot
	Delta    string
	ToolUse  *core.ToolUse
	Usage    *core.Usage
	Error    string
}

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateAssembling State = "assembling"
	StateStreaming  State = "streaming"
	StatePersisting State = "persisting"
	StateFailed     State = "failed"
)
