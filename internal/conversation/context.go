// Package conversation assembles the bounded context sent to the model for one turn.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/erg0nix/konverse/internal/budget"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ToolResultRef carries the structured part of a tool result item.
type ToolResultRef struct {
	ToolUseID string          `json:"tool_use_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Item is a budget-accounted projection of one record or injected knowledge entry.
type Item struct {
	ID         string         `json:"id"`
	Kind       record.Kind    `json:"kind"`
	Content    string         `json:"content"`
	TokenCount int            `json:"token_count"`
	Priority   Priority       `json:"priority"`
	SourceRef  string         `json:"source_ref,omitempty"`
	ToolCall   *core.ToolUse  `json:"tool_call,omitempty"`
	ToolResult *ToolResultRef `json:"tool_result,omitempty"`
}

type Metadata struct {
	IncludedCount  int       `json:"included_count"`
	FilteredCount  int       `json:"filtered_count"`
	KnowledgeCount int       `json:"knowledge_count"`
	AssembledAt    time.Time `json:"assembled_at"`
}

// Context is the bounded, ordered input for one completion. It is rebuilt every turn and never
// persisted.
type Context struct {
	SystemPrompt string
	Items        []Item
	Budget       budget.Budget
	Metadata     Metadata
}
