package core

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolUse is a fully reconstructed tool call requested by the model.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type SamplingConfig struct {
	Temperature *float64 `json:"temperature,omitempty" toml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" toml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
}
