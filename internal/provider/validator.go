package provider

import (
	"fmt"

	"github.com/erg0nix/konverse/internal/core"
)

// ValidationError describes the first outbound message that breaks tool-call correlation.
type ValidationError struct {
	Index   int
	Role    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateToolCorrelation checks that every tool message answers a tool call issued by an earlier
// assistant message, that no tool call id is answered twice, and that every tool call is answered
// before the next non-tool message.
func validateToolCorrelation(messages []chatMessage) error {
	issued := make(map[string]bool)
	answered := make(map[string]bool)
	pending := make(map[string]int)

	for i, msg := range messages {
		if core.Role(msg.Role) != core.RoleTool && len(pending) > 0 {
			return unansweredCall(pending)
		}

		switch core.Role(msg.Role) {
		case core.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					return &ValidationError{Index: i, Role: msg.Role, Message: fmt.Sprintf("tool call %q at index %d has no id", call.Function.Name, i)}
				}
				issued[call.ID] = true
				pending[call.ID] = i
			}
		case core.RoleTool:
			if msg.ToolCallID == "" {
				return &ValidationError{Index: i, Role: msg.Role, Message: fmt.Sprintf("tool result at index %d has no tool_call_id", i)}
			}
			if !issued[msg.ToolCallID] {
				return &ValidationError{Index: i, Role: msg.Role, Message: fmt.Sprintf("tool result at index %d references unknown tool call %q", i, msg.ToolCallID)}
			}
			if answered[msg.ToolCallID] {
				return &ValidationError{Index: i, Role: msg.Role, Message: fmt.Sprintf("tool call %q answered twice (index %d)", msg.ToolCallID, i)}
			}
			answered[msg.ToolCallID] = true
			delete(pending, msg.ToolCallID)
		}
	}

	if len(pending) > 0 {
		return unansweredCall(pending)
	}

	return nil
}

// unansweredCall reports the earliest pending call.
func unansweredCall(pending map[string]int) error {
	id, index := "", -1
	for callID, i := range pending {
		if index < 0 || i < index || (i == index && callID < id) {
			id, index = callID, i
		}
	}
	return &ValidationError{Index: index, Role: string(core.RoleAssistant), Message: fmt.Sprintf("tool call %q at index %d has no tool result", id, index)}
}
