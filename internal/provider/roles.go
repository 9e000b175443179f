package provider

import (
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// RoleFor maps a record kind to the chat role it is sent as.
func RoleFor(kind record.Kind) core.Role {
	switch kind {
	case record.KindUserInput:
		return core.RoleUser
	case record.KindAgentResponse:
		return core.RoleAssistant
	case record.KindSystemInstruction:
		return core.RoleSystem
	case record.KindKnowledgeReference:
		return core.RoleSystem
	case record.KindToolRequest:
		return core.RoleAssistant
	case record.KindToolResult:
		return core.RoleTool
	default:
		return core.RoleUser
	}
}
