package provider

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"

	"github.com/erg0nix/konverse/internal/core"
)

type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// toolCallArena collects tool-call fragments keyed by their stream index. It belongs to a single
// stream and is emptied once finalized.
type toolCallArena struct {
	calls map[int]*partialToolCall
}

func newToolCallArena() *toolCallArena {
	return &toolCallArena{calls: make(map[int]*partialToolCall)}
}

func (a *toolCallArena) add(fragment wireToolCallDelta) {
	call, ok := a.calls[fragment.Index]
	if !ok {
		call = &partialToolCall{}
		a.calls[fragment.Index] = call
	}

	if fragment.ID != "" {
		call.id = fragment.ID
	}
	if fragment.Function == nil {
		return
	}
	if fragment.Function.Name != "" {
		call.name = fragment.Function.Name
	}
	call.arguments.WriteString(fragment.Function.Arguments)
}

func (a *toolCallArena) empty() bool {
	return len(a.calls) == 0
}

// finalize returns one ToolUse chunk per accumulated call in index order. Arguments that do not
// parse as JSON are kept as a JSON string so the call is not lost.
func (a *toolCallArena) finalize(logger *slog.Logger) []StreamChunk {
	indexes := make([]int, 0, len(a.calls))
	for index := range a.calls {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)

	chunks := make([]StreamChunk, 0, len(indexes))
	for _, index := range indexes {
		call := a.calls[index]
		arguments := strings.TrimSpace(call.arguments.String())

		var input json.RawMessage
		switch {
		case arguments == "":
			input = json.RawMessage(`{}`)
		case json.Valid([]byte(arguments)):
			input = json.RawMessage(arguments)
		default:
			logger.Warn("tool call arguments are not valid json", "tool_call_id", call.id, "tool", call.name)
			quoted, _ := json.Marshal(arguments)
			input = quoted
		}

		chunks = append(chunks, StreamChunk{ToolUse: &core.ToolUse{ID: call.id, Name: call.name, Input: input}})
	}

	clear(a.calls)
	return chunks
}
