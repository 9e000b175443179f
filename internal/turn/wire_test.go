package turn

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/erg0nix/konverse/internal/config"
	"github.com/erg0nix/konverse/internal/harness"
	"github.com/erg0nix/konverse/internal/provider"
)

// The harness rejects histories with unanswered tool calls the way hosted endpoints do, so a
// session that used a tool must still be able to take another turn.
func TestProcessTurn_TurnAfterToolCallAcceptedByEndpoint(t *testing.T) {
	h := harness.New(harness.Options{Model: "harness"})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	h.Enqueue(harness.Response{
		Content:   "Let me check.",
		ToolCalls: []harness.ToolCall{{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"NYC"}`)}},
	})

	completionProvider := provider.NewOpenAIProvider(provider.OpenAIConfig{Endpoint: srv.URL, Model: "harness"}, config.DebugConfig{ValidateRoles: true})
	repo, sessionID := newSession(t)
	o := newOrchestrator(repo, sessionID, completionProvider, Config{})

	first := collect(t, o.ProcessTurn(context.Background(), "weather?"))
	if last := first[len(first)-1]; last.Type != EvtCompleted {
		t.Fatalf("first turn: expected completed, got %s (%s)", last.Type, last.Error)
	}
	if countType(first, EvtToolUse) != 1 {
		t.Fatalf("first turn: expected one tool use, got %v", eventTypes(first))
	}

	second := collect(t, o.ProcessTurn(context.Background(), "thanks"))
	last := second[len(second)-1]
	if last.Type != EvtCompleted {
		t.Fatalf("second turn: expected completed, got %s (%s)", last.Type, last.Error)
	}
	if last.Record == nil || last.Record.Text() != "echo: thanks" {
		t.Fatalf("second turn: unexpected response %+v", last.Record)
	}
	if h.Requests() != 2 {
		t.Fatalf("expected 2 completion requests, got %d", h.Requests())
	}
}
