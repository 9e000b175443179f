package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erg0nix/konverse/internal/config"
	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

func sseServer(t *testing.T, frames []string, captured *map[string]any) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, "data: "+frame+"\n\n")
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
	}))
}

func newTestProvider(endpoint string) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{Endpoint: endpoint, Model: "test-model", MaxOutputTokens: 256}, config.DebugConfig{ValidateRoles: true})
}

func drain(t *testing.T, stream *ChunkStream) []StreamChunk {
	t.Helper()
	defer stream.Close()

	var chunks []StreamChunk
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func userContext(text string) conversation.Context {
	return conversation.Context{Items: []conversation.Item{{ID: "u1", Kind: record.KindUserInput, Content: text}}}
}

func TestComplete_ContentDeltasAndUsage(t *testing.T) {
	server := sseServer(t, []string{
		`{"id":"1","model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		`{"id":"1","model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"1","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"1","model":"m","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		`[DONE]`,
	}, nil)
	defer server.Close()

	stream, err := newTestProvider(server.URL).Complete(context.Background(), userContext("hi"), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].ContentDelta != "Hel" || chunks[1].ContentDelta != "lo" {
		t.Errorf("unexpected deltas: %q %q", chunks[0].ContentDelta, chunks[1].ContentDelta)
	}

	last := chunks[2]
	if !last.Done {
		t.Fatal("last chunk must be terminal")
	}
	if last.Usage == nil || last.Usage.PromptTokens != 7 || last.Usage.CompletionTokens != 2 || last.Usage.TotalTokens != 9 {
		t.Errorf("unexpected usage: %+v", last.Usage)
	}
}

func TestComplete_ToolCallAcrossThreeFrames(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"NYC\"}"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}, nil)
	defer server.Close()

	stream, err := newTestProvider(server.URL).Complete(context.Background(), userContext("weather?"), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 2 {
		t.Fatalf("expected tool chunk and terminal chunk, got %+v", chunks)
	}

	toolUse := chunks[0].ToolUse
	if toolUse == nil {
		t.Fatal("expected tool use chunk first")
	}
	if toolUse.ID != "call_1" || toolUse.Name != "get_weather" {
		t.Errorf("unexpected tool use: %+v", toolUse)
	}

	var input map[string]string
	if err := json.Unmarshal(toolUse.Input, &input); err != nil {
		t.Fatalf("input is not json: %v", err)
	}
	if input["city"] != "NYC" {
		t.Errorf("input = %s", toolUse.Input)
	}

	if !chunks[1].Done {
		t.Error("terminal chunk must follow the tool use")
	}
}

func TestComplete_MultipleToolCallsEmittedInIndexOrder(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"second","arguments":"{}"}},{"index":0,"id":"call_a","function":{"name":"first","arguments":"{\"x\":1}"}}]},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}, nil)
	defer server.Close()

	stream, err := newTestProvider(server.URL).Complete(context.Background(), userContext("go"), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %+v", chunks)
	}
	if chunks[0].ToolUse.ID != "call_a" || chunks[1].ToolUse.ID != "call_b" {
		t.Errorf("tool calls out of order: %s, %s", chunks[0].ToolUse.ID, chunks[1].ToolUse.ID)
	}
}

func TestComplete_SkipsMalformedFrames(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"a"}}]}`,
		`{not json`,
		`{"choices":[{"index":0,"delta":{"content":"b"}}]}`,
		`[DONE]`,
	}, nil)
	defer server.Close()

	stream, err := newTestProvider(server.URL).Complete(context.Background(), userContext("x"), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	var content strings.Builder
	for _, chunk := range drain(t, stream) {
		content.WriteString(chunk.ContentDelta)
	}
	if content.String() != "ab" {
		t.Errorf("content = %q, want ab", content.String())
	}
}

func TestComplete_EOFWithoutDoneStillTerminates(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
	}, nil)
	defer server.Close()

	stream, err := newTestProvider(server.URL).Complete(context.Background(), userContext("x"), nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 2 || !chunks[1].Done || chunks[1].Usage != nil {
		t.Errorf("unexpected chunks: %+v", chunks)
	}
}

func TestComplete_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"rate_limit","message":"slow down"}}`)
	}))
	defer server.Close()

	stream, err := newTestProvider(server.URL).Complete(context.Background(), userContext("x"), nil)
	if stream != nil {
		t.Fatal("no stream should be returned on error")
	}

	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.StatusCode != http.StatusTooManyRequests || providerErr.Message != "slow down" || !providerErr.IsRateLimited() {
		t.Errorf("unexpected error: %+v", providerErr)
	}
}

func TestComplete_MissingBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Complete(context.Background(), userContext("x"), nil)
	if !errors.Is(err, ErrMissingBody) {
		t.Fatalf("expected ErrMissingBody, got %v", err)
	}
}

func TestComplete_RequestShape(t *testing.T) {
	var captured map[string]any
	server := sseServer(t, []string{`[DONE]`}, &captured)
	defer server.Close()

	conv := conversation.Context{
		SystemPrompt: "be brief",
		Items: []conversation.Item{
			{Kind: record.KindKnowledgeReference, Content: "fact"},
			{Kind: record.KindUserInput, Content: "weather?"},
			{Kind: record.KindToolRequest, Content: "[Tool Call: get_weather] {}", ToolCall: &core.ToolUse{ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"NYC"}`)}},
			{Kind: record.KindToolResult, Content: "[Tool Result] 21", ToolResult: &conversation.ToolResultRef{ToolUseID: "call_1", Output: json.RawMessage(`21`)}},
			{Kind: record.KindAgentResponse, Content: "It is 21."},
		},
	}

	temperature := 0.2
	stream, err := newTestProvider(server.URL).Complete(context.Background(), conv, &Options{
		Sampling: &core.SamplingConfig{Temperature: &temperature},
		Tools:    []core.ToolDef{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	drain(t, stream)

	if captured["stream"] != true || captured["model"] != "test-model" || captured["temperature"] != 0.2 {
		t.Errorf("unexpected request fields: %v", captured)
	}
	if captured["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v", captured["max_tokens"])
	}
	if tools, _ := captured["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", captured["tools"])
	}

	messages, _ := captured["messages"].([]any)
	wantRoles := []string{"system", "system", "user", "assistant", "tool", "assistant"}
	if len(messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(messages))
	}
	for i, want := range wantRoles {
		msg := messages[i].(map[string]any)
		if msg["role"] != want {
			t.Errorf("message %d role = %v, want %s", i, msg["role"], want)
		}
	}

	if messages[0].(map[string]any)["content"] != "be brief" {
		t.Errorf("system prompt must be first")
	}

	toolCallMsg := messages[3].(map[string]any)
	if content, present := toolCallMsg["content"]; !present || content != nil {
		t.Errorf("tool call message content should be null, got %v", content)
	}
	calls := toolCallMsg["tool_calls"].([]any)
	function := calls[0].(map[string]any)["function"].(map[string]any)
	if function["name"] != "get_weather" || function["arguments"] != `{"city":"NYC"}` {
		t.Errorf("unexpected tool call payload: %v", function)
	}

	toolMsg := messages[4].(map[string]any)
	if toolMsg["tool_call_id"] != "call_1" || toolMsg["content"] != "21" {
		t.Errorf("unexpected tool result message: %v", toolMsg)
	}
}

func TestComplete_ReplaysToolHistory(t *testing.T) {
	weatherCall := func(id string) *core.ToolUse {
		return &core.ToolUse{ID: id, Name: "get_weather", Input: json.RawMessage(`{"city":"NYC"}`)}
	}

	tests := []struct {
		name      string
		items     []conversation.Item
		wantRoles []string
		check     func(t *testing.T, messages []any)
	}{
		{
			name: "unanswered call is dropped",
			items: []conversation.Item{
				{Kind: record.KindUserInput, Content: "weather?"},
				{Kind: record.KindAgentResponse, Content: "Let me check."},
				{Kind: record.KindToolRequest, Content: "[Tool Call: get_weather] {}", ToolCall: weatherCall("call_1")},
				{Kind: record.KindUserInput, Content: "thanks"},
			},
			wantRoles: []string{"user", "assistant", "user"},
			check: func(t *testing.T, messages []any) {
				if _, present := messages[1].(map[string]any)["tool_calls"]; present {
					t.Errorf("unanswered call must not be sent: %v", messages[1])
				}
			},
		},
		{
			name: "answered call joins the response text",
			items: []conversation.Item{
				{Kind: record.KindUserInput, Content: "weather?"},
				{Kind: record.KindAgentResponse, Content: "Let me check."},
				{Kind: record.KindToolRequest, Content: "[Tool Call: get_weather] {}", ToolCall: weatherCall("call_1")},
				{Kind: record.KindToolResult, Content: "[Tool Result] 21", ToolResult: &conversation.ToolResultRef{ToolUseID: "call_1", Output: json.RawMessage(`21`)}},
				{Kind: record.KindUserInput, Content: "thanks"},
			},
			wantRoles: []string{"user", "assistant", "tool", "user"},
			check: func(t *testing.T, messages []any) {
				msg := messages[1].(map[string]any)
				if msg["content"] != "Let me check." {
					t.Errorf("content = %v", msg["content"])
				}
				if calls, _ := msg["tool_calls"].([]any); len(calls) != 1 {
					t.Errorf("tool_calls = %v", msg["tool_calls"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured map[string]any
			server := sseServer(t, []string{`[DONE]`}, &captured)
			defer server.Close()

			stream, err := newTestProvider(server.URL).Complete(context.Background(), conversation.Context{Items: tt.items}, nil)
			if err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			drain(t, stream)

			messages, _ := captured["messages"].([]any)
			if len(messages) != len(tt.wantRoles) {
				t.Fatalf("expected %d messages, got %d: %v", len(tt.wantRoles), len(messages), messages)
			}
			for i, want := range tt.wantRoles {
				if role := messages[i].(map[string]any)["role"]; role != want {
					t.Errorf("message %d role = %v, want %s", i, role, want)
				}
			}
			tt.check(t, messages)
		})
	}
}

func TestComplete_RejectsUncorrelatedToolResult(t *testing.T) {
	p := newTestProvider("http://127.0.0.1:0")

	conv := conversation.Context{Items: []conversation.Item{
		{Kind: record.KindToolResult, ToolResult: &conversation.ToolResultRef{ToolUseID: "missing"}},
	}}

	_, err := p.Complete(context.Background(), conv, nil)

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCountTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokenize" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"tokens":[1,2,3]}`)
	}))
	defer server.Close()

	count, err := newTestProvider(server.URL).CountTokens(context.Background(), "hello")
	if err != nil || count != 3 {
		t.Errorf("CountTokens = %d, %v; want 3", count, err)
	}
}

func TestCountTokens_FallsBackToEstimate(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	count, err := newTestProvider(server.URL).CountTokens(context.Background(), "hello, world!")
	if err != nil {
		t.Fatalf("CountTokens returned error: %v", err)
	}
	if count != 4 {
		t.Errorf("CountTokens = %d, want 4", count)
	}
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			_, _ = io.WriteString(w, `{"data":[]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	if err := newTestProvider(server.URL).Probe(context.Background()); err != nil {
		t.Errorf("Probe failed: %v", err)
	}

	server.Close()
	if err := newTestProvider(server.URL).Probe(context.Background()); err == nil {
		t.Error("expected probe of a closed server to fail")
	}
}

func TestTranslateRecordKind(t *testing.T) {
	want := map[record.Kind]core.Role{
		record.KindUserInput:          core.RoleUser,
		record.KindAgentResponse:      core.RoleAssistant,
		record.KindSystemInstruction:  core.RoleSystem,
		record.KindKnowledgeReference: core.RoleSystem,
		record.KindToolRequest:        core.RoleAssistant,
		record.KindToolResult:         core.RoleTool,
	}

	p := newTestProvider("http://unused")
	for _, kind := range record.Kinds {
		if got := p.TranslateRecordKind(kind); got != want[kind] {
			t.Errorf("TranslateRecordKind(%s) = %s, want %s", kind, got, want[kind])
		}
	}
}
