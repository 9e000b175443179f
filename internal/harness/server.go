// Package harness serves a scripted OpenAI-compatible chat endpoint for manual and end-to-end
// testing of the completion stream adapter.
package harness

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/erg0nix/konverse/internal/budget"
)

type Options struct {
	Model string
	// ChunkSize is the number of runes per content frame. Zero means 8.
	ChunkSize int
	// FrameDelay is slept between frames.
	FrameDelay time.Duration
	Logger     *slog.Logger
}

// Server answers completions from a queue of scripted responses, echoing the last user message
// when the queue is empty.
type Server struct {
	model      string
	chunkSize  int
	frameDelay time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	queue    []Response
	requests []chatRequest
}

func New(opts Options) *Server {
	if opts.Model == "" {
		opts.Model = "harness"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		model:      opts.Model,
		chunkSize:  opts.ChunkSize,
		frameDelay: opts.FrameDelay,
		logger:     opts.Logger,
	}
}

func (s *Server) Enqueue(responses ...Response) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, responses...)
	return len(s.queue)
}

func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Requests returns how many completion requests were served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.handleCompletion)
	r.Post("/tokenize", s.handleTokenize)
	r.Post("/manual", s.handleManual)

	return r
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": s.model, "object": "model", "owned_by": "konverse"},
		},
	})
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	tokens := make([]int, budget.Estimate(in.Content))
	for i := range tokens {
		tokens[i] = i
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var resp Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	for _, call := range resp.ToolCalls {
		if len(call.Arguments) > 0 && !json.Valid(call.Arguments) {
			writeError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("tool call %s: arguments are not valid JSON", call.ID))
			return
		}
	}

	pending := s.Enqueue(resp)
	s.logger.Info("queued manual response", "pending", pending, "tool_calls", len(resp.ToolCalls))
	writeJSON(w, http.StatusAccepted, map[string]int{"pending": pending})
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if err := checkToolSequence(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	resp := s.next(req)
	s.logger.Debug("serving completion",
		"request_id", middleware.GetReqID(r.Context()),
		"messages", len(req.Messages),
		"stream", req.Stream,
	)

	if resp.Status >= http.StatusBadRequest {
		writeError(w, resp.Status, errorType(resp.Status), resp.Error)
		return
	}

	usage := usageFor(req, resp)
	if !req.Stream {
		s.writeCompletion(w, resp, usage)
		return
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	if !includeUsage {
		usage = nil
	}
	s.writeStream(w, r, resp, usage)
}

func (s *Server) next(req chatRequest) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if len(s.queue) > 0 {
		resp := s.queue[0]
		s.queue = s.queue[1:]
		return resp
	}

	return Response{Content: "echo: " + lastUserText(req.Messages)}
}

// checkToolSequence rejects histories the hosted endpoints reject: every assistant tool call must be
// answered by tool messages directly after it.
func checkToolSequence(messages []chatMessage) error {
	var pending []string

	for i, msg := range messages {
		if msg.Role == "tool" {
			found := false
			for j, id := range pending {
				if id == msg.ToolCallID {
					pending = append(pending[:j], pending[j+1:]...)
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("messages[%d]: tool message does not answer a pending tool call %q", i, msg.ToolCallID)
			}
			continue
		}

		if len(pending) > 0 {
			return fmt.Errorf("messages[%d]: tool_calls %v must be followed by tool messages", i, pending)
		}

		if msg.Role == "assistant" {
			for _, call := range msg.ToolCalls {
				pending = append(pending, call.ID)
			}
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("tool_calls %v must be followed by tool messages", pending)
	}
	return nil
}

func lastUserText(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != nil {
			return *messages[i].Content
		}
	}
	return ""
}

func usageFor(req chatRequest, resp Response) *wireUsage {
	prompt := 0
	for _, msg := range req.Messages {
		if msg.Content != nil {
			prompt += budget.Estimate(*msg.Content)
		}
	}

	completion := budget.Estimate(resp.Content)
	for _, call := range resp.ToolCalls {
		completion += budget.Estimate(call.Name) + budget.Estimate(string(call.Arguments))
	}

	return &wireUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func finishReason(resp Response) string {
	if len(resp.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

func (s *Server) writeCompletion(w http.ResponseWriter, resp Response, usage *wireUsage) {
	content := resp.Content
	message := chatMessage{Role: "assistant", Content: &content}
	for _, call := range resp.ToolCalls {
		message.ToolCalls = append(message.ToolCalls, wireToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: wireFunction{Name: call.Name, Arguments: string(call.Arguments)},
		})
	}

	writeJSON(w, http.StatusOK, completion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []completionChoice{{Message: message, FinishReason: finishReason(resp)}},
		Usage:   *usage,
	})
}

// writeStream emits content in ChunkSize pieces, then each tool call split across three frames
// (header, first half of the arguments, second half), the finish frame, an optional usage frame,
// and the [DONE] terminator.
func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, resp Response, usage *wireUsage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frame := chunkFrame{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
	}

	send := func(choices []chunkChoice, usage *wireUsage) bool {
		if err := r.Context().Err(); err != nil {
			return false
		}

		frame.Choices = choices
		frame.Usage = usage
		data, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("failed to encode frame", "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()

		if s.frameDelay > 0 {
			time.Sleep(s.frameDelay)
		}
		return true
	}

	delta := func(d chunkDelta) []chunkChoice {
		return []chunkChoice{{Delta: d}}
	}

	if !send(delta(chunkDelta{Role: "assistant"}), nil) {
		return
	}

	for _, piece := range splitRunes(resp.Content, s.chunkSize) {
		if !send(delta(chunkDelta{Content: piece}), nil) {
			return
		}
	}

	for i, call := range resp.ToolCalls {
		index := i
		args := string(call.Arguments)
		half := len(args) / 2

		header := wireToolCall{Index: &index, ID: call.ID, Type: "function", Function: wireFunction{Name: call.Name}}
		if !send(delta(chunkDelta{ToolCalls: []wireToolCall{header}}), nil) {
			return
		}
		for _, part := range []string{args[:half], args[half:]} {
			fragment := wireToolCall{Index: &index, Function: wireFunction{Arguments: part}}
			if !send(delta(chunkDelta{ToolCalls: []wireToolCall{fragment}}), nil) {
				return
			}
		}
	}

	reason := finishReason(resp)
	if !send([]chunkChoice{{FinishReason: &reason}}, nil) {
		return
	}

	if usage != nil {
		if !send([]chunkChoice{}, usage) {
			return
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func splitRunes(text string, size int) []string {
	runes := []rune(text)
	pieces := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	if message == "" {
		message = strings.ToLower(http.StatusText(status))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Type: errType, Message: message}})
}
