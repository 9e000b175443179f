package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/erg0nix/konverse/internal/budget"
	"github.com/erg0nix/konverse/internal/config"
	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// OpenAIConfig holds connection settings for an OpenAI-compatible API endpoint.
type OpenAIConfig struct {
	Endpoint        string
	APIKey          string
	Model           string
	ContextSize     int
	MaxOutputTokens int
	// HTTPTimeout bounds the wait for response headers and non-streaming calls. The streamed body
	// itself is bounded only by the caller's context.
	HTTPTimeout  time.Duration
	ProbeTimeout time.Duration
	// HTTPClient replaces the default client, mainly for tests.
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider using an OpenAI-compatible streaming chat completions API.
type OpenAIProvider struct {
	endpoint      string
	apiKey        string
	model         string
	capabilities  Capabilities
	streamClient  *http.Client
	client        *http.Client
	probeTimeout  time.Duration
	requestLogger *RequestLogger
	validateRoles bool
	logger        *slog.Logger
}

// NewOpenAIProvider creates an OpenAIProvider with the given endpoint config and optional debug logging.
func NewOpenAIProvider(cfg OpenAIConfig, debugCfg config.DebugConfig) *OpenAIProvider {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = 1500 * time.Millisecond
	}

	model := cfg.Model
	if model == "" {
		model = "default"
	}

	provider := &OpenAIProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    strings.TrimSuffix(model, ".gguf"),
		capabilities: Capabilities{
			MaxContextTokens: cfg.ContextSize,
			MaxOutputTokens:  cfg.MaxOutputTokens,
			Streaming:        true,
			Tools:            true,
		},
		probeTimeout: probeTimeout,
		logger:       slog.Default(),
	}

	if cfg.HTTPClient != nil {
		provider.streamClient = cfg.HTTPClient
		provider.client = cfg.HTTPClient
	} else {
		provider.streamClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
		}}
		provider.client = &http.Client{Timeout: timeout}
	}

	if debugCfg.LogRequests || debugCfg.LogResponses {
		provider.requestLogger = NewRequestLogger(
			debugCfg.LogDirectory,
			debugCfg.LogRequests,
			debugCfg.LogResponses,
			slog.Default(),
		)
	}

	provider.validateRoles = debugCfg.ValidateRoles

	return provider
}

func (p *OpenAIProvider) ID() string { return "openai" }

func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) Capabilities() Capabilities { return p.capabilities }

func (p *OpenAIProvider) TranslateRecordKind(kind record.Kind) core.Role {
	return RoleFor(kind)
}

// Complete sends the context as a streaming chat completion. A non-2xx status or an empty body
// fails the call before any chunk is produced.
func (p *OpenAIProvider) Complete(ctx context.Context, conv conversation.Context, opts *Options) (*ChunkStream, error) {
	requestID := core.NewRequestID()
	messages := p.buildMessages(conv)

	if p.validateRoles {
		if err := validateToolCorrelation(messages); err != nil {
			if p.requestLogger != nil {
				p.requestLogger.LogError(requestID, 0, []byte(err.Error()), messages, nil)
			}
			return nil, fmt.Errorf("role validation failed (request_id=%s): %w", requestID, err)
		}
	}

	payload := p.buildPayload(messages, opts)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if p.requestLogger != nil {
		var tools []core.ToolDef
		var sampling *core.SamplingConfig
		if opts != nil {
			tools = opts.Tools
			sampling = opts.Sampling
		}
		p.requestLogger.LogRequest(requestID, messages, tools, sampling, payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request (request_id=%s): %w", requestID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	startTime := time.Now()
	httpResp, err := p.streamClient.Do(httpReq)
	if err != nil {
		if p.requestLogger != nil {
			p.requestLogger.LogError(requestID, 0, []byte(err.Error()), messages, payload)
		}
		return nil, fmt.Errorf("provider request failed (request_id=%s): %w", requestID, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))

		if p.requestLogger != nil {
			p.requestLogger.LogError(requestID, httpResp.StatusCode, bodyBytes, messages, payload)
		}

		errType, message := parseErrorBody(bytes.TrimSpace(bodyBytes))
		return nil, &ProviderError{StatusCode: httpResp.StatusCode, Type: errType, Message: message, RequestID: requestID}
	}

	if httpResp.Body == nil || httpResp.Body == http.NoBody || httpResp.ContentLength == 0 {
		if httpResp.Body != nil {
			httpResp.Body.Close()
		}
		return nil, fmt.Errorf("request_id=%s: %w", requestID, ErrMissingBody)
	}

	return p.newStream(requestID, httpResp.Body, startTime), nil
}

func (p *OpenAIProvider) buildMessages(conv conversation.Context) []chatMessage {
	messages := make([]chatMessage, 0, len(conv.Items)+1)

	if conv.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: string(core.RoleSystem), Content: stringPtr(conv.SystemPrompt)})
	}

	answered := answeredToolCalls(conv.Items)

	for _, item := range conv.Items {
		role := p.TranslateRecordKind(item.Kind)

		switch {
		case item.Kind == record.KindToolRequest && item.ToolCall != nil:
			// Calls without a result in the context would leave the endpoint waiting for a tool
			// message, so they are not replayed.
			if !answered[item.ToolCall.ID] {
				continue
			}

			arguments := string(item.ToolCall.Input)
			if arguments == "" {
				arguments = "{}"
			}
			call := chatToolCall{
				ID:       item.ToolCall.ID,
				Type:     "function",
				Function: chatToolFunction{Name: item.ToolCall.Name, Arguments: arguments},
			}

			// A call follows the text of the response that issued it; both go out as one message.
			if last := len(messages) - 1; last >= 0 && messages[last].Role == string(role) && messages[last].ToolCallID == "" {
				messages[last].ToolCalls = append(messages[last].ToolCalls, call)
				continue
			}
			messages = append(messages, chatMessage{Role: string(role), ToolCalls: []chatToolCall{call}})
		case item.Kind == record.KindToolResult && item.ToolResult != nil:
			messages = append(messages, chatMessage{
				Role:       string(role),
				Content:    stringPtr(string(item.ToolResult.Output)),
				ToolCallID: item.ToolResult.ToolUseID,
			})
		default:
			messages = append(messages, chatMessage{Role: string(role), Content: stringPtr(item.Content)})
		}
	}

	return messages
}

func answeredToolCalls(items []conversation.Item) map[string]bool {
	answered := make(map[string]bool)
	for _, item := range items {
		if item.Kind == record.KindToolResult && item.ToolResult != nil {
			answered[item.ToolResult.ToolUseID] = true
		}
	}
	return answered
}

func (p *OpenAIProvider) buildPayload(messages []chatMessage, opts *Options) map[string]any {
	modelName := p.model
	if opts != nil && opts.Model != "" {
		modelName = strings.TrimSuffix(opts.Model, ".gguf")
	}

	payload := map[string]any{
		"model":          modelName,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}

	maxTokens := p.capabilities.MaxOutputTokens
	if opts != nil && opts.Sampling != nil && opts.Sampling.MaxTokens != nil {
		maxTokens = *opts.Sampling.MaxTokens
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	if opts == nil {
		return payload
	}

	if opts.Sampling != nil {
		if opts.Sampling.Temperature != nil {
			payload["temperature"] = *opts.Sampling.Temperature
		}
		if opts.Sampling.TopP != nil {
			payload["top_p"] = *opts.Sampling.TopP
		}
	}

	if len(opts.Tools) > 0 {
		toolJSON := make([]map[string]any, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			toolJSON = append(toolJSON, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		payload["tools"] = toolJSON
	}

	return payload
}

// newStream decodes SSE frames into chunks. Content deltas are emitted as they arrive; tool calls
// are held in the arena until a finish reason is seen and then emitted ahead of the terminal chunk.
func (p *OpenAIProvider) newStream(requestID core.RequestID, body io.ReadCloser, startTime time.Time) *ChunkStream {
	frames := newFrameReader(body)
	arena := newToolCallArena()

	var pending []StreamChunk
	var usage *core.Usage
	var content strings.Builder
	var toolUses []core.ToolUse
	var finishReason string
	terminated := false

	pop := func() StreamChunk {
		chunk := pending[0]
		pending = pending[1:]
		return chunk
	}

	flushToolCalls := func() {
		if arena.empty() {
			return
		}
		for _, chunk := range arena.finalize(p.logger) {
			toolUses = append(toolUses, *chunk.ToolUse)
			pending = append(pending, chunk)
		}
	}

	terminate := func() StreamChunk {
		terminated = true
		flushToolCalls()
		pending = append(pending, StreamChunk{Done: true, Usage: usage})

		if p.requestLogger != nil {
			p.requestLogger.LogResponse(requestID, ResponseSummary{
				Content:      content.String(),
				ToolUses:     toolUses,
				Usage:        usage,
				FinishReason: finishReason,
			}, time.Since(startTime))
		}

		return pop()
	}

	next := func() (StreamChunk, error) {
		if len(pending) > 0 {
			return pop(), nil
		}
		if terminated {
			return StreamChunk{}, io.EOF
		}

		for {
			payload, err := frames.next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return terminate(), nil
				}
				return StreamChunk{}, fmt.Errorf("read completion stream (request_id=%s): %w", requestID, err)
			}

			payload = strings.TrimSpace(payload)
			if payload == "" {
				continue
			}
			if payload == sseDone {
				return terminate(), nil
			}

			var frame wireStreamFrame
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				p.logger.Debug("skipping malformed stream frame", "request_id", requestID, "error", err)
				continue
			}

			if frame.Error != nil && frame.Error.Message != "" {
				return StreamChunk{}, &ProviderError{StatusCode: http.StatusOK, Type: frame.Error.Type, Message: frame.Error.Message, RequestID: requestID}
			}

			if frame.Usage != nil {
				usage = &core.Usage{
					PromptTokens:     frame.Usage.PromptTokens,
					CompletionTokens: frame.Usage.CompletionTokens,
					TotalTokens:      frame.Usage.TotalTokens,
				}
				if usage.TotalTokens == 0 {
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				}
			}

			if len(frame.Choices) == 0 {
				continue
			}

			choice := frame.Choices[0]
			for _, fragment := range choice.Delta.ToolCalls {
				arena.add(fragment)
			}

			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
				flushToolCalls()
			}

			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				return StreamChunk{ContentDelta: choice.Delta.Content}, nil
			}

			if len(pending) > 0 {
				return pop(), nil
			}
		}
	}

	return newChunkStream(next, body)
}

// CountTokens asks the server's /tokenize endpoint and falls back to the character heuristic on
// any failure.
func (p *OpenAIProvider) CountTokens(ctx context.Context, text string) (int, error) {
	requestBody, _ := json.Marshal(map[string]any{"content": text})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/tokenize", bytes.NewReader(requestBody))
	if err != nil {
		return budget.Estimate(text), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return budget.Estimate(text), nil
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return budget.Estimate(text), nil
	}

	var payload map[string]any
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return budget.Estimate(text), nil
	}

	if tokens, ok := payload["tokens"].([]any); ok {
		return len(tokens), nil
	}

	if count, ok := payload["count"].(float64); ok {
		return int(count), nil
	}

	return budget.Estimate(text), nil
}

// Probe is a short pre-flight liveness check against /health, then /v1/models.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	var lastErr error
	for _, path := range []string{"/health", "/v1/models"} {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+path, nil)
		if err != nil {
			return err
		}
		if p.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		httpResp.Body.Close()

		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("%s returned %s", path, httpResp.Status)
	}

	return fmt.Errorf("provider %s unreachable: %w", p.endpoint, lastErr)
}
