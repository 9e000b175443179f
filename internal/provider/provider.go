// Package provider implements the completion stream adapter for OpenAI-compatible chat endpoints.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// ErrMissingBody is returned when a successful completion response carries no body to stream.
var ErrMissingBody = errors.New("provider response has no body")

// Capabilities describes what a provider's model can do.
type Capabilities struct {
	MaxContextTokens int  `json:"max_context_tokens"`
	MaxOutputTokens  int  `json:"max_output_tokens"`
	Streaming        bool `json:"streaming"`
	Tools            bool `json:"tools"`
	Vision           bool `json:"vision"`
}

// Options are per-call overrides for a completion.
type Options struct {
	Model    string
	Tools    []core.ToolDef
	Sampling *core.SamplingConfig
}

// Provider turns an assembled context into a stream of chunks.
type Provider interface {
	ID() string
	Model() string
	Capabilities() Capabilities
	Complete(ctx context.Context, conv conversation.Context, opts *Options) (*ChunkStream, error)
	CountTokens(ctx context.Context, text string) (int, error)
	TranslateRecordKind(kind record.Kind) core.Role
}

// StreamChunk is one incremental unit of a completion. The last chunk of a stream has Done set.
type StreamChunk struct {
	ContentDelta string        `json:"content_delta,omitempty"`
	Done         bool          `json:"done,omitempty"`
	Usage        *core.Usage   `json:"usage,omitempty"`
	ToolUse      *core.ToolUse `json:"tool_use,omitempty"`
}

// ProviderError is a non-2xx response from the completion endpoint.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
	RequestID  core.RequestID
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error (request_id=%s): %d %s: %s", e.RequestID, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error (request_id=%s): %d %s: %s", e.RequestID, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

type nextFunc func() (StreamChunk, error)

// ChunkStream yields the chunks of one completion. Next returns io.EOF after the terminal chunk.
// Close releases the underlying response body and must be called by the consumer.
//
// A ChunkStream is not safe for concurrent use.
type ChunkStream struct {
	next     nextFunc
	closer   io.Closer
	finished bool
	closed   bool
}

func newChunkStream(next nextFunc, closer io.Closer) *ChunkStream {
	return &ChunkStream{next: next, closer: closer}
}

// NewChunkStream wraps a chunk source. closer may be nil.
func NewChunkStream(next func() (StreamChunk, error), closer io.Closer) *ChunkStream {
	return newChunkStream(next, closer)
}

// NewStaticStream returns a stream that yields chunks in order. The final element should have Done set.
func NewStaticStream(chunks ...StreamChunk) *ChunkStream {
	index := 0
	return newChunkStream(func() (StreamChunk, error) {
		if index >= len(chunks) {
			return StreamChunk{}, io.EOF
		}
		chunk := chunks[index]
		index++
		return chunk, nil
	}, nil)
}

func (s *ChunkStream) Next() (StreamChunk, error) {
	if s.finished || s.closed {
		return StreamChunk{}, io.EOF
	}

	chunk, err := s.next()
	if err != nil {
		s.finished = true
		return StreamChunk{}, err
	}
	if chunk.Done {
		s.finished = true
	}

	return chunk, nil
}

func (s *ChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
