package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

type staticProvider struct {
	calls int
}

func (p *staticProvider) ID() string                 { return "static" }
func (p *staticProvider) Model() string              { return "static-model" }
func (p *staticProvider) Capabilities() Capabilities { return Capabilities{Streaming: true} }
func (p *staticProvider) TranslateRecordKind(kind record.Kind) core.Role {
	return RoleFor(kind)
}
func (p *staticProvider) CountTokens(ctx context.Context, text string) (int, error) {
	return len(text), nil
}
func (p *staticProvider) Complete(ctx context.Context, conv conversation.Context, opts *Options) (*ChunkStream, error) {
	p.calls++
	return NewStaticStream(StreamChunk{ContentDelta: "ok"}, StreamChunk{Done: true}), nil
}

func TestRouter_HoldsSlotUntilStreamClosed(t *testing.T) {
	router := NewRouter(&staticProvider{}, 1, 0)

	first, err := router.Complete(context.Background(), conversation.Context{}, nil)
	if err != nil {
		t.Fatalf("first Complete failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := router.Complete(ctx, conversation.Context{}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second call to wait for the slot, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_ = first.Close()

	second, err := router.Complete(context.Background(), conversation.Context{}, nil)
	if err != nil {
		t.Fatalf("Complete after release failed: %v", err)
	}
	defer second.Close()

	chunk, err := second.Next()
	if err != nil || chunk.ContentDelta != "ok" {
		t.Errorf("unexpected chunk %+v, err %v", chunk, err)
	}
}

func TestRouter_ProbeUnsupported(t *testing.T) {
	router := NewRouter(&staticProvider{}, 0, 0)

	if err := router.Probe(context.Background()); !errors.Is(err, errors.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestRouter_DelegatesMetadata(t *testing.T) {
	inner := &staticProvider{}
	router := NewRouter(inner, 2, 600)

	if router.ID() != "static" || router.Model() != "static-model" {
		t.Errorf("metadata not delegated")
	}
	if n, _ := router.CountTokens(context.Background(), "abc"); n != 3 {
		t.Errorf("CountTokens = %d", n)
	}

	stream, err := router.Complete(context.Background(), conversation.Context{}, nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	stream.Close()

	if inner.calls != 1 {
		t.Errorf("inner calls = %d", inner.calls)
	}
}
