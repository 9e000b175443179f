package provider

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/record"
)

// Prober is implemented by providers that support a pre-flight liveness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Router wraps a single provider with a concurrency limit and an optional request rate limit.
// A concurrency slot is held until the returned stream is closed.
type Router struct {
	Provider      Provider
	MaxConcurrent int
	// RequestsPerMinute of zero disables rate limiting.
	RequestsPerMinute int

	once    sync.Once
	limiter *semaphore
	rate    *rate.Limiter
}

func NewRouter(p Provider, maxConcurrent, requestsPerMinute int) *Router {
	return &Router{Provider: p, MaxConcurrent: maxConcurrent, RequestsPerMinute: requestsPerMinute}
}

func (r *Router) ID() string { return r.Provider.ID() }

func (r *Router) Model() string { return r.Provider.Model() }

func (r *Router) Capabilities() Capabilities { return r.Provider.Capabilities() }

func (r *Router) TranslateRecordKind(kind record.Kind) core.Role {
	return r.Provider.TranslateRecordKind(kind)
}

func (r *Router) CountTokens(ctx context.Context, text string) (int, error) {
	return r.Provider.CountTokens(ctx, text)
}

func (r *Router) Complete(ctx context.Context, conv conversation.Context, opts *Options) (*ChunkStream, error) {
	r.init()

	if r.rate != nil {
		if err := r.rate.Wait(ctx); err != nil {
			return nil, err
		}
	}

	release := func() {}
	if r.limiter != nil {
		if err := r.limiter.acquire(ctx); err != nil {
			return nil, err
		}
		release = r.limiter.release
	}

	stream, err := r.Provider.Complete(ctx, conv, opts)
	if err != nil {
		release()
		return nil, err
	}

	var releaseOnce sync.Once
	return newChunkStream(stream.Next, closerFunc(func() error {
		defer releaseOnce.Do(release)
		return stream.Close()
	})), nil
}

func (r *Router) Probe(ctx context.Context) error {
	prober, ok := r.Provider.(Prober)
	if !ok {
		return errors.ErrUnsupported
	}
	return prober.Probe(ctx)
}

func (r *Router) init() {
	r.once.Do(func() {
		if r.MaxConcurrent > 0 {
			r.limiter = newSemaphore(r.MaxConcurrent)
		}
		if r.RequestsPerMinute > 0 {
			r.rate = rate.NewLimiter(rate.Limit(float64(r.RequestsPerMinute)/60), 1)
		}
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type semaphore struct {
	ch chan struct{}
}

func newSemaphore(limit int) *semaphore {
	return &semaphore{ch: make(chan struct{}, limit)}
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	<-s.ch
}
