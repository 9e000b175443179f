// Package session keeps at most one live turn orchestrator per session.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/store"
	"github.com/erg0nix/konverse/internal/turn"
)

// Factory builds the orchestrator for a session that has no live one yet.
type Factory func(sessionID core.SessionID) *turn.Orchestrator

// Registry caches one orchestrator per session. It is owned by the composition root and safe for
// concurrent use.
type Registry struct {
	repo    store.Repository
	factory Factory

	mu            sync.Mutex
	orchestrators map[core.SessionID]*turn.Orchestrator
}

func NewRegistry(repo store.Repository, factory Factory) *Registry {
	return &Registry{
		repo:          repo,
		factory:       factory,
		orchestrators: make(map[core.SessionID]*turn.Orchestrator),
	}
}

// Open returns the live orchestrator for sessionID, creating it when the session exists in the
// repository but has none yet.
func (r *Registry) Open(ctx context.Context, sessionID core.SessionID) (*turn.Orchestrator, error) {
	if orchestrator, ok := r.Lookup(sessionID); ok {
		return orchestrator, nil
	}

	if _, err := r.repo.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if orchestrator, ok := r.orchestrators[sessionID]; ok {
		return orchestrator, nil
	}

	orchestrator := r.factory(sessionID)
	r.orchestrators[sessionID] = orchestrator

	return orchestrator, nil
}

// Create starts a new session in the repository and registers its orchestrator.
func (r *Registry) Create(ctx context.Context, projectID, title string, metadata map[string]string) (store.Session, *turn.Orchestrator, error) {
	sess, err := r.repo.CreateSession(ctx, projectID, title, metadata)
	if err != nil {
		return store.Session{}, nil, fmt.Errorf("create session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	orchestrator := r.factory(sess.ID)
	r.orchestrators[sess.ID] = orchestrator

	return sess, orchestrator, nil
}

func (r *Registry) Lookup(sessionID core.SessionID) (*turn.Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orchestrator, ok := r.orchestrators[sessionID]
	return orchestrator, ok
}

// Evict drops the cached orchestrator. The next Open builds a fresh one.
func (r *Registry) Evict(sessionID core.SessionID) {
	r.mu.Lock()
	delete(r.orchestrators, sessionID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orchestrators)
}

// Active lists the sessions with a live orchestrator, sorted by id.
func (r *Registry) Active() []core.SessionID {
	r.mu.Lock()
	ids := make([]core.SessionID, 0, len(r.orchestrators))
	for id := range r.orchestrators {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return ids
}
