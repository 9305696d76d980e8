// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRegistry mirrors the redis registry for in-process deployments and
// tests. TTLs are enforced lazily on read.
type memoryRegistry struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	opts    options
	now     func() time.Time
}

type memoryEntry struct {
	call      Call
	expiresAt time.Time
}

// NewMemoryRegistry creates the in-memory registry.
func NewMemoryRegistry(opts ...Option) Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &memoryRegistry{
		entries: make(map[string]*memoryEntry),
		opts:    o,
		now:     time.Now,
	}
}

func (r *memoryRegistry) live(id string) (*memoryEntry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if r.now().After(e.expiresAt) {
		delete(r.entries, id)
		return nil, false
	}
	return e, true
}

func (r *memoryRegistry) Register(_ context.Context, call *Call) error {
	if call.Status == "" {
		call.Status = StatusActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[call.InteractionID] = &memoryEntry{
		call:      *call,
		expiresAt: r.now().Add(r.opts.callTTL),
	}
	return nil
}

func (r *memoryRegistry) Touch(_ context.Context, interactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live(interactionID); ok {
		e.call.LastActivityMs = r.now().UnixMilli()
		e.expiresAt = r.now().Add(r.opts.callTTL)
	}
	return nil
}

func (r *memoryRegistry) End(_ context.Context, interactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live(interactionID); ok {
		e.call.Status = StatusEnded
		e.expiresAt = r.now().Add(r.opts.endedTTL)
	}
	return nil
}

func (r *memoryRegistry) Get(_ context.Context, interactionID string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live(interactionID)
	if !ok {
		return nil, ErrCallNotFound
	}
	call := e.call
	return &call, nil
}

func (r *memoryRegistry) ListActive(_ context.Context, limit int) ([]*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var calls []*Call
	for id := range r.entries {
		if e, ok := r.live(id); ok && e.call.IsActive() {
			call := e.call
			calls = append(calls, &call)
		}
	}
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].LastActivityMs > calls[j].LastActivityMs
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}
