package publisher

import (
	"sync"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
)

// Registry maps a bus.StreamKey to the Publisher wrapping it. It is shared
// across every peer session, so a publisher on one connection and a
// listener on another see the same Publisher for a given stream name.
type Registry struct {
	mu      sync.Mutex
	byKey   map[bus.StreamKey]*Publisher
	streams *bus.Registry
	log     *zap.Logger
}

// NewRegistry creates a Registry backed by streams for key lookup.
func NewRegistry(streams *bus.Registry, log *zap.Logger) *Registry {
	return &Registry{
		byKey:   make(map[bus.StreamKey]*Publisher),
		streams: streams,
		log:     log,
	}
}

// GetOrCreate returns the Publisher for key, creating its bus.Stream and
// wrapper on first reference.
func (r *Registry) GetOrCreate(key bus.StreamKey) *Publisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byKey[key]; ok {
		return p
	}
	stream, _ := r.streams.GetOrCreate(key)
	p := New(stream, r.log)
	r.byKey[key] = p
	return p
}

// Get returns the Publisher for key, or nil if no one has published or
// played it yet.
func (r *Registry) Get(key bus.StreamKey) *Publisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[key]
}

// RemoveIfIdle drops key's Publisher once it has neither a publisher nor
// listeners attached.
func (r *Registry) RemoveIfIdle(key bus.StreamKey) {
	r.mu.Lock()
	p, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	idle := !p.Stream().HasPublisher() && p.ListenerCount() == 0
	if idle {
		delete(r.byKey, key)
	}
	r.mu.Unlock()

	if idle {
		r.streams.RemoveIfEmpty(key)
	}
}
