// Package entity tracks the identities (pipelines, nodes, channel endpoints)
// used to attribute telemetry. Handles travel on context.Context rather than
// in goroutine-local storage; every handle is released when its owner stops.
package entity

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/logger"
)

// Kind is the sort of runtime object an entity names
type Kind uint8

const (
	// KindPipeline is a pipeline replica
	KindPipeline Kind = iota + 1
	// KindNode is a node task
	KindNode
	// KindSender is the writing end of a channel
	KindSender
	// KindReceiver is the reading end of a channel
	KindReceiver
)

func (k Kind) String() string {
	switch k {
	case KindPipeline:
		return "pipeline"
	case KindNode:
		return "node"
	case KindSender:
		return "channel_sender"
	case KindReceiver:
		return "channel_receiver"
	}
	return "unknown"
}

// ID is an entity handle. Zero is never issued.
type ID uint64

// Entity describes a registered runtime object
type Entity struct {
	ID       ID     `json:"id"`
	Kind     Kind   `json:"-"`
	Pipeline string `json:"pipeline"`
	Node     string `json:"node,omitempty"`
	Core     int    `json:"core"`
	Port     string `json:"port,omitempty"`
	Parent   ID     `json:"parent,omitempty"`
}

// Fields returns the zap fields naming the entity
func (e Entity) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("pipeline", e.Pipeline),
		zap.Int("core", e.Core),
	}
	if e.Node != "" {
		fields = append(fields, zap.String("node", e.Node))
	}
	if e.Port != "" {
		fields = append(fields, zap.String("port", e.Port))
	}
	return fields
}

// CoreLabel returns the core as a metric label value
func (e Entity) CoreLabel() string {
	return strconv.Itoa(e.Core)
}

// Registry holds the live entities of an engine
type Registry struct {
	next atomic.Uint64
	mu   sync.RWMutex
	live map[ID]Entity
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{live: make(map[ID]Entity)}
}

// Register assigns an ID to e and records it as live
func (r *Registry) Register(e Entity) Entity {
	e.ID = ID(r.next.Add(1))
	r.mu.Lock()
	r.live[e.ID] = e
	r.mu.Unlock()
	return e
}

// Release forgets id. Releasing twice is a no-op.
func (r *Registry) Release(id ID) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// Get returns a live entity
func (r *Registry) Get(id ID) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[id]
	return e, ok
}

// Live returns the number of live entities
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// LiveOf returns the number of live entities of kind k
func (r *Registry) LiveOf(k Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.live {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// Snapshot returns the live entities ordered by ID
func (r *Registry) Snapshot() []Entity {
	r.mu.RLock()
	out := make([]Entity, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type ctxKey struct{}

// WithEntity returns a context carrying e. Loggers derived through
// logger.WithContext pick up the entity labels.
func WithEntity(ctx context.Context, e Entity) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, e)
	return logger.ContextWithFields(ctx, e.Fields()...)
}

// FromContext returns the innermost entity carried by ctx
func FromContext(ctx context.Context) (Entity, bool) {
	e, ok := ctx.Value(ctxKey{}).(Entity)
	return e, ok
}
