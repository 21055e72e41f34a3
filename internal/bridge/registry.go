// Package bridge connects an ingest session to an egress session: it
// tracks active relays by key and pumps frames from one side to the
// other, re-encapsulating video for the outbound container.
package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/rtmpbridge/internal/egress"
	"github.com/zsiec/rtmpbridge/internal/ingest"
)

// Relay is one active ingest/egress pairing.
type Relay struct {
	Key       string
	StartedAt time.Time
	In        *ingest.Session
	Out       *egress.Session

	done chan struct{}
}

// Done is closed when the relay is removed from its registry.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Registry tracks the lifecycle of active relays, providing
// create/remove/list operations for the control surface.
type Registry struct {
	log    *slog.Logger
	mu     sync.RWMutex
	relays map[string]*Relay
}

// NewRegistry creates a relay registry. If log is nil, slog.Default()
// is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log.With("component", "bridge-registry"),
		relays: make(map[string]*Relay),
	}
}

// Create registers a relay for key. Returns the relay and true if
// created, or nil and false if a relay with this key already exists.
func (g *Registry) Create(key string, in *ingest.Session, out *egress.Session) (*Relay, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.relays[key]; ok {
		g.log.Warn("relay already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	r := &Relay{
		Key:       key,
		StartedAt: time.Now(),
		In:        in,
		Out:       out,
		done:      make(chan struct{}),
	}

	g.relays[key] = r
	g.log.Info("relay created", "key", key)
	return r, true
}

// Remove removes a relay from the registry and closes its Done channel.
func (g *Registry) Remove(key string) {
	g.mu.Lock()
	r, ok := g.relays[key]
	if ok {
		delete(g.relays, key)
	}
	g.mu.Unlock()

	if ok {
		close(r.done)
		g.log.Info("relay removed", "key", key)
	}
}

// Get returns the relay registered under key.
func (g *Registry) Get(key string) (*Relay, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.relays[key]
	return r, ok
}

// List returns all active relays.
func (g *Registry) List() []*Relay {
	g.mu.RLock()
	defer g.mu.RUnlock()

	relays := make([]*Relay, 0, len(g.relays))
	for _, r := range g.relays {
		relays = append(relays, r)
	}
	return relays
}
