// Package inproc implements the engine operation contract entirely in
// process: two link handles created from the same Engine find each other
// through a TSAP rendezvous and exchange data blocks over channels. It
// stands in for the wire-level transport during tests and wherever both
// partners live in one process.
//
// Passive links register themselves in the rendezvous under their local TSAP
// with a keep-alive TTL and refresh the registration periodically; active
// links poll the rendezvous until they find a listener or are stopped. A
// registration that is not refreshed ages out, so a dead listener cannot be
// linked to.
package inproc

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cyberinferno/s7partner/engine"
	"github.com/cyberinferno/s7partner/logger"
	"github.com/cyberinferno/s7partner/safemap"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and its links. The default
// discards all output.
//
// Parameters:
//   - log: The logger to use
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine is an in-process transport engine. One Engine value is one
// "network": links created from it can only reach each other.
type Engine struct {
	log       logger.Logger
	links     *safemap.SafeMap[uint32, *link]
	listeners *cache.Cache
	nextID    atomic.Uint32
}

// NewEngine creates an in-process engine with no links.
//
// Parameters:
//   - opts: Optional configuration (e.g. WithLogger)
//
// Returns:
//   - The new Engine
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:       logger.NewNopLogger(),
		links:     safemap.NewSafeMap[uint32, *link](),
		listeners: cache.New(cache.NoExpiration, time.Minute),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Create allocates a new link handle for the given role.
//
// Parameters:
//   - role: engine.RoleActive or engine.RolePassive
//
// Returns:
//   - The new handle; in-process allocation cannot fail
func (e *Engine) Create(role engine.Role) (engine.Handle, error) {
	id := e.nextID.Add(1)
	l := newLink(e, id, role)
	e.links.Store(id, l)

	e.log.Debug("link created",
		logger.Field{Key: "handle", Value: id},
		logger.Field{Key: "role", Value: role.String()})
	return l, nil
}

// LinkCount returns the number of live (not yet destroyed) links.
//
// Returns:
//   - The number of links currently allocated from this engine
func (e *Engine) LinkCount() int {
	return e.links.Len()
}

// listenerKey is the rendezvous key a passive link registers under.
func listenerKey(tsap uint16) string {
	return "tsap:" + strconv.Itoa(int(tsap))
}
