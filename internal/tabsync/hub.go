// Package tabsync is an in-process broadcast channel. Each scheduler instance
// joins the hub and receives every message published by the other members,
// never its own.
package tabsync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned when publishing or subscribing on a closed endpoint.
var ErrClosed = errors.New("tabsync: endpoint closed")

// Hub fans payloads out to its endpoints.
type Hub struct {
	name   string
	logger *zap.Logger

	mu        sync.RWMutex
	endpoints map[uint64]*Endpoint
	nextID    uint64
}

// NewHub creates a hub for the named channel.
func NewHub(name string, logger *zap.Logger) *Hub {
	return &Hub{
		name:      name,
		logger:    logger,
		endpoints: make(map[uint64]*Endpoint),
	}
}

// Join adds a new endpoint to the hub.
func (h *Hub) Join() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	e := &Endpoint{hub: h, id: h.nextID, handlers: make(map[uint64]func([]byte))}
	h.endpoints[e.id] = e
	return e
}

// Members reports how many endpoints are joined.
func (h *Hub) Members() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

func (h *Hub) leave(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, id)
}

func (h *Hub) peers(self uint64) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Endpoint, 0, len(h.endpoints))
	for id, e := range h.endpoints {
		if id != self {
			out = append(out, e)
		}
	}
	return out
}

// Endpoint is one member's view of the hub.
type Endpoint struct {
	hub *Hub
	id  uint64

	mu       sync.Mutex
	handlers map[uint64]func([]byte)
	nextH    uint64
	closed   bool
}

// Publish delivers payload to every other endpoint's handlers. Delivery is
// synchronous and unacknowledged; each handler gets its own copy.
func (e *Endpoint) Publish(ctx context.Context, payload []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	peers := e.hub.peers(e.id)
	for _, p := range peers {
		p.deliver(payload)
	}

	e.hub.logger.Debug("tab message published",
		zap.String("channel", e.hub.name),
		zap.Int("receivers", len(peers)),
	)
	return nil
}

// Subscribe registers fn for incoming payloads and returns its cancel func.
func (e *Endpoint) Subscribe(fn func([]byte)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	e.nextH++
	id := e.nextH
	e.handlers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}, nil
}

// Close leaves the hub and drops all handlers.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.handlers = map[uint64]func([]byte){}
	e.mu.Unlock()

	e.hub.leave(e.id)
	return nil
}

func (e *Endpoint) deliver(payload []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	handlers := make([]func([]byte), 0, len(e.handlers))
	for _, fn := range e.handlers {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()

	for _, fn := range handlers {
		fn(append([]byte(nil), payload...))
	}
}
