// Package hub implements the process-wide client registry. The Hub maps
// connection identifiers to the outbound sink drained by that connection's
// write pump, and delivers directed messages on a best-effort basis.
package hub

import (
	"log/slog"
	"sync"
)

// Sink receives outbound frames for one connection. *Queue implements Sink.
type Sink interface {
	Push(msg []byte) bool
	Close()
}

// Hub maintains the set of active clients. Mutations take the write lock;
// lookups and sends take the read lock, so a send never observes a partial
// registration.
type Hub struct {
	// clients maps connection identifiers to their outbound sinks.
	clients map[string]Sink

	mu sync.RWMutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]Sink)}
}

// Add registers sink for id. A sink already registered under id is closed
// and replaced.
func (h *Hub) Add(id string, sink Sink) {
	h.mu.Lock()
	prev, replaced := h.clients[id]
	h.clients[id] = sink
	n := len(h.clients)
	h.mu.Unlock()

	if replaced && prev != sink {
		prev.Close()
		slog.Warn("client replaced", "connection_id", id)
	}
	slog.Info("client registered",
		"connection_id", id,
		"connections", n,
	)
}

// Remove unregisters id and closes its sink. Removing an unknown id is a
// no-op.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	sink, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	sink.Close()
	slog.Info("client unregistered",
		"connection_id", id,
		"connections", n,
	)
}

// SendTo enqueues msg for id. It reports whether the message was accepted;
// a missing client or closed sink drops the message silently.
func (h *Hub) SendTo(id string, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sink, ok := h.clients[id]
	if !ok {
		return false
	}
	return sink.Push(msg)
}

// LookupClient returns the sink registered under id.
// It is safe for concurrent use.
func (h *Hub) LookupClient(id string) (Sink, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.clients[id]
	return s, ok
}

// ClientCount returns the number of currently registered clients.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll unregisters every client and closes its sink. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, sink := range h.clients {
		sink.Close()
		delete(h.clients, id)
	}
	h.mu.Unlock()
	slog.Info("hub stopped")
}
