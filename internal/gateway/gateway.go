// Package gateway runs the lifecycle of each client connection:
// authentication on the first frame, session creation, the inbound and
// outbound pumps, request routing to the inference backend, and teardown.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/hub"
)

const (
	defaultSessionTTL   = time.Hour
	defaultWriteTimeout = 10 * time.Second

	// teardownTimeout bounds best-effort session store calls that must run
	// even after the serving context is gone.
	teardownTimeout = 5 * time.Second
)

// Channel is an accepted bidirectional message channel. *websocket.Conn
// implements it.
type Channel interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// pinger is implemented by channels that support keepalive pings.
type pinger interface {
	Ping(ctx context.Context) error
}

// Authenticator validates the first frame of a connection.
type Authenticator interface {
	Authenticate(ctx context.Context, typ websocket.MessageType, data []byte) (auth.Identity, *auth.Rejection)
}

// SessionStore persists session records outside the process.
type SessionStore interface {
	Put(ctx context.Context, sessionID string, userID uint64, claims []byte, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// Broadcaster maps connection identifiers to outbound sinks.
type Broadcaster interface {
	Add(id string, sink hub.Sink)
	Remove(id string)
	SendTo(id string, msg []byte) bool
}

// Dispatcher runs one unit of backend work for a prompt.
type Dispatcher interface {
	Submit(ctx context.Context, prompt string) (string, error)
}

// Config tunes per-connection behaviour. Zero values take defaults, except
// HeartbeatInterval where zero disables keepalive pings.
type Config struct {
	SessionTTL        time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// Gateway serves connections. It is safe for concurrent use; every call to
// Serve handles one connection.
type Gateway struct {
	cfg      Config
	authn    Authenticator
	sessions SessionStore
	clients  Broadcaster
	backend  Dispatcher

	// conns tracks running Serve calls. tasks tracks detached work (backend
	// requests, async session deletes) that may outlive the connection that
	// started it. Tasks are only spawned from inside Serve, so once conns
	// drains no new task can be added.
	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
	tasks   sync.WaitGroup
}

// New creates a Gateway wired to its collaborators.
func New(cfg Config, authn Authenticator, sessions SessionStore, clients Broadcaster, backend Dispatcher) *Gateway {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Gateway{
		cfg:      cfg,
		authn:    authn,
		sessions: sessions,
		clients:  clients,
		backend:  backend,
	}
}

// Wait blocks until every running Serve call has returned and all detached
// work started by served connections has finished.
func (g *Gateway) Wait() {
	g.conns.Wait()
	g.tasks.Wait()
}

// Shutdown stops admitting connections and waits for the served ones and
// their detached work to finish, or for ctx to expire. Callers still have to
// end live connections, e.g. by cancelling the context passed to Serve.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit registers one Serve call unless the gateway is shutting down.
func (g *Gateway) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns.Add(1)
	return true
}

func (g *Gateway) spawn(fn func()) {
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		fn()
	}()
}
