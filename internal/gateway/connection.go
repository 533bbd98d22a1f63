package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/infergate/gateway/internal/auth"
	"github.com/infergate/gateway/internal/hub"
	"github.com/infergate/gateway/internal/protocol"
)

// conn is the state shared by the pumps of one authenticated connection.
type conn struct {
	g         *Gateway
	ch        Channel
	queue     *hub.Queue
	id        string
	sessionID string
	log       *slog.Logger
	router    *router
}

// Serve runs the full lifecycle of one accepted channel and returns once the
// channel is closed and its registry entry and session record are released.
func (g *Gateway) Serve(ctx context.Context, ch Channel, peer string) {
	if !g.admit() {
		_ = ch.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer g.conns.Done()

	connID := uuid.NewString()
	log := slog.With("connection_id", connID, "peer", peer)

	ident, ok := g.authenticate(ctx, ch, log)
	if !ok {
		_ = ch.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	sessionID := uuid.NewString()
	log = log.With("session_id", sessionID, "user_id", ident.UserID)

	if err := g.sessions.Put(ctx, sessionID, ident.UserID, ident.Claims, g.cfg.SessionTTL); err != nil {
		log.Error("failed to cache session", "error", err)
		g.writeDirect(ctx, ch, protocol.FatalFailure(
			protocol.StatusCacheError,
			fmt.Sprintf("Failed to cache user data: %v", err),
			http.StatusInternalServerError,
		), log)
		_ = ch.Close(websocket.StatusInternalError, "session store unavailable")
		return
	}

	queue := hub.NewQueue()
	g.clients.Add(connID, queue)
	g.writeDirect(ctx, ch, protocol.SessionCreated(sessionID, ident.UserID), log)
	log.Info("session created")

	c := &conn{
		g:         g,
		ch:        ch,
		queue:     queue,
		id:        connID,
		sessionID: sessionID,
		log:       log,
	}
	c.router = &router{g: g, connID: connID, sessionID: sessionID, log: log}
	c.run(ctx)

	log.Info("connection closed")
}

// authenticate reads exactly one frame and validates it. On failure it has
// already sent the single terminal error envelope.
func (g *Gateway) authenticate(ctx context.Context, ch Channel, log *slog.Logger) (auth.Identity, bool) {
	typ, data, err := ch.Read(ctx)
	if err != nil {
		if isEndOfStream(err) {
			log.Info("connection closed before first message")
			g.writeDirect(ctx, ch, protocol.FatalFailure(
				protocol.StatusNoMessage,
				"No initial message received",
				http.StatusBadRequest,
			), log)
			return auth.Identity{}, false
		}
		log.Warn("failed to read first message", "error", err)
		g.writeDirect(ctx, ch, protocol.FatalFailure(
			protocol.StatusConnectionError,
			fmt.Sprintf("Failed to read message: %v", err),
			http.StatusBadRequest,
		), log)
		return auth.Identity{}, false
	}

	ident, rej := g.authn.Authenticate(ctx, typ, data)
	if rej != nil {
		log.Warn("authentication failed", "code", rej.Code, "reason", rej.Message)
		g.writeDirect(ctx, ch, protocol.FatalFailure(
			protocol.StatusAuthenticationFailed,
			rej.Message,
			rej.Code,
		), log)
		return auth.Identity{}, false
	}

	log.Info("authentication succeeded", "user_id", ident.UserID)
	return ident, true
}

// writeDirect writes to the channel outside the pumps. Only used before the
// pumps start.
func (g *Gateway) writeDirect(ctx context.Context, ch Channel, msg []byte, log *slog.Logger) {
	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	if err := ch.Write(wctx, websocket.MessageText, msg); err != nil {
		log.Debug("direct write failed", "error", err)
	}
}

// run starts both pumps and returns once both have exited.
func (c *conn) run(ctx context.Context) {
	inboundDone := make(chan struct{})
	outboundDone := make(chan struct{})

	go func() {
		defer close(inboundDone)
		c.readPump(ctx)
	}()
	go func() {
		defer close(outboundDone)
		c.writePump(ctx)
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	if p, ok := c.ch.(pinger); ok && c.g.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(hbCtx, p)
	}

	select {
	case <-inboundDone:
		// Teardown closed the queue; the write pump flushes what is left
		// (e.g. the disconnect acknowledgement) and exits on its own.
		select {
		case <-outboundDone:
		case <-time.After(c.g.cfg.WriteTimeout):
			c.log.Warn("outbound drain timed out")
		}
	case <-outboundDone:
	}

	stopHeartbeat()
	// Closing the channel makes a still-running read pump fail its next
	// read and run its teardown.
	_ = c.ch.Close(websocket.StatusNormalClosure, "")
	<-inboundDone
	<-outboundDone
}

// readPump reads frames until the peer closes, a read fails, or the router
// asks to stop. It always deregisters the client and deletes the session on
// exit.
func (c *conn) readPump(ctx context.Context) {
	defer c.teardown()

	for {
		typ, data, err := c.ch.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.log.Info("peer closed connection", "status", status)
			} else {
				c.log.Debug("read failed", "error", err)
			}
			return
		}

		if typ != websocket.MessageText {
			c.g.clients.SendTo(c.id, protocol.Failure(
				protocol.StatusInvalidMessage,
				"Only text messages are supported",
			))
			continue
		}

		if stop := c.router.route(ctx, data); stop {
			return
		}
	}
}

// writePump drains the outbound queue into the channel. A write failure
// ends the pump; so does a closed and drained queue.
func (c *conn) writePump(ctx context.Context) {
	for {
		msg, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}

		wctx, cancel := context.WithTimeout(ctx, c.g.cfg.WriteTimeout)
		err = c.ch.Write(wctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			c.log.Debug("write failed", "error", err)
			return
		}
	}
}

func (c *conn) teardown() {
	c.g.clients.Remove(c.id)

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.g.sessions.Delete(ctx, c.sessionID); err != nil {
		c.log.Warn("failed to remove session", "error", err)
	}
}

func (c *conn) heartbeat(ctx context.Context, p pinger) {
	ticker := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.g.cfg.WriteTimeout)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Info("heartbeat failed", "error", err)
				_ = c.ch.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) || websocket.CloseStatus(err) != -1
}
