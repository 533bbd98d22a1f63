package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/infergate/gateway/internal/protocol"
)

// router classifies text frames for one connection and acts on them.
// Backend work is handed off so routing never blocks the read pump.
type router struct {
	g         *Gateway
	connID    string
	sessionID string
	log       *slog.Logger
}

// route handles one text frame and reports whether the read pump should
// stop after it.
func (r *router) route(ctx context.Context, data []byte) (stop bool) {
	req := protocol.Classify(data)

	switch req.Kind {
	case protocol.KindDisconnect:
		if req.SessionID != r.sessionID {
			// Mismatched disconnects are ignored without a response.
			r.log.Debug("ignoring disconnect for another session", "requested_session_id", req.SessionID)
			return false
		}
		r.deleteSessionAsync()
		r.send(protocol.Success(protocol.StatusDisconnected, "Successfully disconnected"))
		r.log.Info("client requested disconnect")
		return true

	case protocol.KindStartConnection:
		r.send(protocol.Failure(protocol.StatusInvalidRequest, "Already connected"))

	case protocol.KindAIRequest:
		r.dispatch(ctx, req.Prompt)

	default:
		r.send(protocol.Failure(protocol.StatusInvalidRequest, "Unknown request type"))
	}
	return false
}

func (r *router) send(msg []byte) {
	if !r.g.clients.SendTo(r.connID, msg) {
		r.log.Debug("dropped message for unregistered client")
	}
}

// dispatch submits prompt on a detached goroutine. The result is posted
// through the broadcaster, so a connection that has gone away simply drops
// it.
func (r *router) dispatch(ctx context.Context, prompt string) {
	g, connID, log := r.g, r.connID, r.log
	g.spawn(func() {
		out, err := g.backend.Submit(ctx, prompt)
		if err != nil {
			log.Warn("backend request failed", "error", err)
			g.clients.SendTo(connID, protocol.Failure(
				protocol.StatusAIError,
				fmt.Sprintf("AI processing failed: %v", err),
			))
			return
		}
		g.clients.SendTo(connID, protocol.Success(protocol.StatusSuccess, out))
	})
}

func (r *router) deleteSessionAsync() {
	g, sessionID, log := r.g, r.sessionID, r.log
	g.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := g.sessions.Delete(ctx, sessionID); err != nil {
			log.Warn("failed to remove session on disconnect", "error", err)
		}
	})
}
