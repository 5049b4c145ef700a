package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/connection"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/router"
)

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, "invalid session id", nil)
		return
	}
	identity, err := s.Sessions.Resolve(sessionID)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, err.Error(), nil)
		return
	}
	if identity.UserID != p.UserID {
		writeJSON(w, http.StatusForbidden, "session belongs to another user", nil)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		writeJSON(w, http.StatusServiceUnavailable, "too many connections", nil)
		return
	}
	defer func() { <-s.sem }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Upgrade failed for session %s: %v", sessionID, err)
		return
	}

	c := connection.NewConnection(conn, sessionID, writeWait)
	if previous, replaced := s.Connections.AddConnection(c); replaced {
		logger.WarnF("[%s] Session %s reconnected, closing old connection", previous.ConnID, sessionID)
		previous.Close(websocket.ClosePolicyViolation, "replaced by a new connection")
	}
	s.handleConnection(context.WithoutCancel(r.Context()), c, p.UserID)
}

// handleConnection reads frames one at a time until the client goes away, so
// frames of one connection are applied in order. Only frames naming the
// connection's own session and user are accepted.
func (s *Server) handleConnection(ctx context.Context, c *connection.Connection, userID uuid.UUID) {
	bound := router.BoundTo(c.SessionID, userID)
	done := make(chan struct{})
	defer func() {
		close(done)
		logger.DebugF("[%s] Connection closed", c.ConnID)
		if s.Connections.RemoveConnection(c) {
			_ = s.Sessions.Close(c.SessionID)
		}
		c.Close(websocket.CloseNormalClosure, "")
	}()

	c.Conn.SetReadLimit(maxFrameSize)
	_ = c.Conn.SetReadDeadline(s.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(s.Now().Add(pongWait))
	})
	go s.keepAlive(c, done)

	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			connection.HandleReadError(c.ConnID, err)
			return
		}
		_ = c.Conn.SetReadDeadline(s.Now().Add(pongWait))

		logger.DebugF("[%s] Receive frame, %d bytes", c.ConnID, len(payload))
		if err := s.Router.Dispatch(ctx, c, payload, bound); err != nil {
			var applyErr *router.ApplyError
			if !errors.As(err, &applyErr) {
				logger.WarnF("[%s] Fail to reply, details: %v", c.ConnID, err)
				return
			}
			logger.ErrorF("[%s] %v", c.ConnID, applyErr)
			if err := c.WriteFrame(protocol.ErrorFor(applyErr.Frame, protocol.ReasonInternal)); err != nil {
				return
			}
		}
	}
}

func (s *Server) keepAlive(c *connection.Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				if !connection.IsNetClosedError(err) {
					logger.WarnF("[%s] Fail to send ping, details: %v", c.ConnID, err)
				}
				return
			}
		}
	}
}
