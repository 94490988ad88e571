// Package ws pushes order events to browsers watching an order over Socket.IO.
package ws

import (
	"context"
	"fmt"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"

	"go_dbchange/internal/auth"
	"go_dbchange/internal/authz"
)

// AccessChecker reports whether the caller may watch the order
type AccessChecker func(ctx context.Context, caller authz.Caller, orderID int) error

// Hub 工单实时推送
type Hub struct {
	server *socketio.Server
	tokens *auth.TokenManager
	access AccessChecker
	logger *logrus.Entry
}

// Room returns the room name of an order
func Room(orderID int) string {
	return fmt.Sprintf("order:%d", orderID)
}

// NewHub creates the Socket.IO server and registers its handlers
func NewHub(tokens *auth.TokenManager, access AccessChecker, allowOrigin func(*http.Request) bool, logger *logrus.Entry) *Hub {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{CheckOrigin: allowOrigin},
			&websocket.Transport{CheckOrigin: allowOrigin},
		},
	})

	h := &Hub{
		server: server,
		tokens: tokens,
		access: access,
		logger: logger.WithField("component", "ws"),
	}

	server.OnConnect("/", h.onConnect)
	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		h.logger.WithFields(logrus.Fields{"conn": s.ID(), "reason": reason}).Debug("Client disconnected")
	})
	server.OnError("/", func(s socketio.Conn, e error) {
		if s == nil {
			h.logger.WithError(e).Warn("Socket.IO error")
			return
		}
		h.logger.WithError(e).WithField("conn", s.ID()).Warn("Socket.IO error")
	})
	server.OnEvent("/", "watch:order", h.onWatch)
	server.OnEvent("/", "unwatch:order", h.onUnwatch)
	return h
}

func (h *Hub) onConnect(s socketio.Conn) error {
	u := s.URL()
	caller, err := callerFromToken(h.tokens, extractToken(u.Query().Get, s.RemoteHeader()))
	if err != nil {
		return fmt.Errorf("unauthorized: %w", err)
	}
	s.SetContext(caller)
	h.logger.WithFields(logrus.Fields{"conn": s.ID(), "user": caller.Username}).Debug("Client connected")
	s.Emit("connected", map[string]interface{}{"ok": true})
	return nil
}

// orderIDFrom parses {"orderId": n} sent by the client
func orderIDFrom(data interface{}) int {
	m, ok := data.(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := m["orderId"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (h *Hub) onWatch(s socketio.Conn, data interface{}) {
	orderID := orderIDFrom(data)
	caller, ok := s.Context().(authz.Caller)
	if !ok || orderID <= 0 {
		s.Emit("error", map[string]interface{}{"message": "invalid watch request"})
		return
	}
	if h.access != nil {
		if err := h.access(context.Background(), caller, orderID); err != nil {
			s.Emit("error", map[string]interface{}{"message": err.Error(), "orderId": orderID})
			return
		}
	}
	s.Join(Room(orderID))
	s.Emit("watching", map[string]interface{}{"orderId": orderID})
}

func (h *Hub) onUnwatch(s socketio.Conn, data interface{}) {
	if orderID := orderIDFrom(data); orderID > 0 {
		s.Leave(Room(orderID))
	}
}

// BroadcastOrder sends an event to everyone watching the order
func (h *Hub) BroadcastOrder(orderID int, event string, payload any) bool {
	return h.server.BroadcastToRoom("/", Room(orderID), event, payload)
}

// Handler returns the authenticated HTTP handler of the Socket.IO server
func (h *Hub) Handler() http.Handler {
	return WrapWithAuth(h.server, h.tokens, h.logger)
}

// Serve runs the Socket.IO event loop in the background
func (h *Hub) Serve() {
	go func() {
		if err := h.server.Serve(); err != nil {
			h.logger.WithError(err).Error("Socket.IO server stopped")
		}
	}()
}

// Close stops the server
func (h *Hub) Close() error {
	return h.server.Close()
}
