package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/livesync/pkg/protocol"
)

// DefaultPingInterval is how often idle WebSocket peers are pinged.
const DefaultPingInterval = 30 * time.Second

const writeWait = 10 * time.Second

// WebSocket handles GET /api/v1/ws. Each text frame carries one protocol
// message; every reconnect request is answered with a reconnect_ack or an
// error message on the same connection.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		slog.Warn("websocket upgrade failed", "component", "api", "remote_ip", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	start := time.Now()
	id := ulid.Make().String()
	h.deps.Conns.Add(ConnRecord{ID: id, RemoteAddr: r.RemoteAddr, ConnectedAt: start})
	defer h.deps.Conns.Remove(id)

	ctx, cancel := context.WithCancel(WithConnID(r.Context(), id))
	defer cancel()

	slog.Info("websocket connected",
		"component", "api",
		"action", "ws_connect",
		"conn_id", id,
		"remote_ip", r.RemoteAddr,
	)

	pongWait := 2 * h.deps.PingInterval
	conn.SetReadLimit(MaxBodyBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.ping(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "component", "api", "conn_id", id, "error", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		reply := h.handleMessage(ctx, id, clientKey(r), data)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			slog.Debug("websocket write failed", "component", "api", "conn_id", id, "error", err)
			break
		}
	}

	slog.Info("websocket disconnected",
		"component", "api",
		"action", "ws_disconnect",
		"conn_id", id,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// ping keeps the peer's pong handler extending the read deadline.
// WriteControl is safe to call concurrently with the read loop's writes.
func (h *Handler) ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.deps.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleMessage answers one inbound frame.
func (h *Handler) handleMessage(ctx context.Context, connID, client string, data []byte) []byte {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errorMessage("", CodeInvalidRequest, "Invalid JSON")
	}
	if env.Type != protocol.TypeReconnect {
		return errorMessage("", CodeUnsupportedType, fmt.Sprintf("unsupported message type %q", env.Type))
	}

	var req protocol.ReconnectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errorMessage("", CodeInvalidRequest, fmt.Sprintf("Invalid JSON: %s", err))
	}
	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(client) {
		return errorMessage(req.ReconnectID, CodeRateLimited, "Rate limit exceeded")
	}
	h.deps.Conns.RecordReconnect(connID)

	body, _, err := h.processReconnect(ctx, req)
	if err != nil {
		_, code, detail := classifyReconnectError(err)
		return errorMessage(req.ReconnectID, code, detail)
	}
	return body
}

func errorMessage(reconnectID, code, message string) []byte {
	body, err := json.Marshal(protocol.ErrorMessage{
		Type:        protocol.TypeError,
		ReconnectID: reconnectID,
		Code:        code,
		Message:     message,
	})
	if err != nil {
		return []byte(`{"type":"error","code":"internal","message":"Internal Server Error"}`)
	}
	return body
}
