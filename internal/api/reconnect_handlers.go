package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hyperengineering/livesync/internal/reconnect"
	"github.com/hyperengineering/livesync/pkg/protocol"
)

// Error codes carried by protocol.ErrorMessage.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnsupportedType = "unsupported_type"
	CodeRateLimited     = "rate_limited"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// Reconnect handles POST /api/v1/reconnect
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req protocol.ReconnectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	body, replayed, err := h.processReconnect(r.Context(), req)
	if err != nil {
		status, _, detail := classifyReconnectError(err)
		WriteReconnectProblem(w, r, status, detail, req.ReconnectID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	w.Write(body)

	slog.Info("reconnect served",
		"component", "api",
		"action", "reconnect",
		"reconnect_id", req.ReconnectID,
		"subscriptions", len(req.Subscriptions),
		"replayed", replayed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// processReconnect validates req and returns the encoded acknowledgement,
// reporting whether it came from the replay cache.
func (h *Handler) processReconnect(ctx context.Context, req protocol.ReconnectRequest) ([]byte, bool, error) {
	if err := reconnect.Validate(req); err != nil {
		return nil, false, err
	}
	if n := len(req.Subscriptions); n > h.deps.MaxSubscriptions {
		return nil, false, fmt.Errorf("%w: %d subscriptions exceeds limit of %d",
			reconnect.ErrInvalidRequest, n, h.deps.MaxSubscriptions)
	}

	if cached, ok := h.deps.Replay.Get(req.ReconnectID); ok {
		slog.Info("reconnect idempotent replay",
			"component", "api",
			"action", "reconnect_replay",
			"reconnect_id", req.ReconnectID,
			"conn_id", ConnIDFromContext(ctx),
		)
		return cached, true, nil
	}

	if h.deps.Reconciler == nil {
		return nil, false, &protocol.ReconnectError{ReconnectID: req.ReconnectID, Err: reconnect.ErrUnavailable}
	}
	ack, err := h.deps.Reconciler.Handle(ctx, req)
	if err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(ack)
	if err != nil {
		return nil, false, fmt.Errorf("encode reconnect ack: %w", err)
	}
	h.deps.Replay.Put(req.ReconnectID, body)
	return body, false, nil
}

// classifyReconnectError maps a reconnect failure to an HTTP status, a
// protocol error code and a client-safe message.
func classifyReconnectError(err error) (int, string, string) {
	switch {
	case errors.Is(err, reconnect.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest, err.Error()
	case errors.Is(err, reconnect.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeUnavailable, "Reconnect reconciliation unavailable"
	default:
		slog.Error("reconnect failed", "component", "api", "error", err)
		return http.StatusInternalServerError, CodeInternal, "Internal Server Error"
	}
}
