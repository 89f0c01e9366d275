package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/internal/state"
	"github.com/hyperengineering/livesync/pkg/digest"
	"github.com/hyperengineering/livesync/pkg/patch"
	"github.com/hyperengineering/livesync/pkg/protocol"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 4 << 20

// DefaultMaxSubscriptions bounds the subscriptions of a single reconnect.
const DefaultMaxSubscriptions = 10000

// EntityStore is the canonical state the entity endpoints read and write.
type EntityStore interface {
	Get(entity, entityID string) (state.Snapshot, error)
	Set(entity, entityID string, data map[string]any) (state.Change, error)
	Apply(entity, entityID string, ops []patch.Operation) (state.Change, error)
	Delete(entity, entityID string) (state.Change, error)
	Len() int
}

// LogStats reports operation log retention.
type LogStats interface {
	Stats() oplog.Stats
}

// Reconciler answers reconnect requests.
type Reconciler interface {
	Available() bool
	Handle(ctx context.Context, req protocol.ReconnectRequest) (*protocol.ReconnectAck, error)
}

// Deps are the collaborators of a Handler. Replay, Conns and Limiter are
// optional.
type Deps struct {
	Entities   EntityStore
	Log        LogStats
	Reconciler Reconciler
	Replay     *ReplayCache
	Conns      *ConnTable
	Limiter    *RateLimiter

	MaxSubscriptions int
	PingInterval     time.Duration
}

// Handler implements the API handlers
type Handler struct {
	deps     Deps
	apiKey   string
	version  string
	upgrader websocket.Upgrader
}

// NewHandler creates a new Handler
func NewHandler(deps Deps, apiKey, version string) *Handler {
	if deps.Conns == nil {
		deps.Conns = NewConnTable()
	}
	if deps.MaxSubscriptions <= 0 {
		deps.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = DefaultPingInterval
	}
	return &Handler{
		deps:    deps,
		apiKey:  apiKey,
		version: version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Entities    int    `json:"entities"`
	Connections int    `json:"connections"`
	Reconnect   string `json:"reconnect"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Connections: h.deps.Conns.Len(),
		Reconnect:   "available",
	}
	if h.deps.Entities != nil {
		resp.Entities = h.deps.Entities.Len()
	}
	if h.deps.Reconciler == nil || !h.deps.Reconciler.Available() {
		resp.Reconnect = "unavailable"
	}
	writeJSON(w, http.StatusOK, resp)
}

// EntityResponse is the body of GET /entities/{entity}/{id}.
type EntityResponse struct {
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Version  int64          `json:"version"`
	Data     map[string]any `json:"data"`
	Hash     string         `json:"hash"`
}

// ChangeResponse is the body returned by entity mutations.
type ChangeResponse struct {
	Version int64             `json:"version"`
	Patch   []patch.Operation `json:"patch"`
}

// GetEntity handles GET /api/v1/entities/{entity}/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, id := chi.URLParam(r, "entity"), chi.URLParam(r, "id")

	snap, err := h.deps.Entities.Get(entity, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	hash, err := digest.HashEntityState(snap.Data)
	if err != nil {
		slog.Error("failed to hash entity", "component", "api", "entity", entity, "entity_id", id, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, EntityResponse{
		Entity:   entity,
		EntityID: id,
		Version:  snap.Version,
		Data:     snap.Data,
		Hash:     hash,
	})
}

// PutEntity handles PUT /api/v1/entities/{entity}/{id}
func (h *Handler) PutEntity(w http.ResponseWriter, r *http.Request) {
	entity, id := chi.URLParam(r, "entity"), chi.URLParam(r, "id")

	var data map[string]any
	if !decodeBody(w, r, &data) {
		return
	}
	if data == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Body must be a JSON object")
		return
	}

	change, err := h.deps.Entities.Set(entity, id, data)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	logChange("entity_set", change)
	writeJSON(w, http.StatusOK, ChangeResponse{Version: change.Version, Patch: nonNilOps(change.Patch)})
}

// PatchEntity handles PATCH /api/v1/entities/{entity}/{id}
func (h *Handler) PatchEntity(w http.ResponseWriter, r *http.Request) {
	entity, id := chi.URLParam(r, "entity"), chi.URLParam(r, "id")

	var ops []patch.Operation
	if !decodeBody(w, r, &ops) {
		return
	}

	change, err := h.deps.Entities.Apply(entity, id, ops)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	logChange("entity_patch", change)
	writeJSON(w, http.StatusOK, ChangeResponse{Version: change.Version, Patch: nonNilOps(change.Patch)})
}

// DeleteEntity handles DELETE /api/v1/entities/{entity}/{id}
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entity, id := chi.URLParam(r, "entity"), chi.URLParam(r, "id")

	change, err := h.deps.Entities.Delete(entity, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	logChange("entity_delete", change)
	w.WriteHeader(http.StatusNoContent)
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Entities      int         `json:"entities"`
	OpLog         oplog.Stats `json:"oplog"`
	Connections   int         `json:"connections"`
	CachedReplays int         `json:"cached_replays"`
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Connections:   h.deps.Conns.Len(),
		CachedReplays: h.deps.Replay.Len(),
	}
	if h.deps.Entities != nil {
		resp.Entities = h.deps.Entities.Len()
	}
	if h.deps.Log != nil {
		resp.OpLog = h.deps.Log.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody decodes a bounded JSON body into v, writing a 400 or 413
// problem on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, "Could not read request body")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func logChange(action string, c state.Change) {
	slog.Info("entity changed",
		"component", "api",
		"action", action,
		"entity_key", c.Key,
		"version", c.Version,
		"ops", len(c.Patch),
	)
}

func nonNilOps(ops []patch.Operation) []patch.Operation {
	if ops == nil {
		return []patch.Operation{}
	}
	return ops
}
