// Package reconnect decides, per subscription, what a reconnecting client
// needs to become current: nothing, the patches it missed, a full snapshot,
// or word that the entity is gone.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/livesync/internal/metrics"
	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/pkg/digest"
	"github.com/hyperengineering/livesync/pkg/patch"
	"github.com/hyperengineering/livesync/pkg/protocol"
)

var (
	// ErrUnavailable indicates the server has no log or state to reconcile against.
	ErrUnavailable = errors.New("reconciliation unavailable")
	// ErrInvalidRequest indicates a malformed reconnect request.
	ErrInvalidRequest = errors.New("invalid reconnect request")
)

// DefaultWorkers bounds how many subscriptions of one batch are evaluated at once.
const DefaultWorkers = 8

// StateSource exposes canonical entity state.
type StateSource interface {
	Lookup(entity, entityID string) (data map[string]any, version int64, ok bool)
}

// History exposes the operation log.
type History interface {
	GetSince(key string, fromVersion int64) []oplog.Entry
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets the per-batch concurrency. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithClock overrides the time source used for ack timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator reconciles reconnect requests. It holds no per-request state
// and is safe for concurrent use.
type Coordinator struct {
	state   StateSource
	history History
	workers int
	now     func() time.Time
}

// New creates a coordinator. Either source may be nil, in which case every
// request fails with ErrUnavailable.
func New(state StateSource, history History, opts ...Option) *Coordinator {
	c := &Coordinator{
		state:   state,
		history: history,
		workers: DefaultWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether the coordinator can reconcile.
func (c *Coordinator) Available() bool {
	return c.state != nil && c.history != nil
}

// Reconcile evaluates one subscription against current server state.
func (c *Coordinator) Reconcile(sub protocol.ReconnectSubscription) protocol.ReconnectResult {
	result := protocol.ReconnectResult{
		ID:       sub.ID,
		Entity:   sub.Entity,
		EntityID: sub.EntityID,
	}

	data, version, ok := c.state.Lookup(sub.Entity, sub.EntityID)
	if !ok {
		result.Status = protocol.StatusDeleted
		result.Version = 0
		return result
	}
	result.Version = version

	if sub.Version >= version {
		if sub.DataHash != "" && !hashMatches(sub.DataHash, data) {
			result.Status = protocol.StatusSnapshot
			result.Data = data
			return result
		}
		result.Status = protocol.StatusCurrent
		return result
	}

	entries := c.history.GetSince(sub.EntityKey(), sub.Version)
	if len(entries) == 0 {
		result.Status = protocol.StatusSnapshot
		result.Data = data
		return result
	}

	// The log may already hold versions newer than the state read above.
	patches := make([][]patch.Operation, 0, len(entries))
	for _, e := range entries {
		if e.Version > version {
			break
		}
		patches = append(patches, e.Patch)
	}
	if len(patches) == 0 {
		result.Status = protocol.StatusSnapshot
		result.Data = data
		return result
	}
	result.Status = protocol.StatusPatched
	result.Patches = patches
	return result
}

// ReconcileAll evaluates every subscription, concurrently, and returns one
// result per subscription in request order.
func (c *Coordinator) ReconcileAll(ctx context.Context, subs []protocol.ReconnectSubscription) ([]protocol.ReconnectResult, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	results := make([]protocol.ReconnectResult, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i := range subs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.Reconcile(subs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Handle answers a reconnect request. Any failure is returned as a
// *protocol.ReconnectError carrying the request's reconnect id.
func (c *Coordinator) Handle(ctx context.Context, req protocol.ReconnectRequest) (*protocol.ReconnectAck, error) {
	start := c.now()

	results, err := c.ReconcileAll(ctx, req.Subscriptions)
	if err != nil {
		metrics.ReconnectFailures.Inc()
		slog.Warn("reconnect failed",
			"component", "reconnect",
			"action", "reconnect_failed",
			"reconnect_id", req.ReconnectID,
			"subscriptions", len(req.Subscriptions),
			"error", err,
		)
		return nil, &protocol.ReconnectError{ReconnectID: req.ReconnectID, Err: err}
	}

	end := c.now()
	elapsed := end.Sub(start)

	statuses := make([]string, len(results))
	counts := make(map[protocol.Status]int, 4)
	for i, r := range results {
		statuses[i] = string(r.Status)
		counts[r.Status]++
	}
	metrics.RecordReconnect(statuses, elapsed)

	slog.Debug("reconnect completed",
		"component", "reconnect",
		"action", "reconnect_completed",
		"reconnect_id", req.ReconnectID,
		"subscriptions", len(results),
		"current", counts[protocol.StatusCurrent],
		"patched", counts[protocol.StatusPatched],
		"snapshot", counts[protocol.StatusSnapshot],
		"deleted", counts[protocol.StatusDeleted],
		"duration_ms", elapsed.Milliseconds(),
	)

	return &protocol.ReconnectAck{
		Type:           protocol.TypeReconnectAck,
		Results:        results,
		ServerTime:     end.UnixMilli(),
		ReconnectID:    req.ReconnectID,
		ProcessingTime: elapsed.Milliseconds(),
	}, nil
}

// Validate rejects requests the coordinator cannot interpret.
func Validate(req protocol.ReconnectRequest) error {
	if req.Type != protocol.TypeReconnect {
		return fmt.Errorf("%w: type %q", ErrInvalidRequest, req.Type)
	}
	if req.ReconnectID == "" {
		return fmt.Errorf("%w: reconnectId is required", ErrInvalidRequest)
	}
	if req.ProtocolVersion != protocol.Version {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidRequest, req.ProtocolVersion)
	}
	for i, sub := range req.Subscriptions {
		switch {
		case sub.ID == "":
			return fmt.Errorf("%w: subscriptions[%d].id is required", ErrInvalidRequest, i)
		case sub.Entity == "":
			return fmt.Errorf("%w: subscriptions[%d].entity is required", ErrInvalidRequest, i)
		case !protocol.ValidEntityName(sub.Entity):
			return fmt.Errorf("%w: subscriptions[%d].entity must not contain %q", ErrInvalidRequest, i, protocol.KeySeparator)
		case sub.EntityID == "":
			return fmt.Errorf("%w: subscriptions[%d].entityId is required", ErrInvalidRequest, i)
		case sub.Version < 0:
			return fmt.Errorf("%w: subscriptions[%d].version must not be negative", ErrInvalidRequest, i)
		}
	}
	return nil
}

func hashMatches(clientHash string, data map[string]any) bool {
	serverHash, err := digest.HashEntityState(data)
	if err != nil {
		return false
	}
	return serverHash == clientHash
}
