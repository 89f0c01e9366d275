package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/livesync/pkg/digest"
	"github.com/hyperengineering/livesync/pkg/patch"
	"github.com/hyperengineering/livesync/pkg/protocol"
	"github.com/hyperengineering/livesync/pkg/selection"
)

// ErrEntityDeleted is delivered to subscribers when the server reports their
// entity no longer exists.
var ErrEntityDeleted = errors.New("entity deleted")

// Endpoint identifies one live, possibly parameterized entity instance.
type Endpoint struct {
	Key      string
	Entity   string
	EntityID string
	Input    map[string]any
}

// Transport opens and closes network subscriptions. Subscribe is also used
// to replace the selection of an open subscription.
type Transport interface {
	Subscribe(ctx context.Context, ep Endpoint, sel selection.Selection) error
	Unsubscribe(ctx context.Context, ep Endpoint) error
}

type endpointState struct {
	Endpoint
	version int64
	data    map[string]any
}

// Manager drives a Transport from subscriber changes and keeps the latest
// known version and value of every endpoint.
type Manager struct {
	registry  *Registry
	transport Transport
	now       func() time.Time

	mu        sync.Mutex
	endpoints map[string]*endpointState
	// keyLocks serializes registry changes and transport calls per endpoint.
	keyLocks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a manager using t for network subscriptions.
func NewManager(t Transport) *Manager {
	return &Manager{
		registry:  NewRegistry(),
		transport: t,
		now:       time.Now,
		endpoints: make(map[string]*endpointState),
		keyLocks:  make(map[string]*keyLock),
	}
}

// lockKey holds the endpoint's lock until the returned func is called.
func (m *Manager) lockKey(key string) func() {
	m.mu.Lock()
	kl, ok := m.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		m.keyLocks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		m.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.keyLocks, key)
		}
		m.mu.Unlock()
	}
}

// Registry exposes the underlying selection registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Subscription is a handle for one local subscriber.
type Subscription struct {
	ID          string
	EndpointKey string
	m           *Manager
}

// Unsubscribe removes the subscriber, closing or shrinking the network
// subscription when needed.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.m.unsubscribe(ctx, s.EndpointKey, s.ID)
}

// Subscribe registers a subscriber for the given fields of an entity. A
// subscriber joining an endpoint that already holds data receives it
// immediately.
func (m *Manager) Subscribe(ctx context.Context, entity, entityID string, input map[string]any, sel selection.Selection, onData DataFunc, onError ErrorFunc) (*Subscription, error) {
	ep := Endpoint{
		Key:      selection.EndpointKey(entity, entityID, input),
		Entity:   entity,
		EntityID: entityID,
		Input:    input,
	}
	id := ulid.Make().String()

	unlock := m.lockKey(ep.Key)
	m.mu.Lock()
	if _, ok := m.endpoints[ep.Key]; !ok {
		m.endpoints[ep.Key] = &endpointState{Endpoint: ep}
	}
	m.mu.Unlock()

	had := m.registry.HasSubscribers(ep.Key)
	analysis := m.registry.AddSubscriber(ep.Key, id, sel, onData, onError)
	action := selection.ShouldResubscribe(analysis, had, true)

	if err := m.apply(ctx, ep, action); err != nil {
		m.registry.RemoveSubscriber(ep.Key, id)
		if !m.registry.HasSubscribers(ep.Key) {
			m.forget(ep.Key)
		}
		unlock()
		return nil, err
	}
	unlock()

	// Callbacks run unlocked so they may unsubscribe.
	m.registry.Replay(ep.Key, id)
	return &Subscription{ID: id, EndpointKey: ep.Key, m: m}, nil
}

func (m *Manager) unsubscribe(ctx context.Context, endpointKey, subscriberID string) error {
	unlock := m.lockKey(endpointKey)
	defer unlock()

	ep, ok := m.endpoint(endpointKey)
	if !ok {
		return nil
	}

	had := m.registry.IsSubscribed(endpointKey)
	analysis := m.registry.RemoveSubscriber(endpointKey, subscriberID)
	has := m.registry.HasSubscribers(endpointKey)
	action := selection.ShouldResubscribe(analysis, had, has)

	if !has {
		m.forget(endpointKey)
	}
	return m.apply(ctx, ep, action)
}

func (m *Manager) apply(ctx context.Context, ep Endpoint, action selection.Action) error {
	switch action {
	case selection.ActionSubscribe, selection.ActionResubscribe:
		sel := m.registry.MergedSelection(ep.Key)
		if err := m.transport.Subscribe(ctx, ep, sel); err != nil {
			return fmt.Errorf("%s %s: %w", action, ep.Key, err)
		}
		m.registry.MarkSubscribed(ep.Key)
		slog.Debug("endpoint subscription updated",
			"component", "client",
			"action", string(action),
			"endpoint", ep.Key,
		)
	case selection.ActionUnsubscribe:
		if err := m.transport.Unsubscribe(ctx, ep); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", ep.Key, err)
		}
		m.registry.MarkUnsubscribed(ep.Key)
		slog.Debug("endpoint subscription closed",
			"component", "client",
			"action", string(action),
			"endpoint", ep.Key,
		)
	}
	return nil
}

// Receive records a full value pushed by the server and distributes it.
func (m *Manager) Receive(endpointKey string, version int64, data map[string]any) {
	m.mu.Lock()
	st, ok := m.endpoints[endpointKey]
	if ok {
		st.version = version
		st.data = data
	}
	m.mu.Unlock()

	if ok {
		m.registry.DistributeData(endpointKey, data)
	}
}

// ReceivePatch applies a patch pushed by the server for the given version.
func (m *Manager) ReceivePatch(endpointKey string, version int64, ops []patch.Operation) error {
	m.mu.Lock()
	st, ok := m.endpoints[endpointKey]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	next, err := patch.Apply(st.data, ops)
	if err != nil {
		m.mu.Unlock()
		err = fmt.Errorf("patch %s to v%d: %w", endpointKey, version, err)
		m.registry.DistributeError(endpointKey, err)
		return err
	}
	st.version = version
	st.data = next
	m.mu.Unlock()

	m.registry.DistributeData(endpointKey, next)
	return nil
}

// Version returns the last known server version of an endpoint.
func (m *Manager) Version(endpointKey string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.endpoints[endpointKey]; ok {
		return st.version
	}
	return 0
}

// ReconnectRequest describes every live endpoint to the server after a
// reconnect. Each subscription id is the endpoint key.
func (m *Manager) ReconnectRequest() protocol.ReconnectRequest {
	m.mu.Lock()
	states := make([]endpointState, 0, len(m.endpoints))
	for _, st := range m.endpoints {
		states = append(states, *st)
	}
	m.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Key < states[j].Key })

	subs := make([]protocol.ReconnectSubscription, 0, len(states))
	for _, st := range states {
		sub := protocol.ReconnectSubscription{
			ID:       st.Key,
			Entity:   st.Entity,
			EntityID: st.EntityID,
			Fields:   protocol.Fields{Selection: m.registry.MergedSelection(st.Key)},
			Version:  st.version,
			Input:    st.Input,
		}
		if st.data != nil {
			if h, err := digest.HashEntityState(st.data); err == nil {
				sub.DataHash = h
			}
		}
		subs = append(subs, sub)
	}

	return protocol.ReconnectRequest{
		Type:            protocol.TypeReconnect,
		ProtocolVersion: protocol.Version,
		Subscriptions:   subs,
		ReconnectID:     ulid.Make().String(),
		ClientTime:      m.now().UnixMilli(),
	}
}

// ApplyAck brings every endpoint named in ack up to date and notifies its
// subscribers. Results for endpoints no longer tracked are ignored.
func (m *Manager) ApplyAck(ack *protocol.ReconnectAck) error {
	var errs []error
	for _, res := range ack.Results {
		if err := m.applyResult(res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyResult(res protocol.ReconnectResult) error {
	m.mu.Lock()
	st, ok := m.endpoints[res.ID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	switch res.Status {
	case protocol.StatusCurrent:
		st.version = res.Version
		m.mu.Unlock()
		return nil

	case protocol.StatusPatched:
		next, err := patch.ApplyAll(st.data, res.Patches)
		if err != nil {
			m.mu.Unlock()
			err = fmt.Errorf("apply reconnect patches to %s: %w", res.ID, err)
			m.registry.DistributeError(res.ID, err)
			return err
		}
		st.version = res.Version
		st.data = next
		m.mu.Unlock()
		m.registry.DistributeData(res.ID, next)
		return nil

	case protocol.StatusSnapshot:
		st.version = res.Version
		st.data = res.Data
		m.mu.Unlock()
		m.registry.DistributeData(res.ID, res.Data)
		return nil

	case protocol.StatusDeleted:
		st.version = 0
		st.data = nil
		m.mu.Unlock()
		m.registry.DistributeError(res.ID, fmt.Errorf("%s: %w", res.ID, ErrEntityDeleted))
		return nil

	default:
		m.mu.Unlock()
		return fmt.Errorf("%s: unknown reconnect status %q", res.ID, res.Status)
	}
}

func (m *Manager) endpoint(key string) (Endpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.endpoints[key]
	if !ok {
		return Endpoint{}, false
	}
	return st.Endpoint, true
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, key)
}
