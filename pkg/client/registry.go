// Package client shares one network subscription per live entity among any
// number of local subscribers, each interested in its own slice of fields.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/livesync/pkg/selection"
)

// ErrSubscriberPanic wraps a value recovered from a subscriber callback.
var ErrSubscriberPanic = errors.New("subscriber callback panicked")

// DataFunc receives data projected to a subscriber's selection. A returned
// error is routed to the same subscriber's ErrorFunc.
type DataFunc func(data any) error

// ErrorFunc receives errors for a subscriber.
type ErrorFunc func(err error)

type subscriber struct {
	id        string
	selection selection.Selection
	onData    DataFunc
	onError   ErrorFunc
	createdAt time.Time
}

type endpoint struct {
	subscribers map[string]*subscriber
	// order keeps insertion order so the merge winner for arguments is stable.
	order      []string
	merged     selection.Selection
	subscribed bool
	lastData   any
	lastChange time.Time
}

func (e *endpoint) merge() selection.Selection {
	sels := make([]selection.Selection, 0, len(e.order))
	for _, id := range e.order {
		sels = append(sels, e.subscribers[id].selection)
	}
	return selection.Merge(sels...)
}

func (e *endpoint) snapshot() []subscriber {
	out := make([]subscriber, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.subscribers[id])
	}
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Endpoints              int     `json:"endpoints"`
	Subscribers            int     `json:"subscribers"`
	SubscribersPerEndpoint float64 `json:"subscribers_per_endpoint"`
}

// Registry tracks the subscribers of every endpoint and their merged
// selection. It is safe for concurrent use; callbacks are never invoked while
// the registry lock is held.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*endpoint),
		now:       time.Now,
	}
}

// AddSubscriber inserts or replaces a subscriber and returns how the merged
// selection changed. The endpoint is left untouched when nothing changed.
func (r *Registry) AddSubscriber(endpointKey, subscriberID string, sel selection.Selection, onData DataFunc, onError ErrorFunc) selection.Analysis {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[endpointKey]
	if !ok {
		ep = &endpoint{
			subscribers: make(map[string]*subscriber),
			merged:      selection.Selection{},
		}
		r.endpoints[endpointKey] = ep
	}
	createdAt := r.now()
	if prev, exists := ep.subscribers[subscriberID]; exists {
		createdAt = prev.createdAt
	} else {
		ep.order = append(ep.order, subscriberID)
	}
	ep.subscribers[subscriberID] = &subscriber{
		id:        subscriberID,
		selection: sel,
		onData:    onData,
		onError:   onError,
		createdAt: createdAt,
	}

	merged := ep.merge()
	analysis := selection.Analyze(ep.merged, merged)
	if analysis.HasChanged {
		ep.merged = merged
		ep.lastChange = r.now()
	}
	return analysis
}

// RemoveSubscriber removes a subscriber. Removing the last subscriber
// discards the endpoint and reports a change to an empty selection.
func (r *Registry) RemoveSubscriber(endpointKey, subscriberID string) selection.Analysis {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[endpointKey]
	if !ok {
		return selection.Analyze(nil, nil)
	}
	if _, exists := ep.subscribers[subscriberID]; !exists {
		return selection.Analyze(ep.merged, ep.merged)
	}

	delete(ep.subscribers, subscriberID)
	for i, id := range ep.order {
		if id == subscriberID {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}

	if len(ep.subscribers) == 0 {
		delete(r.endpoints, endpointKey)
		return selection.Analyze(ep.merged, nil)
	}

	merged := ep.merge()
	analysis := selection.Analyze(ep.merged, merged)
	if analysis.HasChanged {
		ep.merged = merged
		ep.lastChange = r.now()
	}
	return analysis
}

// DistributeData projects data through each subscriber's selection and
// delivers it. A failing or panicking subscriber is reported to its own
// ErrorFunc and does not affect delivery to the others. The unfiltered data
// is cached on the endpoint.
func (r *Registry) DistributeData(endpointKey string, data any) {
	r.mu.Lock()
	ep, ok := r.endpoints[endpointKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	ep.lastData = data
	subs := ep.snapshot()
	r.mu.Unlock()

	for _, s := range subs {
		if err := deliver(s, data); err != nil {
			reportError(endpointKey, s, err)
		}
	}
}

// DistributeError passes err to every subscriber of the endpoint.
func (r *Registry) DistributeError(endpointKey string, err error) {
	r.mu.RLock()
	ep, ok := r.endpoints[endpointKey]
	if !ok {
		r.mu.RUnlock()
		return
	}
	subs := ep.snapshot()
	r.mu.RUnlock()

	for _, s := range subs {
		reportError(endpointKey, s, err)
	}
}

// MergedSelection returns the endpoint's merged selection, or nil when the
// endpoint has no subscribers. The result must not be modified.
func (r *Registry) MergedSelection(endpointKey string) selection.Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[endpointKey]; ok {
		return ep.merged
	}
	return nil
}

// SubscriberCount returns the number of subscribers of an endpoint.
func (r *Registry) SubscriberCount(endpointKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[endpointKey]; ok {
		return len(ep.subscribers)
	}
	return 0
}

// HasSubscribers reports whether the endpoint has any subscriber.
func (r *Registry) HasSubscribers(endpointKey string) bool {
	return r.SubscriberCount(endpointKey) > 0
}

// MarkSubscribed records that the network subscription for the endpoint is open.
func (r *Registry) MarkSubscribed(endpointKey string) {
	r.setSubscribed(endpointKey, true)
}

// MarkUnsubscribed records that the network subscription for the endpoint is closed.
func (r *Registry) MarkUnsubscribed(endpointKey string) {
	r.setSubscribed(endpointKey, false)
}

func (r *Registry) setSubscribed(endpointKey string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[endpointKey]; ok {
		ep.subscribed = v
	}
}

// IsSubscribed reports whether the network subscription for the endpoint is open.
func (r *Registry) IsSubscribed(endpointKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[endpointKey]; ok {
		return ep.subscribed
	}
	return false
}

// LastData returns the last unfiltered data distributed to the endpoint.
func (r *Registry) LastData(endpointKey string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[endpointKey]; ok && ep.lastData != nil {
		return ep.lastData, true
	}
	return nil, false
}

// LastChange returns when the endpoint's merged selection last changed.
func (r *Registry) LastChange(endpointKey string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[endpointKey]; ok {
		return ep.lastChange
	}
	return time.Time{}
}

// SubscribedAt returns when a subscriber first joined the endpoint.
// Replacing a subscriber keeps its original time.
func (r *Registry) SubscribedAt(endpointKey, subscriberID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[endpointKey]; ok {
		if s, ok := ep.subscribers[subscriberID]; ok {
			return s.createdAt, true
		}
	}
	return time.Time{}, false
}

// Stats returns endpoint and subscriber counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Endpoints: len(r.endpoints)}
	for _, ep := range r.endpoints {
		s.Subscribers += len(ep.subscribers)
	}
	if s.Endpoints > 0 {
		s.SubscribersPerEndpoint = float64(s.Subscribers) / float64(s.Endpoints)
	}
	return s
}

func deliver(s subscriber, data any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrSubscriberPanic, rec)
		}
	}()
	if s.onData == nil {
		return nil
	}
	return s.onData(selection.Filter(data, s.selection))
}

func reportError(endpointKey string, s subscriber, err error) {
	if s.onError == nil {
		slog.Debug("subscriber error dropped",
			"component", "client",
			"endpoint", endpointKey,
			"subscriber", s.id,
			"error", err,
		)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("subscriber error callback panicked",
				"component", "client",
				"endpoint", endpointKey,
				"subscriber", s.id,
				"panic", fmt.Sprint(rec),
			)
		}
	}()
	s.onError(err)
}

// Replay delivers the endpoint's cached data to a single subscriber.
func (r *Registry) Replay(endpointKey, subscriberID string) {
	r.mu.RLock()
	ep, ok := r.endpoints[endpointKey]
	if !ok || ep.lastData == nil {
		r.mu.RUnlock()
		return
	}
	s, ok := ep.subscribers[subscriberID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	sub, data := *s, ep.lastData
	r.mu.RUnlock()

	if err := deliver(sub, data); err != nil {
		reportError(endpointKey, sub, err)
	}
}
