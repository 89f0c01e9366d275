package client

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/livesync/pkg/selection"
)

// collector records what a subscriber receives.
type collector struct {
	mu   sync.Mutex
	data []any
	errs []error
}

func (c *collector) onData(d any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, d)
	return nil
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) last() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return nil
	}
	return c.data[len(c.data)-1]
}

func sel(fields ...string) selection.Selection {
	s := selection.Selection{}
	for _, f := range fields {
		s[f] = selection.All()
	}
	return s
}

func TestAddSubscriber_FirstSubscriberExpands(t *testing.T) {
	r := NewRegistry()

	a := r.AddSubscriber("user:1", "s1", sel("name", "email"), nil, nil)

	if !a.HasChanged || !a.IsExpanded || a.IsShrunk {
		t.Errorf("analysis = %+v, want expansion", a)
	}
	if !reflect.DeepEqual(a.Added, []string{"email", "name"}) {
		t.Errorf("Added = %v, want [email name]", a.Added)
	}
	if got := r.SubscriberCount("user:1"); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}
}

func TestAddSubscriber_NoOpLeavesStateUntouched(t *testing.T) {
	r := NewRegistry()
	r.AddSubscriber("user:1", "s1", sel("name", "email"), nil, nil)
	changed := r.LastChange("user:1")

	// When: a second subscriber asks for a subset
	a := r.AddSubscriber("user:1", "s2", sel("name"), nil, nil)

	// Then
	if a.HasChanged {
		t.Errorf("HasChanged = true, want false: %+v", a)
	}
	if !r.LastChange("user:1").Equal(changed) {
		t.Error("last change time moved on a no-op")
	}
	if got := r.SubscriberCount("user:1"); got != 2 {
		t.Errorf("SubscriberCount = %d, want 2", got)
	}
}

func TestAddSubscriber_ReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.AddSubscriber("user:1", "s1", sel("name"), nil, nil)
	a := r.AddSubscriber("user:1", "s1", sel("email"), nil, nil)

	if r.SubscriberCount("user:1") != 1 {
		t.Errorf("SubscriberCount = %d, want 1", r.SubscriberCount("user:1"))
	}
	if !reflect.DeepEqual(a.Added, []string{"email"}) || !reflect.DeepEqual(a.Removed, []string{"name"}) {
		t.Errorf("analysis = %+v", a)
	}
}

func TestAddThenRemove_ReturnsToAbsent(t *testing.T) {
	r := NewRegistry()
	r.AddSubscriber("user:1", "s1", sel("name"), nil, nil)
	r.MarkSubscribed("user:1")

	a := r.RemoveSubscriber("user:1", "s1")

	if !a.IsShrunk || a.Next != nil {
		t.Errorf("analysis = %+v, want shrink to empty", a)
	}
	if got := r.MergedSelection("user:1"); got != nil {
		t.Errorf("MergedSelection = %v, want nil", got)
	}
	if r.HasSubscribers("user:1") {
		t.Error("HasSubscribers = true, want false")
	}
	if r.IsSubscribed("user:1") {
		t.Error("IsSubscribed = true, want false")
	}
	if s := r.Stats(); s.Endpoints != 0 || s.Subscribers != 0 {
		t.Errorf("Stats = %+v, want empty", s)
	}
}

func TestRemoveSubscriber_Unknown(t *testing.T) {
	r := NewRegistry()
	if a := r.RemoveSubscriber("nope", "s1"); a.HasChanged {
		t.Errorf("unknown endpoint analysis = %+v", a)
	}
	r.AddSubscriber("user:1", "s1", sel("name"), nil, nil)
	if a := r.RemoveSubscriber("user:1", "ghost"); a.HasChanged {
		t.Errorf("unknown subscriber analysis = %+v", a)
	}
	if r.SubscriberCount("user:1") != 1 {
		t.Error("unknown subscriber removal changed the endpoint")
	}
}

func TestRemoveSubscriber_RecomputesMerge(t *testing.T) {
	r := NewRegistry()
	r.AddSubscriber("user:1", "s1", sel("name"), nil, nil)
	r.AddSubscriber("user:1", "s2", sel("name", "email"), nil, nil)

	a := r.RemoveSubscriber("user:1", "s2")

	if !reflect.DeepEqual(a.Removed, []string{"email"}) {
		t.Errorf("Removed = %v, want [email]", a.Removed)
	}
	if got := r.MergedSelection("user:1"); !reflect.DeepEqual(got, sel("name")) {
		t.Errorf("MergedSelection = %v", got)
	}
}

func TestDistributeData_FiltersPerSubscriber(t *testing.T) {
	r := NewRegistry()
	var a, b collector
	r.AddSubscriber("user:1", "a", sel("name"), a.onData, a.onError)
	r.AddSubscriber("user:1", "b", sel("email"), b.onData, b.onError)

	full := map[string]any{"id": "1", "name": "Alice", "email": "a@x.io", "age": 30}
	r.DistributeData("user:1", full)

	if got, want := a.last(), map[string]any{"id": "1", "name": "Alice"}; !reflect.DeepEqual(got, want) {
		t.Errorf("a got %v, want %v", got, want)
	}
	if got, want := b.last(), map[string]any{"id": "1", "email": "a@x.io"}; !reflect.DeepEqual(got, want) {
		t.Errorf("b got %v, want %v", got, want)
	}
	if cached, ok := r.LastData("user:1"); !ok || !reflect.DeepEqual(cached, full) {
		t.Errorf("LastData = %v, %v; want full data", cached, ok)
	}
}

func TestDistributeData_IsolatesFailures(t *testing.T) {
	// Given: one subscriber that errors, one that panics, one healthy
	r := NewRegistry()
	var failing, panicking, healthy collector
	boom := errors.New("boom")

	r.AddSubscriber("user:1", "fail", sel("name"), func(any) error { return boom }, failing.onError)
	r.AddSubscriber("user:1", "panic", sel("name"), func(any) error { panic("kaboom") }, panicking.onError)
	r.AddSubscriber("user:1", "silent", sel("name"), func(any) error { return boom }, nil)
	r.AddSubscriber("user:1", "ok", sel("name"), healthy.onData, healthy.onError)

	// When
	r.DistributeData("user:1", map[string]any{"name": "Alice"})

	// Then: each failure reaches only its own error callback
	if len(failing.errs) != 1 || !errors.Is(failing.errs[0], boom) {
		t.Errorf("failing errs = %v, want [boom]", failing.errs)
	}
	if len(panicking.errs) != 1 || !errors.Is(panicking.errs[0], ErrSubscriberPanic) {
		t.Errorf("panicking errs = %v, want ErrSubscriberPanic", panicking.errs)
	}
	if len(healthy.data) != 1 || len(healthy.errs) != 0 {
		t.Errorf("healthy got %d data, %d errs; want 1, 0", len(healthy.data), len(healthy.errs))
	}
}

func TestDistributeError_ReachesEverySubscriber(t *testing.T) {
	r := NewRegistry()
	var a, b collector
	r.AddSubscriber("user:1", "a", sel("name"), a.onData, a.onError)
	r.AddSubscriber("user:1", "b", sel("email"), b.onData, b.onError)
	r.AddSubscriber("user:1", "c", sel("email"), b.onData, func(error) { panic("ignored") })
	before := r.MergedSelection("user:1")

	gone := errors.New("gone")
	r.DistributeError("user:1", gone)

	if len(a.errs) != 1 || a.errs[0] != gone || len(b.errs) != 1 || b.errs[0] != gone {
		t.Errorf("errs = %v / %v, want gone for both", a.errs, b.errs)
	}
	if !reflect.DeepEqual(before, r.MergedSelection("user:1")) {
		t.Error("DistributeError changed the merged selection")
	}
}

func TestReplay_SendsCachedDataToOneSubscriber(t *testing.T) {
	r := NewRegistry()
	var a, b collector
	r.AddSubscriber("user:1", "a", sel("name"), a.onData, nil)
	r.DistributeData("user:1", map[string]any{"name": "Alice", "email": "a@x.io"})

	r.AddSubscriber("user:1", "b", sel("email"), b.onData, nil)
	r.Replay("user:1", "b")

	if len(a.data) != 1 {
		t.Errorf("a received %d deliveries, want 1", len(a.data))
	}
	if got, want := b.last(), map[string]any{"email": "a@x.io"}; !reflect.DeepEqual(got, want) {
		t.Errorf("b got %v, want %v", got, want)
	}
}

func TestSubscribedFlag(t *testing.T) {
	r := NewRegistry()
	r.MarkSubscribed("user:1")
	if r.IsSubscribed("user:1") {
		t.Error("flag set on absent endpoint")
	}

	r.AddSubscriber("user:1", "s1", sel("name"), nil, nil)
	r.MarkSubscribed("user:1")
	if !r.IsSubscribed("user:1") {
		t.Error("IsSubscribed = false after MarkSubscribed")
	}
	r.MarkUnsubscribed("user:1")
	if r.IsSubscribed("user:1") {
		t.Error("IsSubscribed = true after MarkUnsubscribed")
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry()
	r.AddSubscriber("user:1", "a", sel("name"), nil, nil)
	r.AddSubscriber("user:1", "b", sel("name"), nil, nil)
	r.AddSubscriber("user:1", "c", sel("name"), nil, nil)
	r.AddSubscriber("post:9", "d", sel("title"), nil, nil)

	got := r.Stats()
	want := Stats{Endpoints: 2, Subscribers: 4, SubscribersPerEndpoint: 2}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestResubscribePolicyScenario(t *testing.T) {
	r := NewRegistry()

	// First subscriber -> subscribe
	had := r.HasSubscribers("user:1")
	a := r.AddSubscriber("user:1", "s1", sel("name", "email"), nil, nil)
	if got := selection.ShouldResubscribe(a, had, r.HasSubscribers("user:1")); got != selection.ActionSubscribe {
		t.Errorf("first subscriber = %v, want subscribe", got)
	}

	// Second subscriber adding fields -> resubscribe
	had = r.HasSubscribers("user:1")
	a = r.AddSubscriber("user:1", "s2", sel("name", "avatar"), nil, nil)
	if got := selection.ShouldResubscribe(a, had, r.HasSubscribers("user:1")); got != selection.ActionResubscribe {
		t.Errorf("second subscriber = %v, want resubscribe", got)
	}

	// Removing a subscriber that drops one field -> none
	had = r.HasSubscribers("user:1")
	a = r.RemoveSubscriber("user:1", "s2")
	if got := selection.ShouldResubscribe(a, had, r.HasSubscribers("user:1")); got != selection.ActionNone {
		t.Errorf("removal = %v, want none", got)
	}

	// Removing the last subscriber -> unsubscribe
	had = r.HasSubscribers("user:1")
	a = r.RemoveSubscriber("user:1", "s1")
	if got := selection.ShouldResubscribe(a, had, r.HasSubscribers("user:1")); got != selection.ActionUnsubscribe {
		t.Errorf("last removal = %v, want unsubscribe", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				r.AddSubscriber("user:1", id, sel("name"), func(any) error { return nil }, nil)
				r.DistributeData("user:1", map[string]any{"name": j})
				r.RemoveSubscriber("user:1", id)
			}
		}(i)
	}
	wg.Wait()

	if r.HasSubscribers("user:1") {
		t.Error("subscribers left after concurrent add/remove")
	}
}

func TestAddSubscriber_EmptySelectionHasEmptyMerge(t *testing.T) {
	r := NewRegistry()

	a := r.AddSubscriber("user:1", "s1", selection.Selection{}, nil, nil)

	if a.HasChanged {
		t.Errorf("HasChanged = true for an empty selection")
	}
	got := r.MergedSelection("user:1")
	if got == nil {
		t.Fatal("MergedSelection = nil for an endpoint with subscribers")
	}
	if len(got) != 0 {
		t.Errorf("MergedSelection = %v, want empty", got)
	}
}

func TestSubscribedAt(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.AddSubscriber("user:1", "s1", sel("name"), nil, nil)
	first := now

	// Replacing the subscriber keeps its join time.
	now = now.Add(time.Minute)
	r.AddSubscriber("user:1", "s1", sel("email"), nil, nil)
	r.AddSubscriber("user:1", "s2", sel("name"), nil, nil)

	if got, ok := r.SubscribedAt("user:1", "s1"); !ok || !got.Equal(first) {
		t.Errorf("SubscribedAt(s1) = %v, %v, want %v", got, ok, first)
	}
	if got, ok := r.SubscribedAt("user:1", "s2"); !ok || !got.Equal(now) {
		t.Errorf("SubscribedAt(s2) = %v, %v, want %v", got, ok, now)
	}
	if _, ok := r.SubscribedAt("user:1", "missing"); ok {
		t.Error("SubscribedAt(missing) ok = true")
	}
}
