package api

import (
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// ReplayCache keeps encoded reconnect acknowledgements by reconnect id so a
// client retrying the same reconnect gets the same answer.
type ReplayCache struct {
	entries *expiremap.ExpireMap[string, []byte]
}

// NewReplayCache creates a cache whose entries live for ttl. A non-positive
// ttl returns nil, which disables replay.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		return nil
	}
	cull := ttl / 2
	if cull < time.Second {
		cull = time.Second
	}
	return &ReplayCache{entries: expiremap.NewEx[string, []byte](cull, ttl)}
}

// Get returns the cached acknowledgement for a reconnect id.
func (c *ReplayCache) Get(reconnectID string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.entries.Load(reconnectID)
	if !ok {
		return nil, false
	}
	return *v, true
}

// Put caches an encoded acknowledgement.
func (c *ReplayCache) Put(reconnectID string, body []byte) {
	if c == nil {
		return
	}
	c.entries.Set(reconnectID, body)
}

// Len returns the number of cached acknowledgements.
func (c *ReplayCache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Length()
}
