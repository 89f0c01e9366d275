package api

import (
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/livesync/internal/metrics"
)

// ConnRecord describes one open WebSocket connection.
type ConnRecord struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Reconnects  int       `json:"reconnects"`
}

// ConnTable tracks open WebSocket connections by id. Records are removed
// explicitly when the connection closes.
type ConnTable struct {
	mu    sync.RWMutex
	conns map[string]*ConnRecord
}

// NewConnTable creates an empty table.
func NewConnTable() *ConnTable {
	return &ConnTable{conns: make(map[string]*ConnRecord)}
}

// Add registers a connection.
func (t *ConnTable) Add(rec ConnRecord) {
	t.mu.Lock()
	_, exists := t.conns[rec.ID]
	t.conns[rec.ID] = &rec
	t.mu.Unlock()

	if !exists {
		metrics.RecordConnection(1)
	}
}

// Remove forgets a connection. Removing an unknown id is a no-op.
func (t *ConnTable) Remove(id string) {
	t.mu.Lock()
	_, exists := t.conns[id]
	delete(t.conns, id)
	t.mu.Unlock()

	if exists {
		metrics.RecordConnection(-1)
	}
}

// RecordReconnect counts a reconnect request received on a connection.
func (t *ConnTable) RecordReconnect(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.conns[id]; ok {
		rec.Reconnects++
	}
}

// Get returns a copy of the record for id.
func (t *ConnTable) Get(id string) (ConnRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.conns[id]
	if !ok {
		return ConnRecord{}, false
	}
	return *rec, true
}

// Len returns the number of open connections.
func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// List returns every record ordered by connection time.
func (t *ConnTable) List() []ConnRecord {
	t.mu.RLock()
	out := make([]ConnRecord, 0, len(t.conns))
	for _, rec := range t.conns {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
