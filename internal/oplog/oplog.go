// Package oplog keeps a bounded, append-only, per-entity history of applied
// patches so that reconnecting clients can be fast-forwarded instead of
// receiving a full snapshot.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/livesync/internal/metrics"
	"github.com/hyperengineering/livesync/pkg/patch"
)

var (
	// ErrInvalidEntry indicates an entry without key or with a non-positive version.
	ErrInvalidEntry = errors.New("invalid log entry")
	// ErrVersionConflict indicates an entry whose version does not directly
	// follow the latest version recorded for its key.
	ErrVersionConflict = errors.New("log version conflict")
)

// Entry is one committed state change of one entity.
type Entry struct {
	EntityKey string            `json:"entityKey"`
	Version   int64             `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Patch     []patch.Operation `json:"patch"`
	PatchSize int               `json:"patchSize"`
}

// Config bounds retention. MaxEntries applies per entity key. Zero or
// negative values disable the corresponding bound; a zero CleanupInterval
// disables the background sweep so age eviction only happens on Cleanup.
type Config struct {
	MaxEntries      int
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the retention used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      1000,
		MaxAge:          5 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// archiveQueueSize bounds evicted batches waiting for the archiver.
const archiveQueueSize = 256

// Archiver receives entries evicted from the log. It runs on its own
// goroutine, never on the caller of Append or Cleanup.
type Archiver interface {
	Archive(ctx context.Context, entries []Entry) error
}

// Stats is a point-in-time view of the log.
type Stats struct {
	EntryCount   int   `json:"entry_count"`
	EntityCount  int   `json:"entity_count"`
	EvictedTotal int64 `json:"evicted_total"`
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithArchiver hands evicted entries to a.
func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

// Log is the operation log. It is safe for concurrent use.
type Log struct {
	cfg      Config
	now      func() time.Time
	archiver Archiver

	mu      sync.RWMutex
	entries map[string][]Entry
	latest  map[string]int64
	total   int
	evicted int64

	archiveCh chan []Entry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a log and starts its eviction sweep when cfg.CleanupInterval
// is positive.
func New(cfg Config, opts ...Option) *Log {
	l := &Log{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string][]Entry),
		latest:  make(map[string]int64),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.archiver != nil {
		l.archiveCh = make(chan []Entry, archiveQueueSize)
		l.wg.Add(1)
		go l.runArchiver()
	}
	if cfg.CleanupInterval > 0 {
		l.wg.Add(1)
		go l.sweep()
	}
	return l
}

// Append records a new entry. For a key the log already knows, the version
// must be exactly one greater than the latest recorded version.
func (l *Log) Append(e Entry) error {
	if e.EntityKey == "" || e.Version <= 0 {
		return fmt.Errorf("%w: key %q version %d", ErrInvalidEntry, e.EntityKey, e.Version)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.PatchSize == 0 {
		e.PatchSize = patch.Size(e.Patch)
	}

	l.mu.Lock()
	if last, ok := l.latest[e.EntityKey]; ok && e.Version != last+1 {
		l.mu.Unlock()
		return fmt.Errorf("%w: key %q version %d after %d", ErrVersionConflict, e.EntityKey, e.Version, last)
	}

	list := append(l.entries[e.EntityKey], e)
	l.latest[e.EntityKey] = e.Version
	l.total++

	var dropped []Entry
	if l.cfg.MaxEntries > 0 && len(list) > l.cfg.MaxEntries {
		n := len(list) - l.cfg.MaxEntries
		dropped = append(dropped, list[:n]...)
		list = append([]Entry(nil), list[n:]...)
		l.total -= n
		l.evicted += int64(n)
	}
	l.entries[e.EntityKey] = list
	total := l.total
	l.mu.Unlock()

	metrics.SetOpLogEntries(total)
	metrics.RecordEvictions("count", len(dropped))
	l.enqueueArchive(dropped)
	return nil
}

// GetSince returns the retained entries for key with a version greater than
// fromVersion, in ascending order. It returns an empty, non-nil slice when
// fromVersion is already the latest version, and nil when the log cannot
// bridge the gap because the needed entries were evicted or never recorded.
func (l *Log) GetSince(key string, fromVersion int64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	latest, ok := l.latest[key]
	if !ok {
		return nil
	}
	if fromVersion >= latest {
		return []Entry{}
	}

	list := l.entries[key]
	if len(list) == 0 || list[0].Version > fromVersion+1 {
		return nil
	}

	idx := sort.Search(len(list), func(i int) bool { return list[i].Version > fromVersion })
	out := make([]Entry, len(list)-idx)
	copy(out, list[idx:])
	return out
}

// LatestVersion returns the latest version recorded for key.
func (l *Log) LatestVersion(key string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.latest[key]
	return v, ok
}

// Cleanup evicts entries older than MaxAge and returns how many were
// removed. Keys left without entries are forgotten entirely.
func (l *Log) Cleanup() int {
	if l.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := l.now().Add(-l.cfg.MaxAge)

	l.mu.Lock()
	var dropped []Entry
	for key, list := range l.entries {
		n := 0
		for n < len(list) && list[n].Timestamp.Before(cutoff) {
			n++
		}
		if n == 0 {
			continue
		}
		dropped = append(dropped, list[:n]...)
		if n == len(list) {
			delete(l.entries, key)
			delete(l.latest, key)
		} else {
			l.entries[key] = append([]Entry(nil), list[n:]...)
		}
		l.total -= n
		l.evicted += int64(n)
	}
	total := l.total
	l.mu.Unlock()

	metrics.SetOpLogEntries(total)
	metrics.RecordEvictions("age", len(dropped))
	l.enqueueArchive(dropped)
	return len(dropped)
}

// Stats returns the current retained entry and entity counts.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		EntryCount:   l.total,
		EntityCount:  len(l.entries),
		EvictedTotal: l.evicted,
	}
}

// Dispose stops the sweep, archives every queued eviction and releases every
// retained entry. The log must not be used afterwards.
func (l *Log) Dispose() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	l.mu.Lock()
	l.entries = make(map[string][]Entry)
	l.latest = make(map[string]int64)
	l.total = 0
	l.mu.Unlock()

	metrics.SetOpLogEntries(0)
}

// sweep runs Cleanup on every tick until Dispose is called.
func (l *Log) sweep() {
	defer l.wg.Done()

	slog.Info("oplog sweeper started",
		"component", "oplog",
		"worker", "oplog-sweeper",
		"interval", l.cfg.CleanupInterval.String(),
		"max_age", l.cfg.MaxAge.String(),
		"max_entries", l.cfg.MaxEntries,
	)

	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			slog.Info("oplog sweeper stopped",
				"component", "oplog",
				"worker", "oplog-sweeper",
				"reason", "disposed",
			)
			return
		case <-ticker.C:
			start := time.Now()
			if n := l.Cleanup(); n > 0 {
				slog.Debug("oplog sweep completed",
					"component", "oplog",
					"worker", "oplog-sweeper",
					"entries_evicted", n,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
		}
	}
}

// enqueueArchive hands evicted entries to the archiver goroutine. A full
// queue drops the batch.
func (l *Log) enqueueArchive(entries []Entry) {
	if l.archiveCh == nil || len(entries) == 0 {
		return
	}
	select {
	case l.archiveCh <- entries:
	default:
		slog.Warn("archive queue full, dropping evicted entries",
			"component", "oplog",
			"action", "archive_dropped",
			"entries", len(entries),
		)
	}
}

// runArchiver archives queued batches until Dispose, then drains the queue.
func (l *Log) runArchiver() {
	defer l.wg.Done()

	for {
		select {
		case batch := <-l.archiveCh:
			l.archive(batch)
		case <-l.stopCh:
			for {
				select {
				case batch := <-l.archiveCh:
					l.archive(batch)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) archive(entries []Entry) {
	if l.archiver == nil || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.archiver.Archive(ctx, entries); err != nil {
		slog.Warn("failed to archive evicted entries",
			"component", "oplog",
			"action", "archive_failed",
			"entries", len(entries),
			"error", err,
		)
	}
}
