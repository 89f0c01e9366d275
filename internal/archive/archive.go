// Package archive is an optional SQLite sink for operation log entries that
// were evicted from memory. It exists for offline inspection only; the
// server never reads it back.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/pkg/patch"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("archive closed")

// DefaultListLimit caps List when no positive limit is given.
const DefaultListLimit = 100

// timeFormat is fixed-width so stored times sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is an archived entry.
type Record struct {
	oplog.Entry
	ArchivedAt time.Time `json:"archivedAt"`
}

// Stats summarizes the archive contents.
type Stats struct {
	Entries        int64     `json:"entries"`
	Entities       int64     `json:"entities"`
	OldestArchived time.Time `json:"oldestArchived,omitempty"`
	NewestArchived time.Time `json:"newestArchived,omitempty"`
}

// Store is the SQLite-backed archive.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the archive database at path. It enables WAL mode,
// applies pragmas and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Archive stores entries in one transaction. Entries already archived for
// the same key and version are skipped.
func (s *Store) Archive(ctx context.Context, entries []oplog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO oplog_archive (entity_key, version, recorded_at, patch, patch_size, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := s.now().UTC().Format(timeFormat)
	for _, e := range entries {
		body, err := json.Marshal(e.Patch)
		if err != nil {
			return fmt.Errorf("encode patch %s v%d: %w", e.EntityKey, e.Version, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.EntityKey,
			e.Version,
			e.Timestamp.UTC().Format(timeFormat),
			string(body),
			e.PatchSize,
			archivedAt,
		); err != nil {
			return fmt.Errorf("insert %s v%d: %w", e.EntityKey, e.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// List returns archived entries, most recently archived first. An empty
// entityKey lists every entity.
func (s *Store) List(ctx context.Context, entityKey string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT entity_key, version, recorded_at, patch, patch_size, archived_at
		FROM oplog_archive`
	args := []any{}
	if entityKey != "" {
		query += ` WHERE entity_key = ?`
		args = append(args, entityKey)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                    Record
			recordedAt, archivedAt string
			body                   string
		)
		if err := rows.Scan(&rec.EntityKey, &rec.Version, &recordedAt, &body, &rec.PatchSize, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &rec.Patch); err != nil {
			return nil, fmt.Errorf("decode patch %s v%d: %w", rec.EntityKey, rec.Version, err)
		}
		if rec.Patch == nil {
			rec.Patch = []patch.Operation{}
		}
		rec.Timestamp, _ = time.Parse(timeFormat, recordedAt)
		rec.ArchivedAt, _ = time.Parse(timeFormat, archivedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive: %w", err)
	}
	return out, nil
}

// Stats returns entry and entity counts with the archive time range.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.db == nil {
		return Stats{}, ErrClosed
	}

	var (
		st             Stats
		oldest, newest sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT entity_key), MIN(archived_at), MAX(archived_at)
		FROM oplog_archive
	`).Scan(&st.Entries, &st.Entities, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("query archive stats: %w", err)
	}
	if oldest.Valid {
		st.OldestArchived, _ = time.Parse(timeFormat, oldest.String)
	}
	if newest.Valid {
		st.NewestArchived, _ = time.Parse(timeFormat, newest.String)
	}
	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
