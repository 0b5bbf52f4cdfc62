package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Kind is one of the four telemetry event families. Each kind has its own
// table and is swept independently.
type Kind string

const (
	KindAdPlayback   Kind = "ad_playback"
	KindLocation     Kind = "location"
	KindDeviceStatus Kind = "device_status"
	KindQRScan       Kind = "qr_scan"
)

// Kinds lists every kind in sweep order.
var Kinds = []Kind{KindAdPlayback, KindLocation, KindDeviceStatus, KindQRScan}

var tables = map[Kind]string{
	KindAdPlayback:   "queue_ad_playback",
	KindLocation:     "queue_location",
	KindDeviceStatus: "queue_device_status",
	KindQRScan:       "queue_qr_scan",
}

func (k Kind) table() (string, error) {
	t, ok := tables[k]
	if !ok {
		return "", fmt.Errorf("queue: unknown kind %q", k)
	}
	return t, nil
}

// Event is a persisted telemetry item awaiting acknowledgment.
type Event struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Offline    bool            `json:"offline"`
}

// Store is the SQLite-backed persistence for queued events.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the queue database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// A single connection keeps the pragmas below in effect for every
	// statement and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure queue database: %w", err)
	}

	for _, k := range Kinds {
		t, _ := k.table()
		if _, err := db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id          TEXT PRIMARY KEY,
				payload     TEXT NOT NULL,
				enqueued_at INTEGER NOT NULL,
				offline     INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS %s_pending ON %s (offline, enqueued_at);
		`, t, t, t)); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", t, err)
		}
		// Rows still unflagged here lost their live attempt to a crash.
		if _, err := db.Exec(fmt.Sprintf(`UPDATE %s SET offline = 1 WHERE offline = 0`, t)); err != nil {
			db.Close()
			return nil, fmt.Errorf("recover %s: %w", t, err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Insert persists ev. Inserting an id that already exists is a no-op.
func (s *Store) Insert(ctx context.Context, ev Event) error {
	t, err := ev.Kind.table()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, payload, enqueued_at, offline) VALUES (?, ?, ?, ?)`, t),
		ev.ID, string(ev.Payload), ev.EnqueuedAt.UnixMilli(), boolInt(ev.Offline))
	if err != nil {
		return fmt.Errorf("insert %s: %w", ev.ID, err)
	}
	return nil
}

// Delete removes an acknowledged event.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	t, err := kind.table()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t), id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// MarkOffline flags an event so the next sweep picks it up.
func (s *Store) MarkOffline(ctx context.Context, kind Kind, id string) error {
	t, err := kind.table()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET offline = 1 WHERE id = ?`, t), id); err != nil {
		return fmt.Errorf("mark offline %s: %w", id, err)
	}
	return nil
}

// Pending returns events of kind that are flagged offline or were enqueued
// at or before staleBefore, oldest first. limit <= 0 means no limit.
func (s *Store) Pending(ctx context.Context, kind Kind, staleBefore time.Time, limit int) ([]Event, error) {
	t, err := kind.table()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, payload, enqueued_at FROM %s WHERE offline = 1 OR enqueued_at <= ? ORDER BY enqueued_at, rowid LIMIT ?`, t),
		staleBefore.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload string
			ms      int64
		)
		if err := rows.Scan(&ev.ID, &payload, &ms); err != nil {
			return nil, err
		}
		ev.Kind = kind
		ev.Payload = json.RawMessage(payload)
		ev.EnqueuedAt = time.UnixMilli(ms)
		ev.Offline = true
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Counts is the number of stored events per kind.
type Counts struct {
	Total   int `json:"total"`
	Offline int `json:"offline"`
}

// Count reports how many events of kind are stored and how many are flagged
// offline.
func (s *Store) Count(ctx context.Context, kind Kind) (Counts, error) {
	t, err := kind.table()
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(offline), 0) FROM %s`, t)).Scan(&c.Total, &c.Offline)
	if err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", t, err)
	}
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
