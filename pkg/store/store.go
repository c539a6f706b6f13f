// Package store persists per-thread snapshots of confirmed history so a
// reopened thread can render before the network answers.
//
// Two backends are provided: SQLite in WAL mode (the default, one file that
// several processes may share) and Pebble (an embedded LSM store for
// single-process use). Both implement Cache.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/threadsync/pkg/model"

	_ "modernc.org/sqlite"
)

// Open returns the cache backend named by driver: "sqlite", "pebble" or
// "none".
func Open(driver, path string) (Cache, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path)
	case "pebble":
		return NewPebble(path)
	case "none":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", driver)
}

// SQLite is the SQLite-backed Cache.
type SQLite struct {
	db    *sql.DB
	locks keyLocks
	limit int
}

// NewSQLite opens (or creates) the cache database and initializes the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db, limit: DefaultSnapshotLimit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetLimit changes how many messages each snapshot keeps. Zero keeps all.
func (s *SQLite) SetLimit(n int) { s.limit = n }

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp with the default config. Every write goes
// through it.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		thread_id  TEXT PRIMARY KEY,
		oldest_id  TEXT NOT NULL DEFAULT '',
		oldest_ms  INTEGER NOT NULL DEFAULT 0,
		has_more   INTEGER NOT NULL DEFAULT 0,
		saved_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		thread_id      TEXT NOT NULL,
		id             TEXT NOT NULL,
		sender         TEXT NOT NULL,
		kind           TEXT NOT NULL,
		text           TEXT NOT NULL DEFAULT '',
		attachment_ref TEXT NOT NULL DEFAULT '',
		metadata       TEXT,
		created_ms     INTEGER NOT NULL,
		PRIMARY KEY (thread_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_ms, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot replaces the thread's snapshot in one transaction.
func (s *SQLite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.ThreadID == "" {
		return errors.New("snapshot without thread id")
	}
	snap = snap.Trim(s.limit)
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	defer s.locks.lock(snap.ThreadID)()

	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (thread_id, oldest_id, oldest_ms, has_more, saved_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(thread_id) DO UPDATE SET
			   oldest_id = excluded.oldest_id, oldest_ms = excluded.oldest_ms,
			   has_more = excluded.has_more, saved_at = excluded.saved_at`,
			snap.ThreadID, snap.Oldest.BeforeID, cursorMillis(snap.Oldest),
			boolToInt(snap.HasMoreOlder), snap.SavedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, snap.ThreadID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO messages (thread_id, id, sender, kind, text, attachment_ref, metadata, created_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range snap.Confirmed {
			var meta sql.NullString
			if len(m.Metadata) > 0 {
				meta = sql.NullString{String: string(m.Metadata), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, snap.ThreadID, m.ID, string(m.Sender), string(m.Kind),
				m.Text, m.AttachmentRef, meta, m.CreatedAt.UnixMilli()); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}
		return tx.Commit()
	})
}

// LoadSnapshot reads a thread's snapshot back in ascending order.
func (s *SQLite) LoadSnapshot(ctx context.Context, threadID string) (*Snapshot, error) {
	defer s.locks.lock(threadID)()

	var (
		snap     = Snapshot{ThreadID: threadID}
		oldestMs int64
		hasMore  int
		savedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT oldest_id, oldest_ms, has_more, saved_at FROM snapshots WHERE thread_id = ?`, threadID,
	).Scan(&snap.Oldest.BeforeID, &oldestMs, &hasMore, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	if oldestMs > 0 {
		snap.Oldest.Before = time.UnixMilli(oldestMs).UTC()
	}
	snap.HasMoreOlder = hasMore != 0
	snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, kind, text, attachment_ref, metadata, created_ms
		 FROM messages WHERE thread_id = ? ORDER BY created_ms ASC, id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r    model.RawMessage
			meta sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Sender, &r.Kind, &r.Text, &r.AttachmentRef, &meta, &r.CreatedAtMs); err != nil {
			return nil, err
		}
		if meta.Valid {
			r.Metadata = []byte(meta.String)
		}
		m, err := r.Decode(threadID)
		if err != nil {
			return nil, fmt.Errorf("corrupt cached message: %w", err)
		}
		snap.Confirmed = append(snap.Confirmed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteSnapshot removes a thread from the cache.
func (s *SQLite) DeleteSnapshot(ctx context.Context, threadID string) error {
	defer s.locks.lock(threadID)()
	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE thread_id = ?`, threadID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListSnapshots summarizes every cached thread.
func (s *SQLite) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.thread_id, s.saved_at, COUNT(m.id), COALESCE(MAX(m.created_ms), 0)
		 FROM snapshots s LEFT JOIN messages m ON m.thread_id = s.thread_id
		 GROUP BY s.thread_id ORDER BY s.thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info     SnapshotInfo
			savedAt  string
			newestMs int64
		)
		if err := rows.Scan(&info.ThreadID, &savedAt, &info.Count, &newestMs); err != nil {
			return nil, err
		}
		info.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		if newestMs > 0 {
			info.Newest = time.UnixMilli(newestMs).UTC()
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func cursorMillis(c model.Cursor) int64 {
	if c.Before.IsZero() {
		return 0
	}
	return c.Before.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
