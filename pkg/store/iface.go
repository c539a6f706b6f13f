// iface.go defines the Cache interface for dependency injection and testing.
//
// The cache is a best-effort offline snapshot of each thread's confirmed
// history. It is never authoritative: sessions consult it only to seed the
// display before the first fetch completes, and every cache error is
// tolerated by the caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/threadsync/pkg/model"
)

// ErrNoSnapshot is returned by LoadSnapshot when a thread has never been
// cached.
var ErrNoSnapshot = errors.New("no cached snapshot")

// DefaultSnapshotLimit caps how many of the newest messages a snapshot keeps.
const DefaultSnapshotLimit = 200

// Snapshot is the cached confirmed history of one thread.
type Snapshot struct {
	ThreadID     string                `json:"thread_id"`
	Confirmed    []model.ServerMessage `json:"confirmed"`
	Oldest       model.Cursor          `json:"oldest"`
	HasMoreOlder bool                  `json:"has_more_older"`
	SavedAt      time.Time             `json:"saved_at"`
}

// Trim keeps only the newest limit messages. When messages are dropped the
// cursor moves to the new oldest message and HasMoreOlder becomes true.
func (s Snapshot) Trim(limit int) Snapshot {
	if limit <= 0 || len(s.Confirmed) <= limit {
		return s
	}
	kept := make([]model.ServerMessage, limit)
	copy(kept, s.Confirmed[len(s.Confirmed)-limit:])
	s.Confirmed = kept
	s.Oldest = model.CursorFor(kept)
	s.HasMoreOlder = true
	return s
}

// SnapshotInfo summarizes a cached thread.
type SnapshotInfo struct {
	ThreadID string    `json:"thread_id"`
	Count    int       `json:"count"`
	Newest   time.Time `json:"newest,omitempty"`
	SavedAt  time.Time `json:"saved_at"`
}

// Cache is the local snapshot store. Implementations serialize access per
// thread id.
type Cache interface {
	// LoadSnapshot returns the cached snapshot, or ErrNoSnapshot.
	LoadSnapshot(ctx context.Context, threadID string) (*Snapshot, error)

	// SaveSnapshot replaces the cached snapshot of snap.ThreadID.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// DeleteSnapshot drops a thread from the cache. Idempotent.
	DeleteSnapshot(ctx context.Context, threadID string) error

	// ListSnapshots returns one summary per cached thread ordered by id.
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks that the implementations satisfy Cache.
var (
	_ Cache = (*SQLite)(nil)
	_ Cache = (*Pebble)(nil)
	_ Cache = Nop{}
)

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) LoadSnapshot(context.Context, string) (*Snapshot, error) { return nil, ErrNoSnapshot }
func (Nop) SaveSnapshot(context.Context, Snapshot) error            { return nil }
func (Nop) DeleteSnapshot(context.Context, string) error            { return nil }
func (Nop) ListSnapshots(context.Context) ([]SnapshotInfo, error)   { return nil, nil }
func (Nop) Close() error                                            { return nil }
