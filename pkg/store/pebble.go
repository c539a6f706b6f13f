package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/daviddao/threadsync/pkg/model"
)

const snapshotPrefix = "snap/"

// Pebble is a Cache over an embedded Pebble database. Each thread is one
// key holding a JSON record.
type Pebble struct {
	db    *pebble.DB
	locks keyLocks
	limit int
}

// pebbleRecord is the stored value. Messages use the wire form so the
// timestamp survives at millisecond precision.
type pebbleRecord struct {
	Messages     []model.RawMessage `json:"messages"`
	OldestID     string             `json:"oldest_id,omitempty"`
	OldestMs     int64              `json:"oldest_ms,omitempty"`
	HasMoreOlder bool               `json:"has_more_older"`
	SavedAtMs    int64              `json:"saved_at"`
}

// NewPebble opens (or creates) a Pebble database in dir.
func NewPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{db: db, limit: DefaultSnapshotLimit}, nil
}

// SetLimit changes how many messages each snapshot keeps. Zero keeps all.
func (p *Pebble) SetLimit(n int) { p.limit = n }

func snapshotKey(threadID string) []byte { return []byte(snapshotPrefix + threadID) }

// SaveSnapshot replaces the thread's record.
func (p *Pebble) SaveSnapshot(_ context.Context, snap Snapshot) error {
	if snap.ThreadID == "" {
		return errors.New("snapshot without thread id")
	}
	snap = snap.Trim(p.limit)
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	rec := pebbleRecord{
		OldestID:     snap.Oldest.BeforeID,
		OldestMs:     cursorMillis(snap.Oldest),
		HasMoreOlder: snap.HasMoreOlder,
		SavedAtMs:    snap.SavedAt.UnixMilli(),
		Messages:     make([]model.RawMessage, len(snap.Confirmed)),
	}
	for i, m := range snap.Confirmed {
		rec.Messages[i] = model.ToRaw(m)
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	defer p.locks.lock(snap.ThreadID)()
	return p.db.Set(snapshotKey(snap.ThreadID), val, pebble.Sync)
}

// LoadSnapshot reads a thread's record.
func (p *Pebble) LoadSnapshot(_ context.Context, threadID string) (*Snapshot, error) {
	unlock := p.locks.lock(threadID)
	v, closer, err := p.db.Get(snapshotKey(threadID))
	if errors.Is(err, pebble.ErrNotFound) {
		unlock()
		return nil, ErrNoSnapshot
	}
	if err != nil {
		unlock()
		return nil, err
	}
	var rec pebbleRecord
	err = json.Unmarshal(v, &rec)
	closer.Close()
	unlock()
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", threadID, err)
	}
	return rec.snapshot(threadID)
}

func (rec pebbleRecord) snapshot(threadID string) (*Snapshot, error) {
	msgs, err := model.DecodePage(threadID, rec.Messages)
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", threadID, err)
	}
	snap := &Snapshot{
		ThreadID:     threadID,
		Confirmed:    msgs,
		Oldest:       model.Cursor{BeforeID: rec.OldestID},
		HasMoreOlder: rec.HasMoreOlder,
		SavedAt:      time.UnixMilli(rec.SavedAtMs).UTC(),
	}
	if rec.OldestMs > 0 {
		snap.Oldest.Before = time.UnixMilli(rec.OldestMs).UTC()
	}
	return snap, nil
}

// DeleteSnapshot removes a thread's record.
func (p *Pebble) DeleteSnapshot(_ context.Context, threadID string) error {
	defer p.locks.lock(threadID)()
	return p.db.Delete(snapshotKey(threadID), pebble.Sync)
}

// ListSnapshots scans the snapshot prefix in key order.
func (p *Pebble) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	prefix := []byte(snapshotPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []SnapshotInfo
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		threadID := string(bytes.TrimPrefix(iter.Key(), prefix))
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt snapshot %s: %w", threadID, err)
		}
		info := SnapshotInfo{
			ThreadID: threadID,
			Count:    len(rec.Messages),
			SavedAt:  time.UnixMilli(rec.SavedAtMs).UTC(),
		}
		for _, m := range rec.Messages {
			if t := time.UnixMilli(m.CreatedAtMs).UTC(); t.After(info.Newest) {
				info.Newest = t
			}
		}
		out = append(out, info)
	}
	return out, iter.Error()
}

// Close flushes and closes the database.
func (p *Pebble) Close() error { return p.db.Close() }

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
