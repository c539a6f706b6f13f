package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/daviddao/threadsync/pkg/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteReopenKeepsSnapshots(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(context.Background(), Snapshot{
		ThreadID: "t1", Confirmed: []model.ServerMessage{msg("t1", "a", 10, "hello")},
	}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.LoadSnapshot(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Confirmed) != 1 || got.Confirmed[0].Text != "hello" {
		t.Fatalf("confirmed = %+v", got.Confirmed)
	}
}

func TestSQLiteSaveAppliesLimit(t *testing.T) {
	s := newTestSQLite(t)
	s.SetLimit(2)
	ctx := context.Background()
	s.SaveSnapshot(ctx, Snapshot{ThreadID: "t1", Confirmed: []model.ServerMessage{
		msg("t1", "a", 1, "a"), msg("t1", "b", 2, "b"), msg("t1", "c", 3, "c"),
	}})
	got, err := s.LoadSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Confirmed) != 2 || !got.HasMoreOlder || got.Oldest.BeforeID != "b" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestSQLiteThreadsAreIsolated(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	s.SaveSnapshot(ctx, Snapshot{ThreadID: "t1", Confirmed: []model.ServerMessage{msg("t1", "a", 1, "a")}})
	s.SaveSnapshot(ctx, Snapshot{ThreadID: "t2", Confirmed: []model.ServerMessage{msg("t2", "a", 1, "other")}})

	got, err := s.LoadSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Confirmed[0].Text != "a" {
		t.Fatalf("thread t1 sees %q", got.Confirmed[0].Text)
	}
}

func TestKeyLocksReleaseEntries(t *testing.T) {
	var k keyLocks
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("t1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d", counter)
	}
	if n := k.size(); n != 0 {
		t.Fatalf("%d lock entries leaked", n)
	}
}
