package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/threadsync/pkg/store"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

// threadStatus is the JSON form of "tsync status".
type threadStatus struct {
	ThreadID     string         `json:"thread_id"`
	Confirmed    int            `json:"confirmed"`
	HasMoreOlder bool           `json:"has_more_older"`
	Seeded       bool           `json:"seeded"`
	Newest       time.Time      `json:"newest,omitempty"`
	CachedAt     time.Time      `json:"cached_at,omitempty"`
	LastError    *syncerr.Error `json:"last_error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <thread>",
		Short: "Show sync state of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			return a.status(cmd.Context(), args[0])
		}),
	}
}

func (a *app) status(ctx context.Context, threadID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.commandTimeout())
	defer cancel()

	// Read the snapshot before opening: a successful load rewrites it.
	var cachedAt time.Time
	if snap, err := a.cache.LoadSnapshot(ctx, threadID); err == nil {
		cachedAt = snap.SavedAt
	} else if !errors.Is(err, store.ErrNoSnapshot) {
		a.log.Warn("cache_load_failed", "thread", threadID, "err", err)
	}

	s, _ := a.openSession(ctx, threadID)
	defer closeSession(s)
	st := s.State()

	out := threadStatus{
		ThreadID:     threadID,
		Confirmed:    len(st.Confirmed),
		HasMoreOlder: st.HasMoreOlder,
		Seeded:       st.Seeded,
		CachedAt:     cachedAt,
		LastError:    st.LastError,
	}
	if n := len(st.Confirmed); n > 0 {
		out.Newest = st.Confirmed[n-1].CreatedAt
	}

	if a.jsonOut {
		a.printJSON(out)
		return nil
	}
	fmt.Fprintf(a.out, "thread:     %s\n", out.ThreadID)
	fmt.Fprintf(a.out, "messages:   %s loaded", humanize.Comma(int64(out.Confirmed)))
	if out.HasMoreOlder {
		fmt.Fprint(a.out, " (more available)")
	}
	fmt.Fprintln(a.out)
	fmt.Fprintf(a.out, "newest:     %s\n", ago(out.Newest))
	fmt.Fprintf(a.out, "cached:     %s\n", ago(out.CachedAt))
	switch {
	case out.LastError != nil && out.Seeded:
		fmt.Fprintf(a.out, "server:     unreachable, showing cache (%v)\n", out.LastError)
	case out.LastError != nil:
		fmt.Fprintf(a.out, "server:     %v\n", out.LastError)
	default:
		fmt.Fprintln(a.out, "server:     ok")
	}
	return nil
}

func newThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List threads in the local cache",
		Args:  cobra.NoArgs,
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			return a.threads(cmd.Context())
		}),
	}
}

func (a *app) threads(ctx context.Context) error {
	infos, err := a.cache.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if a.jsonOut {
		if infos == nil {
			infos = []store.SnapshotInfo{}
		}
		a.printJSON(infos)
		return nil
	}
	if len(infos) == 0 {
		fmt.Fprintln(a.out, "no cached threads")
		return nil
	}
	fmt.Fprintf(a.out, "%-24s %10s  %-16s %s\n", "THREAD", "MESSAGES", "NEWEST", "CACHED")
	for _, info := range infos {
		fmt.Fprintf(a.out, "%-24s %10s  %-16s %s\n",
			info.ThreadID, humanize.Comma(int64(info.Count)), ago(info.Newest), ago(info.SavedAt))
	}
	return nil
}

// ago renders t relative to now, or "never" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
