// Package session owns the state of open threads.
//
// A Session is the single writer of one thread's ThreadState. Every
// mutation happens under its mutex and no I/O happens while the mutex is
// held: an operation takes a snapshot of what it needs, releases the lock
// for the network call, and re-acquires it to apply the result. Each Open
// and Close bumps a generation counter; results carrying an older
// generation are dropped, so a fetch that completes after Close never
// touches the discarded state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/threadsync/pkg/clock"
	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/logging"
	"github.com/daviddao/threadsync/pkg/metrics"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/projection"
	"github.com/daviddao/threadsync/pkg/reconcile"
	"github.com/daviddao/threadsync/pkg/store"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

// DefaultPageSize is the number of messages requested per fetch.
const DefaultPageSize = 20

var (
	// ErrClosed is returned by operations on a session that is not open,
	// and by fetches whose session was closed or reopened mid-flight.
	ErrClosed = errors.New("session closed")

	// ErrNotFound is returned by Retry and Cancel for an unknown local id.
	ErrNotFound = errors.New("pending message not found")

	// ErrNotRetryable is returned by Retry for an entry that is not Failed.
	ErrNotRetryable = errors.New("pending message has not failed")
)

// Options configures a Session. The zero value is usable.
type Options struct {
	PageSize    int
	FuzzyWindow time.Duration
	// Clock stamps pending messages. It is wrapped in a clock.Monotonic.
	Clock   clock.Source
	Cache   store.Cache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// NewID allocates local ids.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.FuzzyWindow <= 0 {
		o.FuzzyWindow = reconcile.DefaultFuzzyWindow
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Cache == nil {
		o.Cache = store.Nop{}
	}
	if o.NewID == nil {
		o.NewID = func() string { return "local-" + uuid.NewString() }
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// Session is one thread's sync engine. Create with New, then Open.
type Session struct {
	gw   gateway.Gateway
	opts Options
	clk  *clock.Monotonic
	log  *slog.Logger

	mu            sync.Mutex
	state         model.ThreadState
	open          bool
	gen           uint64
	ctx           context.Context // lifetime of the current generation
	cancel        context.CancelFunc
	refreshQueued bool
	snapSeq       uint64

	saveMu   sync.Mutex
	savedSeq uint64
	changes  chan struct{}
	inflight sync.WaitGroup
}

// New returns a closed session fetching through gw.
func New(gw gateway.Gateway, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return &Session{
		gw:      gw,
		opts:    opts,
		clk:     clock.NewMonotonic(opts.Clock),
		log:     opts.Logger,
		state:   model.NewThreadState(""),
		ctx:     ctx,
		cancel:  cancel,
		changes: make(chan struct{}, 1),
	}
}

// Open starts a new generation for threadID: in-flight work of the
// previous generation is cancelled and state is cleared. The cached
// snapshot, if any, seeds the confirmed list before the initial load runs.
// A failed initial load leaves the session open with LastError set.
func (s *Session) Open(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("open: empty thread id")
	}
	s.mu.Lock()
	wasOpen, prevThread := s.open, s.state.ThreadID
	s.cancel()
	s.gen++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.open = true
	s.state = model.NewThreadState(threadID)
	s.refreshQueued = false
	gen := s.gen
	s.notifyLocked()
	s.mu.Unlock()

	if wasOpen {
		s.opts.Metrics.SessionClosed(prevThread)
	}
	s.opts.Metrics.SessionOpened()
	s.log.Info("session_opened", "thread", threadID, "generation", gen)

	s.seedFromCache(ctx, gen, threadID)
	return s.LoadInitial(ctx)
}

func (s *Session) seedFromCache(ctx context.Context, gen uint64, threadID string) {
	snap, err := s.opts.Cache.LoadSnapshot(ctx, threadID)
	if err != nil {
		if !errors.Is(err, store.ErrNoSnapshot) {
			s.log.Warn("cache_load_failed", "thread", threadID, "err", err)
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state.Busy != model.BusyNone || len(s.state.Confirmed) > 0 {
		return
	}
	s.state.Confirmed = model.SortMessages(snap.Confirmed)
	s.state.Oldest = model.CursorFor(s.state.Confirmed)
	s.state.HasMoreOlder = snap.HasMoreOlder
	s.state.Seeded = true
	s.notifyLocked()
	s.log.Debug("cache_seeded", "thread", threadID, "messages", len(snap.Confirmed))
}

// Close cancels in-flight work and discards state. Closing a closed
// session does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	threadID := s.state.ThreadID
	s.open = false
	s.gen++
	s.cancel()
	s.state = model.NewThreadState("")
	s.refreshQueued = false
	s.notifyLocked()
	s.mu.Unlock()

	s.opts.Metrics.SessionClosed(threadID)
	s.log.Info("session_closed", "thread", threadID)
}

// Wait blocks until background sends and queued refreshes have finished.
func (s *Session) Wait() { s.inflight.Wait() }

// Changes delivers a signal after state changes. Signals coalesce: one
// receive may stand for several changes.
func (s *Session) Changes() <-chan struct{} { return s.changes }

func (s *Session) notifyLocked() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// opContextLocked derives a context for one operation that ends when
// either the caller's ctx or the current generation ends.
func (s *Session) opContextLocked(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// fetchOp describes one kind of fetch.
type fetchOp struct {
	name string
	busy model.BusyState
	// prepare returns the cursor to fetch from, or false to skip silently.
	prepare func(st *model.ThreadState) (model.Cursor, bool)
	// apply merges a decoded page; n is the raw page length.
	apply func(st *model.ThreadState, page []model.ServerMessage, n int)
	// fillGap fetches older pages behind a newest page that does not
	// join up with the confirmed list.
	fillGap bool
}

// maxGapPages bounds the extra pages one refresh fetches to close a gap.
const maxGapPages = 5

// LoadInitial fetches the newest page and replaces the confirmed list.
// It is a no-op while another fetch is in flight.
func (s *Session) LoadInitial(ctx context.Context) error {
	return s.runFetch(ctx, fetchOp{
		name:    "initial",
		busy:    model.BusyLoadingInitial,
		prepare: newestPage,
		apply:   s.replaceConfirmed,
	})
}

func newestPage(*model.ThreadState) (model.Cursor, bool) {
	return model.Cursor{}, true
}

// replaceConfirmed makes page the whole confirmed list.
func (s *Session) replaceConfirmed(st *model.ThreadState, page []model.ServerMessage, n int) {
	st.Confirmed = page
	st.Oldest = model.CursorFor(page)
	st.HasMoreOlder = n >= s.opts.PageSize
}

// LoadOlder fetches the page before the oldest confirmed message. It is a
// silent no-op unless the session is idle and more history exists.
func (s *Session) LoadOlder(ctx context.Context) error {
	return s.runFetch(ctx, fetchOp{
		name: "older",
		busy: model.BusyLoadingOlder,
		prepare: func(st *model.ThreadState) (model.Cursor, bool) {
			return st.Oldest, st.HasMoreOlder
		},
		apply: func(st *model.ThreadState, page []model.ServerMessage, n int) {
			st.Confirmed, _ = reconcile.Merge(st.Confirmed, page)
			st.Oldest = model.CursorFor(st.Confirmed)
			st.HasMoreOlder = n >= s.opts.PageSize
		},
	})
}

// RefreshIncremental fetches the newest page, merges unseen messages into
// their sorted position and reconciles pending messages. A call made while
// another fetch is in flight queues exactly one refresh to run after it.
//
// A full page that does not reach back to the newest confirmed message is
// followed by older pages until it does, up to maxGapPages. If the gap is
// still open after that, the fetched span replaces the confirmed list and
// the rest is left to LoadOlder.
func (s *Session) RefreshIncremental(ctx context.Context) error {
	return s.runFetch(ctx, fetchOp{
		name:    "refresh",
		busy:    model.BusyRefreshing,
		fillGap: true,
		prepare: newestPage,
		apply: func(st *model.ThreadState, page []model.ServerMessage, n int) {
			wasEmpty := len(st.Confirmed) == 0
			st.Confirmed, _ = reconcile.Merge(st.Confirmed, page)
			st.Oldest = model.CursorFor(st.Confirmed)
			if wasEmpty {
				st.HasMoreOlder = n >= s.opts.PageSize
			}
		},
	})
}

func (s *Session) runFetch(ctx context.Context, op fetchOp) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Busy != model.BusyNone {
		if op.busy == model.BusyRefreshing {
			s.refreshQueued = true
		}
		s.mu.Unlock()
		return nil
	}
	if s.state.Seeded {
		// The cached list may be stale. Whatever fetch comes first replaces
		// it with the newest page.
		op.prepare, op.apply, op.fillGap = newestPage, s.replaceConfirmed, false
	}
	cursor, ok := op.prepare(&s.state)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.state.Busy = op.busy
	if op.busy == model.BusyRefreshing {
		s.refreshQueued = false
	}
	gen, threadID := s.gen, s.state.ThreadID
	var newest *model.ServerMessage
	if n := len(s.state.Confirmed); op.fillGap && n > 0 {
		m := s.state.Confirmed[n-1]
		newest = &m
	}
	opCtx, stop := s.opContextLocked(ctx)
	s.notifyLocked()
	s.mu.Unlock()
	defer stop()

	page, n, err := s.fetch(opCtx, op.name, threadID, cursor)
	apply := op.apply
	if err == nil && newest != nil && n >= s.opts.PageSize && !reaches(page, *newest) {
		var joined bool
		page, n, joined, err = s.closeGap(opCtx, threadID, page, *newest)
		if err == nil && !joined {
			apply = s.replaceConfirmed
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state.Busy = model.BusyNone
	s.startQueuedRefreshLocked()

	if err != nil {
		if syncerr.IsCanceled(err) {
			s.notifyLocked()
			s.mu.Unlock()
			return err
		}
		se := syncerr.Classify(err)
		s.state.LastError = se
		s.notifyLocked()
		s.mu.Unlock()
		s.log.Warn("fetch_failed", "thread", threadID, "op", op.name, "kind", se.Kind, "err", err)
		return se
	}

	apply(&s.state, page, n)
	s.state.Seeded = false
	s.reconcileLocked()
	snap, seq := s.snapshotLocked()
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Debug("fetch_applied", "thread", threadID, "op", op.name, "received", len(page))
	s.saveSnapshot(opCtx, snap, seq)
	return nil
}

// fetch requests one page and decodes it. n is the raw page length.
func (s *Session) fetch(ctx context.Context, name, threadID string, cursor model.Cursor) ([]model.ServerMessage, int, error) {
	start := time.Now()
	raw, err := s.gw.FetchPage(ctx, threadID, cursor, s.opts.PageSize)
	var page []model.ServerMessage
	if err == nil {
		page, err = model.DecodePage(threadID, raw)
	}
	if !syncerr.IsCanceled(err) {
		s.opts.Metrics.ObserveFetch(name, time.Since(start), err)
	}
	return page, len(raw), err
}

// closeGap fetches older pages behind span until one reaches newest or the
// server runs out. It returns the accumulated messages, the length of the
// last raw page and whether the span joined up with newest.
func (s *Session) closeGap(ctx context.Context, threadID string, span []model.ServerMessage, newest model.ServerMessage) ([]model.ServerMessage, int, bool, error) {
	for i := 0; i < maxGapPages; i++ {
		older, n, err := s.fetch(ctx, "gap", threadID, model.CursorFor(span))
		if err != nil {
			return nil, 0, false, err
		}
		span, _ = reconcile.Merge(older, span)
		if reaches(older, newest) {
			return span, n, true, nil
		}
		if n < s.opts.PageSize {
			return span, n, false, nil
		}
	}
	s.log.Warn("gap_not_closed", "thread", threadID, "pages", maxGapPages)
	return span, s.opts.PageSize, false, nil
}

// reaches reports whether page overlaps or precedes newest, leaving no
// hole between them.
func reaches(page []model.ServerMessage, newest model.ServerMessage) bool {
	return len(page) == 0 || !model.MessageLess(newest, page[0])
}

// startQueuedRefreshLocked runs the refresh requested while a fetch was in
// flight.
func (s *Session) startQueuedRefreshLocked() {
	if !s.refreshQueued || !s.open {
		return
	}
	s.refreshQueued = false
	ctx := s.ctx
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_ = s.RefreshIncremental(ctx)
	}()
}

func (s *Session) reconcileLocked() {
	res := reconcile.Reconcile(s.state.Confirmed, s.state.Pending, reconcile.Options{FuzzyWindow: s.opts.FuzzyWindow})
	if len(res.Retired) == 0 {
		return
	}
	s.state.Pending = res.Pending
	counts := map[reconcile.Pass]int{}
	for _, r := range res.Retired {
		counts[r.Pass]++
		s.log.Debug("pending_retired", "thread", s.state.ThreadID, "local_id", r.LocalID, "server_id", r.ServerID, "pass", string(r.Pass))
	}
	for pass, n := range counts {
		s.opts.Metrics.ObserveRetired(string(pass), n)
	}
	s.opts.Metrics.SetPending(s.state.ThreadID, len(s.state.Pending))
}

func (s *Session) snapshotLocked() (store.Snapshot, uint64) {
	s.snapSeq++
	return store.Snapshot{
		ThreadID:     s.state.ThreadID,
		Confirmed:    append([]model.ServerMessage(nil), s.state.Confirmed...),
		Oldest:       s.state.Oldest,
		HasMoreOlder: s.state.HasMoreOlder,
	}, s.snapSeq
}

// saveSnapshot writes through to the cache. A snapshot older than one
// already written is skipped. Failures are logged only.
func (s *Session) saveSnapshot(ctx context.Context, snap store.Snapshot, seq uint64) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if seq <= s.savedSeq {
		return
	}
	if err := s.opts.Cache.SaveSnapshot(ctx, snap); err != nil {
		s.log.Warn("cache_save_failed", "thread", snap.ThreadID, "err", err)
		return
	}
	s.savedSeq = seq
}

// Projection returns the list to render.
func (s *Session) Projection() []model.DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return projection.Project(s.state)
}

// State returns a deep copy of the thread state.
func (s *Session) State() model.ThreadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// ThreadID returns the open thread, or "" when closed.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ThreadID
}

func (s *Session) HasMoreOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.HasMoreOlder
}

func (s *Session) Busy() model.BusyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Busy
}

// LastError returns the retained fetch error, or nil.
func (s *Session) LastError() *syncerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastError == nil {
		return nil
	}
	e := *s.state.LastError
	return &e
}

// DismissError clears the retained fetch error.
func (s *Session) DismissError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastError != nil {
		s.state.LastError = nil
		s.notifyLocked()
	}
}
