package session

import (
	"context"
	"sort"
	"sync"

	"github.com/daviddao/threadsync/pkg/gateway"
)

// Manager keeps one independent Session per thread id. Sessions share the
// gateway and options but no mutable state.
type Manager struct {
	gw   gateway.Gateway
	opts Options

	mu       sync.Mutex
	sessions map[string]*managed
}

// managed is a session whose first Open may still be running. ready is
// closed once it has returned.
type managed struct {
	s     *Session
	ready chan struct{}
}

// NewManager returns an empty manager.
func NewManager(gw gateway.Gateway, opts Options) *Manager {
	return &Manager{gw: gw, opts: opts, sessions: make(map[string]*managed)}
}

// Open returns the session for threadID, opening it on first use. The
// session is kept even when its initial load fails; the error is returned
// alongside it. Callers racing the first Open wait for it to return.
func (m *Manager) Open(ctx context.Context, threadID string) (*Session, error) {
	m.mu.Lock()
	if e, ok := m.sessions[threadID]; ok {
		m.mu.Unlock()
		select {
		case <-e.ready:
			return e.s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &managed{s: New(m.gw, m.opts), ready: make(chan struct{})}
	m.sessions[threadID] = e
	m.mu.Unlock()

	err := e.s.Open(ctx, threadID)
	close(e.ready)
	return e.s, err
}

// Get returns an open session. A session whose first Open has not
// returned yet is not reported.
func (m *Manager) Get(threadID string) (*Session, bool) {
	m.mu.Lock()
	e, ok := m.sessions[threadID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.s, true
	default:
		return nil, false
	}
}

// Close closes and forgets one session. Other sessions are untouched.
func (m *Manager) Close(threadID string) {
	m.mu.Lock()
	e, ok := m.sessions[threadID]
	delete(m.sessions, threadID)
	m.mu.Unlock()
	if ok {
		<-e.ready
		e.s.Close()
	}
}

// CloseAll closes every session and waits for their background work.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*managed)
	m.mu.Unlock()
	for _, e := range all {
		<-e.ready
		e.s.Close()
	}
	for _, e := range all {
		e.s.Wait()
	}
}

// Threads lists open thread ids in order.
func (m *Manager) Threads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
