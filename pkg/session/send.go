package session

import (
	"context"
	"fmt"

	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

// Send appends an optimistic pending message and delivers it in the
// background. The returned local id identifies the entry until it is
// retired. Invalid content is rejected before anything is queued.
//
// Delivery runs on the session's lifetime, not ctx's: ctx only supplies
// values. On success the entry becomes Sent and a refresh pulls its
// authoritative copy; on failure it becomes Failed and stays visible.
func (s *Session) Send(ctx context.Context, content model.Content) (string, error) {
	if err := content.Validate(); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", ErrClosed
	}
	return s.enqueueLocked(ctx, content.Clone()), nil
}

// Retry re-sends a Failed entry under a new local id and timestamp. The
// old entry is removed. Retries are applied in call order; retrying an
// entry that is no longer Failed returns ErrNotRetryable.
func (s *Session) Retry(ctx context.Context, localID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", ErrClosed
	}
	i := s.state.FindPending(localID)
	if i < 0 {
		return "", ErrNotFound
	}
	old := s.state.Pending[i]
	if old.Status != model.StatusFailed {
		return "", ErrNotRetryable
	}
	s.removePendingLocked(i)
	newID := s.enqueueLocked(ctx, old.Content.Clone())
	s.log.Info("send_retried", "thread", s.state.ThreadID, "old_local_id", localID, "local_id", newID)
	return newID, nil
}

// Cancel removes a pending entry in any status. A gateway result arriving
// later for a cancelled Sending entry is ignored.
func (s *Session) Cancel(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	i := s.state.FindPending(localID)
	if i < 0 {
		return ErrNotFound
	}
	s.removePendingLocked(i)
	s.opts.Metrics.SetPending(s.state.ThreadID, len(s.state.Pending))
	s.notifyLocked()
	return nil
}

// removePendingLocked drops entry i into a new slice, keeping order.
func (s *Session) removePendingLocked(i int) {
	next := make([]model.PendingMessage, 0, len(s.state.Pending)-1)
	next = append(next, s.state.Pending[:i]...)
	next = append(next, s.state.Pending[i+1:]...)
	s.state.Pending = next
}

func (s *Session) enqueueLocked(ctx context.Context, content model.Content) string {
	p := model.PendingMessage{
		LocalID:   s.opts.NewID(),
		ThreadID:  s.state.ThreadID,
		Content:   content,
		CreatedAt: s.clk.Now(),
		Status:    model.StatusSending,
	}
	s.state.Pending = append(s.state.Pending, p)
	s.opts.Metrics.SetPending(s.state.ThreadID, len(s.state.Pending))
	s.notifyLocked()

	sendCtx, stop := s.opContextLocked(context.WithoutCancel(ctx))
	gen := s.gen
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer stop()
		s.deliver(sendCtx, gen, p)
	}()
	return p.LocalID
}

func (s *Session) deliver(ctx context.Context, gen uint64, p model.PendingMessage) {
	ack, err := s.gw.Send(ctx, p.ThreadID, p.Content.Clone())

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	i := s.state.FindPending(p.LocalID)
	if i < 0 {
		s.mu.Unlock()
		s.opts.Metrics.ObserveSend("cancelled")
		s.log.Debug("send_result_ignored", "thread", p.ThreadID, "local_id", p.LocalID)
		return
	}

	next := append([]model.PendingMessage(nil), s.state.Pending...)
	if err != nil {
		se := syncerr.Classify(err)
		next[i].Status = model.StatusFailed
		next[i].Failure = se
		s.state.Pending = next
		s.notifyLocked()
		s.mu.Unlock()
		s.opts.Metrics.ObserveSend("failed")
		s.log.Warn("send_failed", "thread", p.ThreadID, "local_id", p.LocalID, "kind", se.Kind, "err", err)
		return
	}

	next[i].Status = model.StatusSent
	next[i].ServerMessageID = ack.ID
	s.state.Pending = next
	// A refresh may already have pulled the copy.
	s.reconcileLocked()
	s.notifyLocked()
	s.mu.Unlock()

	s.opts.Metrics.ObserveSend("sent")
	s.log.Debug("send_acked", "thread", p.ThreadID, "local_id", p.LocalID, "server_id", ack.ID)
	_ = s.RefreshIncremental(ctx)
}
