package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

var fastPoll = PollOptions{Interval: 5 * time.Millisecond, MinInterval: time.Millisecond, MaxBackoff: 20 * time.Millisecond}

func TestPollerPicksUpNewMessages(t *testing.T) {
	gw := gateway.NewMemory(nil)
	s := New(gw, Options{})
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background(), "t1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPoller(s, fastPoll, nil).Run(ctx) }()

	gw.Post("t1", model.SenderContact, text("knock knock"))
	require.Eventually(t, func() bool { return countText(s.Projection(), "knock knock") == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPollerSurvivesFailures(t *testing.T) {
	gw := gateway.NewMemory(nil)
	s := New(gw, Options{})
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background(), "t1"))

	gw.SetOffline(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPoller(s, fastPoll, nil).Run(ctx)

	require.Eventually(t, func() bool { return s.LastError() != nil }, 2*time.Second, time.Millisecond)
	assert.Equal(t, syncerr.NetworkUnavailable, s.LastError().Kind)

	gw.SetOffline(false)
	gw.Post("t1", model.SenderContact, text("back"))
	require.Eventually(t, func() bool { return countText(s.Projection(), "back") == 1 }, 2*time.Second, time.Millisecond)
}

func TestPollerStopsWhenSessionCloses(t *testing.T) {
	gw := gateway.NewMemory(nil)
	s := New(gw, Options{})
	require.NoError(t, s.Open(context.Background(), "t1"))

	done := make(chan error, 1)
	go func() { done <- NewPoller(s, fastPoll, nil).Run(context.Background()) }()
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("poller kept running after close")
	}
}

func TestPollerTrigger(t *testing.T) {
	gw := gateway.NewMemory(nil)
	s := New(gw, Options{})
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background(), "t1"))

	p := NewPoller(s, PollOptions{Interval: time.Hour, MinInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	before := gw.Fetches()
	p.Trigger()
	require.Eventually(t, func() bool { return gw.Fetches() > before }, 2*time.Second, time.Millisecond)
}
