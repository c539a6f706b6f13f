package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/session"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <thread>",
		Short: "Follow a thread, printing messages as they arrive",
		Long: `Follow a thread, printing messages as they arrive.

The thread is refreshed every session.poll_interval, backing off on
failure. With --json each message is printed as one JSON object per line.
When metrics.addr is set, Prometheus metrics are served there.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, args[0])
		}),
	}
}

func (a *app) watch(ctx context.Context, threadID string) error {
	a.serveMetrics(ctx, a.cfg.Metrics.Addr)

	s, err := a.openSession(ctx, threadID)
	defer closeSession(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsync: initial load failed, will keep trying: %v\n", err)
	}

	poller := session.NewPoller(s, session.PollOptions{
		Interval:    a.cfg.Session.PollInterval,
		MinInterval: a.cfg.Session.MinPollInterval,
		MaxBackoff:  a.cfg.Session.MaxBackoff,
	}, a.log)
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	fmt.Fprintf(os.Stderr, "watching %s (poll every %s, ctrl-c to stop)\n", threadID, a.cfg.Session.PollInterval)

	seen := make(map[string]struct{})
	reported := ""
	for {
		for _, d := range s.Projection() {
			if _, ok := seen[d.Key()]; ok {
				continue
			}
			seen[d.Key()] = struct{}{}
			a.emit(d)
		}
		if e := s.LastError(); e != nil && e.Error() != reported {
			reported = e.Error()
			a.log.Warn("watch_refresh_failed", "thread", threadID, "kind", e.Kind, "err", e)
		}

		select {
		case <-s.Changes():
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "\nstopped")
				return nil
			}
			return err
		}
	}
}

func (a *app) emit(d model.DisplayMessage) {
	if !a.jsonOut {
		a.printMessage(d)
		return
	}
	var v any = d.Server
	if d.Pending != nil {
		v = d.Pending
	}
	b, err := json.Marshal(v)
	if err != nil {
		a.log.Warn("encode_failed", "id", d.Key(), "err", err)
		return
	}
	fmt.Fprintln(a.out, string(b))
}
