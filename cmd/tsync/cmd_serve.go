package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/daviddao/threadsync/pkg/devserver"
	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/model"
)

func newServeCmd() *cobra.Command {
	var (
		addr string
		demo bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the in-memory development server",
		Long: `Run the in-memory development server.

It speaks the same HTTP API the client uses, keeps everything in memory and
serves Prometheus metrics on /metrics. If gateway.token is set, requests to
/v1 must carry it.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr, demo)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	cmd.Flags().BoolVar(&demo, "demo", false, "seed a thread named demo")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, demo bool) error {
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	backend := gateway.NewMemory(nil)
	if demo {
		seedDemo(backend, time.Now())
	}

	srv := devserver.New(backend, devserver.Options{
		Token:    a.cfg.Gateway.Token,
		Gatherer: a.reg,
		Logger:   a.log,
	})
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(addr) }()
	fmt.Fprintf(os.Stderr, "serving on http://%s (ctrl-c to stop)\n", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	if err := srv.Shutdown(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "\nstopped")
	return nil
}

func seedDemo(backend *gateway.Memory, now time.Time) {
	lines := []struct {
		sender model.Sender
		text   string
	}{
		{model.SenderContact, "hey"},
		{model.SenderContact, "are we still on for friday?"},
		{model.SenderOwner, "yes, 7pm"},
	}
	for i, l := range lines {
		backend.Seed("demo", model.ServerMessage{
			ID:        fmt.Sprintf("demo-%d", i+1),
			Sender:    l.sender,
			Content:   model.Content{Kind: model.KindText, Text: l.text},
			CreatedAt: now.Add(time.Duration(i-len(lines)) * time.Minute).UTC().Truncate(time.Millisecond),
		})
	}
}
