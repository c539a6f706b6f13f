package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/daviddao/threadsync/pkg/config"
	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/logging"
	"github.com/daviddao/threadsync/pkg/metrics"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/session"
	"github.com/daviddao/threadsync/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	gw      gateway.Gateway
	cache   store.Cache
	out     io.Writer
	jsonOut bool
}

// newApp loads configuration from the root command's flags, builds the
// logger and opens the cache. Creates the .threadsync/ directory if the
// cache lives there.
func newApp(cmd *cobra.Command) (*app, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env")
	jsonOut, _ := cmd.Flags().GetBool("json")

	if cfgPath == "" {
		if def := filepath.Join(config.DefaultDir, "config.yaml"); fileExists(def) {
			cfgPath = def
		}
	}
	cfg, err := config.Load(cfgPath, envFile)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	cache, err := openCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	return &app{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: metrics.New(reg),
		gw:      newGateway(cfg.Gateway),
		cache:   cache,
		out:     cmd.OutOrStdout(),
		jsonOut: jsonOut,
	}, nil
}

// newGateway is replaced in tests.
var newGateway = func(cfg config.GatewayConfig) gateway.Gateway {
	return gateway.NewHTTP(cfg.BaseURL, gateway.WithToken(cfg.Token), gateway.WithTimeout(cfg.Timeout))
}

func openCache(cfg config.CacheConfig) (store.Cache, error) {
	if cfg.Driver != "none" && strings.HasPrefix(filepath.Clean(cfg.Path), config.DefaultDir) {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", filepath.Dir(cfg.Path), err)
		}
	}
	c, err := store.Open(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot open cache %q: %w", cfg.Path, err)
	}
	return c, nil
}

// Close releases the cache.
func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.log.Warn("cache_close_failed", "err", err)
	}
}

func (a *app) sessionOptions() session.Options {
	return session.Options{
		PageSize:    a.cfg.Session.PageSize,
		FuzzyWindow: a.cfg.Session.FuzzyWindow,
		Cache:       a.cache,
		Metrics:     a.metrics,
		Logger:      a.log,
	}
}

// openSession opens threadID. A failed initial load is logged and
// returned alongside the session, which still shows any cached history.
func (a *app) openSession(ctx context.Context, threadID string) (*session.Session, error) {
	s := session.New(a.gw, a.sessionOptions())
	err := s.Open(ctx, threadID)
	if err != nil {
		a.log.Debug("open_failed", "thread", threadID, "err", err)
	}
	return s, err
}

// closeSession closes s and waits for its background sends and refreshes
// so none of them outlives the cache.
func closeSession(s *session.Session) {
	s.Close()
	s.Wait()
}

// serveMetrics exposes the registry on addr until ctx ends. An empty addr
// does nothing.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	srv := &fasthttp.Server{
		Handler: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})),
		Name:    "threadsync-metrics",
	}
	go func() {
		if err := srv.ListenAndServe(addr); err != nil {
			a.log.Warn("metrics_listener_failed", "addr", addr, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown()
	}()
}

// printJSON writes v to the command output as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printMessage prints one entry as a single line.
func (a *app) printMessage(d model.DisplayMessage) {
	ts := d.CreatedAt().Local().Format("2006-01-02 15:04:05")
	switch {
	case d.Server != nil:
		fmt.Fprintf(a.out, "[%s] %s: %s\n", ts, d.Server.Sender, body(d.Server.Content))
	case d.Pending != nil:
		status := string(d.Pending.Status)
		if d.Pending.Failure != nil {
			status += ": " + d.Pending.Failure.Kind.String()
		}
		fmt.Fprintf(a.out, "[%s] owner (%s): %s\n", ts, status, body(d.Pending.Content))
	}
}

func body(c model.Content) string {
	switch {
	case c.Kind == model.KindImage && c.Text != "":
		return fmt.Sprintf("<image %s> %s", c.AttachmentRef, c.Text)
	case c.Kind == model.KindImage:
		return fmt.Sprintf("<image %s>", c.AttachmentRef)
	case c.Kind == model.KindEvent:
		return "<event> " + string(c.Metadata)
	}
	return c.Text
}

// exitError carries a non-default exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// commandTimeout bounds one-shot commands: a page fetch or a send plus
// the refresh that follows it.
func (a *app) commandTimeout() time.Duration {
	return 3 * a.cfg.Gateway.Timeout
}
