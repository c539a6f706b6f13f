package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/daviddao/threadsync/pkg/config"
	"github.com/daviddao/threadsync/pkg/devserver"
	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_TSYNC_ENV", "hello")
	if got := envOr("TEST_TSYNC_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EmptyEnv(t *testing.T) {
	t.Setenv("TEST_TSYNC_EMPTY", "")
	if got := envOr("TEST_TSYNC_EMPTY", "default"); got != "default" {
		t.Fatalf("envOr with empty env: got %q, want %q", got, "default")
	}
}

// --- exitCode tests ---

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{&exitError{code: 2, err: errors.New("rejected")}, 2},
	}
	for _, c := range cases {
		if got := exitCode(c.err); got != c.want {
			t.Errorf("exitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

// --- body tests ---

func TestBody(t *testing.T) {
	cases := []struct {
		c    model.Content
		want string
	}{
		{model.Content{Kind: model.KindText, Text: "hi"}, "hi"},
		{model.Content{Kind: model.KindImage, AttachmentRef: "img-1"}, "<image img-1>"},
		{model.Content{Kind: model.KindImage, AttachmentRef: "img-1", Text: "look"}, "<image img-1> look"},
		{model.Content{Kind: model.KindEvent, Metadata: json.RawMessage(`{"x":1}`)}, `<event> {"x":1}`},
	}
	for _, c := range cases {
		if got := body(c.c); got != c.want {
			t.Errorf("body(%+v) = %q, want %q", c.c, got, c.want)
		}
	}
}

// --- command tests against the dev server ---

// setupCLI serves a fresh in-memory backend, points the CLI at it and at a
// cache under a temp dir, and returns the backend.
func setupCLI(t *testing.T) *gateway.Memory {
	t.Helper()
	backend := gateway.NewMemory(nil)
	ln := fasthttputil.NewInmemoryListener()
	go devserver.New(backend, devserver.Options{}).Serve(ln)
	t.Cleanup(func() { ln.Close() })

	prev := newGateway
	newGateway = func(cfg config.GatewayConfig) gateway.Gateway {
		return gateway.NewHTTP("http://tsync.test",
			gateway.WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
			gateway.WithTimeout(2*time.Second))
	}
	t.Cleanup(func() { newGateway = prev })

	dir := t.TempDir()
	t.Setenv("THREADSYNC_CONFIG", "")
	t.Setenv("THREADSYNC_CACHE_DRIVER", "sqlite")
	t.Setenv("THREADSYNC_CACHE_PATH", filepath.Join(dir, "cache.db"))
	t.Setenv("THREADSYNC_TIMEOUT", "2s")
	t.Setenv("THREADSYNC_LOG_LEVEL", "error")
	return backend
}

func seedThread(backend *gateway.Memory, threadID string, texts ...string) {
	for i, text := range texts {
		backend.Seed(threadID, model.ServerMessage{
			ID:        threadID + "-" + string(rune('a'+i)),
			Sender:    model.SenderContact,
			Content:   model.Content{Kind: model.KindText, Text: text},
			CreatedAt: time.Date(2024, 5, 1, 12, i, 0, 0, time.UTC),
		})
	}
}

// runCLI executes the root command and returns its stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd("test")
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "tsync test" {
		t.Fatalf("version output = %q", out)
	}
}

func TestHistory(t *testing.T) {
	backend := setupCLI(t)
	seedThread(backend, "t1", "first", "second")

	out, err := runCLI(t, "history", "t1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.HasSuffix(lines[0], "contact: first") || !strings.HasSuffix(lines[1], "contact: second") {
		t.Fatalf("unexpected history order:\n%s", out)
	}
}

func TestHistoryPages(t *testing.T) {
	backend := setupCLI(t)
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = "m"
	}
	seedThread(backend, "t1", texts...)

	out, err := runCLI(t, "--json", "history", "t1", "--pages", "2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var resp struct {
		Messages     []model.DisplayMessage `json:"messages"`
		HasMoreOlder bool                   `json:"has_more_older"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(resp.Messages) != 25 {
		t.Fatalf("expected 25 messages over two pages, got %d", len(resp.Messages))
	}
	if resp.HasMoreOlder {
		t.Fatal("short second page should end the history")
	}
}

func TestHistoryOfflineFallsBackToCache(t *testing.T) {
	backend := setupCLI(t)
	seedThread(backend, "t1", "cached line")

	if _, err := runCLI(t, "history", "t1"); err != nil {
		t.Fatalf("first history: %v", err)
	}
	backend.SetOffline(true)

	out, err := runCLI(t, "history", "t1")
	if err != nil {
		t.Fatalf("offline history with a cache should succeed: %v", err)
	}
	if !strings.Contains(out, "cached line") {
		t.Fatalf("offline history did not show the cache:\n%s", out)
	}
}

func TestHistoryOfflineWithoutCacheFails(t *testing.T) {
	backend := setupCLI(t)
	backend.SetOffline(true)

	_, err := runCLI(t, "history", "t1")
	if syncerr.KindOf(err) != syncerr.NetworkUnavailable {
		t.Fatalf("expected network_unavailable, got %v", err)
	}
}

func TestSend(t *testing.T) {
	backend := setupCLI(t)

	out, err := runCLI(t, "send", "t1", "hello", "there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasPrefix(out, "sent local-") {
		t.Fatalf("unexpected send output: %q", out)
	}
	msgs := backend.Messages("t1")
	if len(msgs) != 1 || msgs[0].Text != "hello there" || msgs[0].Sender != model.SenderOwner {
		t.Fatalf("backend did not record the send: %+v", msgs)
	}
}

func TestSendImage(t *testing.T) {
	backend := setupCLI(t)

	if _, err := runCLI(t, "send", "t1", "--image", "img-42"); err != nil {
		t.Fatalf("send image: %v", err)
	}
	msgs := backend.Messages("t1")
	if len(msgs) != 1 || msgs[0].Kind != model.KindImage || msgs[0].AttachmentRef != "img-42" {
		t.Fatalf("unexpected stored message: %+v", msgs)
	}
}

func TestSendEmptyIsRejectedLocally(t *testing.T) {
	backend := setupCLI(t)

	_, err := runCLI(t, "send", "t1")
	if !errors.Is(err, model.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if backend.Sends() != 0 {
		t.Fatal("empty message reached the server")
	}
}

func TestSendFailureExitsTwo(t *testing.T) {
	backend := setupCLI(t)
	backend.FailNextSend(syncerr.Rejected("message blocked"))

	out, err := runCLI(t, "--json", "send", "t1", "spam")
	if code := exitCode(err); code != 2 {
		t.Fatalf("exit code = %d, want 2 (err=%v)", code, err)
	}
	var p model.PendingMessage
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if p.Status != model.StatusFailed || p.Failure == nil || p.Failure.Kind != syncerr.ServerRejected {
		t.Fatalf("unexpected pending entry: %+v", p)
	}
}

func TestStatusAndThreads(t *testing.T) {
	backend := setupCLI(t)
	seedThread(backend, "alpha", "a", "b", "c")
	seedThread(backend, "beta", "x")

	out, err := runCLI(t, "--json", "status", "alpha")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st threadStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if st.Confirmed != 3 || st.LastError != nil || st.Seeded {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !st.CachedAt.IsZero() {
		t.Fatal("first status run should find no cache")
	}

	if _, err := runCLI(t, "history", "beta"); err != nil {
		t.Fatalf("history: %v", err)
	}
	out, err = runCLI(t, "threads")
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	for _, want := range []string{"THREAD", "alpha", "beta"} {
		if !strings.Contains(out, want) {
			t.Fatalf("threads output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusOffline(t *testing.T) {
	backend := setupCLI(t)
	seedThread(backend, "t1", "a")
	if _, err := runCLI(t, "history", "t1"); err != nil {
		t.Fatalf("history: %v", err)
	}
	backend.SetOffline(true)

	out, err := runCLI(t, "status", "t1")
	if err != nil {
		t.Fatalf("status should report, not fail: %v", err)
	}
	if !strings.Contains(out, "unreachable, showing cache") {
		t.Fatalf("status did not report the offline cache:\n%s", out)
	}
}
