package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/daviddao/threadsync/pkg/clock"
	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/metrics"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/session"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

const baseURL = "http://devserver.test"

type harness struct {
	backend *gateway.Memory
	ln      *fasthttputil.InmemoryListener
	reg     *prometheus.Registry
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		backend: gateway.NewMemory(clock.NewManual(time.UnixMilli(100_000))),
		ln:      fasthttputil.NewInmemoryListener(),
		reg:     prometheus.NewRegistry(),
	}
	if opts.Gatherer == nil {
		opts.Gatherer = h.reg
	}
	srv := New(h.backend, opts)
	go srv.Serve(h.ln)
	t.Cleanup(func() { h.ln.Close() })
	return h
}

func (h *harness) dial(string) (net.Conn, error) { return h.ln.Dial() }

func (h *harness) client(opts ...gateway.HTTPOption) *gateway.HTTP {
	return gateway.NewHTTP(baseURL, append([]gateway.HTTPOption{gateway.WithDial(h.dial)}, opts...)...)
}

func (h *harness) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	c := &fasthttp.Client{Dial: h.dial}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(baseURL + path)
	require.NoError(t, c.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func seed(b *gateway.Memory, threadID string, n int) {
	for i := 1; i <= n; i++ {
		b.Seed(threadID, model.ServerMessage{
			ID:        threadID + "-" + string(rune('a'+i-1)),
			Sender:    model.SenderContact,
			Content:   model.Content{Kind: model.KindText, Text: "hello"},
			CreatedAt: time.UnixMilli(int64(i) * 1000),
		})
	}
}

func TestFetchPagesThroughHTTP(t *testing.T) {
	h := start(t, Options{})
	seed(h.backend, "t1", 5)
	g := h.client()
	ctx := context.Background()

	first, err := g.FetchPage(ctx, "t1", model.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "t1-e", first[0].ID, "pages are newest first")
	assert.Equal(t, "t1-d", first[1].ID)

	msgs, err := model.DecodePage("t1", first)
	require.NoError(t, err)
	older, err := g.FetchPage(ctx, "t1", model.CursorFor(msgs), 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "t1-c", older[0].ID)

	empty, err := g.FetchPage(ctx, "nobody", model.Cursor{}, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFetchLimitIsCapped(t *testing.T) {
	h := start(t, Options{})
	for i := 1; i <= gateway.MaxPageSize+50; i++ {
		h.backend.Seed("t1", model.ServerMessage{
			ID:        fmt.Sprintf("m%03d", i),
			Sender:    model.SenderContact,
			Content:   model.Content{Kind: model.KindText, Text: "hello"},
			CreatedAt: time.UnixMilli(int64(i) * 1000),
		})
	}

	page, err := h.client().FetchPage(context.Background(), "t1", model.Cursor{}, 500)
	require.NoError(t, err)
	assert.Len(t, page, gateway.MaxPageSize)
	assert.Equal(t, "m250", page[0].ID)
}

func TestSendThroughHTTP(t *testing.T) {
	h := start(t, Options{})
	g := h.client()

	ack, err := g.Send(context.Background(), "t1", model.Content{Kind: model.KindText, Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)
	assert.Equal(t, model.SenderOwner, ack.Sender)
	assert.Equal(t, int64(100_000), ack.CreatedAt.UnixMilli())
	assert.Len(t, h.backend.Messages("t1"), 1)

	h.backend.OmitAckIDs(true)
	ack, err = g.Send(context.Background(), "t1", model.Content{Kind: model.KindText, Text: "again"})
	require.NoError(t, err)
	assert.Empty(t, ack.ID, "202 carries no id")

	_, err = g.Send(context.Background(), "t1", model.Content{Kind: model.KindText})
	assert.Equal(t, syncerr.ServerRejected, syncerr.KindOf(err))
}

func TestBackendFailuresKeepTheirKind(t *testing.T) {
	h := start(t, Options{})
	g := h.client()

	tests := []struct {
		err  error
		kind syncerr.Kind
	}{
		{syncerr.New(syncerr.NetworkUnavailable, "down"), syncerr.NetworkUnavailable},
		{syncerr.New(syncerr.Timeout, "slow"), syncerr.Timeout},
		{syncerr.New(syncerr.Unauthorized, "who"), syncerr.Unauthorized},
		{syncerr.Rejected("no"), syncerr.ServerRejected},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			h.backend.FailNextFetch(tt.err)
			_, err := g.FetchPage(context.Background(), "t1", model.Cursor{}, 5)
			assert.Equal(t, tt.kind, syncerr.KindOf(err))
		})
	}
}

func TestTokenRequired(t *testing.T) {
	h := start(t, Options{Token: "s3cret"})

	_, err := h.client().FetchPage(context.Background(), "t1", model.Cursor{}, 5)
	assert.Equal(t, syncerr.Unauthorized, syncerr.KindOf(err))

	_, err = h.client(gateway.WithToken("s3cret")).FetchPage(context.Background(), "t1", model.Cursor{}, 5)
	assert.NoError(t, err)

	status, _ := h.get(t, "/healthz")
	assert.Equal(t, fasthttp.StatusOK, status, "health is not behind the token")
}

func TestBadRequests(t *testing.T) {
	h := start(t, Options{})
	tests := []struct {
		path   string
		status int
	}{
		{"/v1/threads/t1/messages?limit=0", fasthttp.StatusBadRequest},
		{"/v1/threads/t1/messages?limit=abc", fasthttp.StatusBadRequest},
		{"/v1/threads/t1/messages?cursor=%21%21%21", fasthttp.StatusBadRequest},
		{"/v1/nothing", fasthttp.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := h.get(t, tt.path)
			assert.Equal(t, tt.status, status)
			var e gateway.ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestListThreads(t *testing.T) {
	h := start(t, Options{})
	seed(h.backend, "a", 2)
	seed(h.backend, "b", 1)

	status, body := h.get(t, "/v1/threads")
	require.Equal(t, fasthttp.StatusOK, status)
	var resp struct {
		Threads []ThreadSummary `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, []ThreadSummary{
		{ID: "a", Messages: 2, LastMessage: 2000},
		{ID: "b", Messages: 1, LastMessage: 1000},
	}, resp.Threads)
}

func TestMetricsEndpoint(t *testing.T) {
	h := start(t, Options{})
	m := metrics.New(h.reg)
	m.SessionOpened()

	status, body := h.get(t, "/metrics")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), "threadsync_open_sessions 1")
}

// A session over the HTTP gateway behaves as it does over the in-memory
// backend directly: sends reconcile against the fetched history.
func TestSessionEndToEnd(t *testing.T) {
	h := start(t, Options{})
	seed(h.backend, "t1", 3)

	s := session.New(h.client(), session.Options{PageSize: 20})
	t.Cleanup(s.Close)
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, "t1"))
	require.Len(t, s.State().Confirmed, 3)

	_, err := s.Send(ctx, model.Content{Kind: model.KindText, Text: "over the wire"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := s.State()
		return len(st.Pending) == 0 && len(st.Confirmed) == 4
	}, 2*time.Second, 5*time.Millisecond)

	proj := s.Projection()
	require.Len(t, proj, 4)
	last := proj[len(proj)-1]
	assert.False(t, last.IsPending())
	assert.Equal(t, "over the wire", last.Text())
}
