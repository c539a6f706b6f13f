// Package devserver serves the threadsync HTTP API over an in-memory
// backend. It exists for local development and end-to-end tests of the
// HTTP gateway; nothing is persisted.
//
// Routes:
//
//	GET  /v1/threads                  thread summaries
//	GET  /v1/threads/{id}/messages    newest-first page (?limit=&cursor=)
//	POST /v1/threads/{id}/messages    append a message from the owner
//	GET  /healthz
//	GET  /metrics                     Prometheus exposition
package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/daviddao/threadsync/pkg/gateway"
	"github.com/daviddao/threadsync/pkg/logging"
	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

const defaultLimit = 20

// ThreadSummary is one entry of GET /v1/threads.
type ThreadSummary struct {
	ID          string `json:"id"`
	Messages    int    `json:"messages"`
	LastMessage int64  `json:"last_message_at,omitempty"`
}

// Options configures a Server.
type Options struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// /v1 routes.
	Token string
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP façade over a gateway.Memory.
type Server struct {
	backend *gateway.Memory
	opts    Options
	log     *slog.Logger
	srv     *fasthttp.Server
}

// New returns a server for backend.
func New(backend *gateway.Memory, opts Options) *Server {
	s := &Server{backend: backend, opts: opts, log: logging.OrDiscard(opts.Logger)}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := newRouter()
	r.get("/healthz", s.healthz)
	r.get("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.get("/v1/threads", s.auth(s.listThreads))
	r.get("/v1/threads/{thread}/messages", s.auth(s.listMessages))
	r.post("/v1/threads/{thread}/messages", s.auth(s.createMessage))
	r.notFound = func(ctx *fasthttp.RequestCtx) {
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}

	s.srv = &fasthttp.Server{
		Handler:      s.logRequests(r.handle),
		Name:         "threadsync-devserver",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the request handler, for embedding or tests.
func (s *Server) Handler() fasthttp.RequestHandler { return s.srv.Handler }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("devserver_listening", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) logRequests(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		s.log.Debug("http_request",
			"method", string(ctx.Method()),
			"path", string(ctx.Path()),
			"status", ctx.Response.StatusCode(),
			"duration", time.Since(start))
	}
}

func (s *Server) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.opts.Token == "" {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		parts := strings.Fields(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] != s.opts.Token {
			writeError(ctx, fasthttp.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(ctx)
	}
}

func (s *Server) healthz(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listThreads(ctx *fasthttp.RequestCtx) {
	ids := s.backend.Threads()
	out := make([]ThreadSummary, 0, len(ids))
	for _, id := range ids {
		msgs := s.backend.Messages(id)
		sum := ThreadSummary{ID: id, Messages: len(msgs)}
		if n := len(msgs); n > 0 {
			sum.LastMessage = msgs[n-1].CreatedAt.UnixMilli()
		}
		out = append(out, sum)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string][]ThreadSummary{"threads": out})
}

func (s *Server) listMessages(ctx *fasthttp.RequestCtx) {
	threadID := threadParam(ctx)
	args := ctx.QueryArgs()

	limit := defaultLimit
	if v := args.Peek("limit"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n <= 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, gateway.MaxPageSize)
	}
	cursor, err := gateway.DecodeCursor(string(args.Peek("cursor")))
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid cursor: "+err.Error())
		return
	}

	raw, err := s.backend.FetchPage(ctx, threadID, cursor, limit)
	if err != nil {
		s.writeBackendError(ctx, err)
		return
	}
	if raw == nil {
		raw = []model.RawMessage{}
	}
	writeJSON(ctx, fasthttp.StatusOK, gateway.FetchResponse{Messages: raw})
}

func (s *Server) createMessage(ctx *fasthttp.RequestCtx) {
	threadID := threadParam(ctx)
	var content model.Content
	if err := json.Unmarshal(ctx.PostBody(), &content); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := content.Validate(); err != nil {
		writeError(ctx, fasthttp.StatusUnprocessableEntity, err.Error())
		return
	}

	ack, err := s.backend.Send(ctx, threadID, content)
	if err != nil {
		s.writeBackendError(ctx, err)
		return
	}
	if ack.ID == "" {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, model.ToRaw(ack))
}

// writeBackendError maps an injected backend failure to the status the
// HTTP gateway classifies back to the same kind.
func (s *Server) writeBackendError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusUnprocessableEntity
	var se *syncerr.Error
	if errors.As(err, &se) {
		switch se.Kind {
		case syncerr.NetworkUnavailable:
			status = fasthttp.StatusServiceUnavailable
		case syncerr.Timeout:
			status = fasthttp.StatusGatewayTimeout
		case syncerr.Unauthorized:
			status = fasthttp.StatusUnauthorized
		}
	}
	s.log.Debug("backend_error", "path", string(ctx.Path()), "status", status, "err", err)
	writeError(ctx, status, err.Error())
}

func threadParam(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("thread").(string)
	return id
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "encode response")
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	body, _ := json.Marshal(gateway.ErrorResponse{Error: msg})
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}
