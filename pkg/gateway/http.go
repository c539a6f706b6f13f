package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/daviddao/threadsync/pkg/model"
	"github.com/daviddao/threadsync/pkg/syncerr"
)

// DefaultTimeout bounds one HTTP round trip when the caller's context has
// no earlier deadline.
const DefaultTimeout = 10 * time.Second

// FetchResponse is the body of GET /v1/threads/{id}/messages.
type FetchResponse struct {
	Messages []model.RawMessage `json:"messages"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTP is a Gateway over the threadsync HTTP API.
type HTTP struct {
	base    string
	token   string
	timeout time.Duration
	client  *fasthttp.Client
}

// HTTPOption configures an HTTP gateway.
type HTTPOption func(*HTTP)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) HTTPOption {
	return func(h *HTTP) { h.token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithDial replaces the client's dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) HTTPOption {
	return func(h *HTTP) { h.client.Dial = dial }
}

// NewHTTP returns a gateway for the server at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		base:    strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		client: &fasthttp.Client{
			Name:                "threadsync",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTP) messagesURI(threadID string) string {
	return h.base + "/v1/threads/" + url.PathEscape(threadID) + "/messages"
}

// FetchPage implements Gateway.
func (h *HTTP) FetchPage(ctx context.Context, threadID string, cursor model.Cursor, pageSize int) ([]model.RawMessage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if tok := EncodeCursor(cursor); tok != "" {
		q.Set("cursor", tok)
	}
	status, body, err := h.do(ctx, fasthttp.MethodGet, h.messagesURI(threadID)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if err := statusError(status, body); err != nil {
		return nil, err
	}
	var resp FetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, syncerr.Wrap(syncerr.MalformedResponse, fmt.Errorf("decode page: %w", err))
	}
	return resp.Messages, nil
}

// Send implements Gateway. A 202 with an empty body is an acknowledgment
// without an id.
func (h *HTTP) Send(ctx context.Context, threadID string, content model.Content) (model.ServerMessage, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return model.ServerMessage{}, fmt.Errorf("encode content: %w", err)
	}
	status, body, err := h.do(ctx, fasthttp.MethodPost, h.messagesURI(threadID), payload)
	if err != nil {
		return model.ServerMessage{}, err
	}
	if err := statusError(status, body); err != nil {
		return model.ServerMessage{}, err
	}

	ack := model.ServerMessage{ThreadID: threadID, Sender: model.SenderOwner, Content: content.Clone()}
	if len(strings.TrimSpace(string(body))) == 0 {
		return ack, nil
	}
	var raw model.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.ServerMessage{}, syncerr.Wrap(syncerr.MalformedResponse, fmt.Errorf("decode ack: %w", err))
	}
	if raw.ID == "" {
		return ack, nil
	}
	msg, err := raw.Decode(threadID)
	if err != nil {
		return model.ServerMessage{}, syncerr.Wrap(syncerr.MalformedResponse, err)
	}
	return msg, nil
}

type result struct {
	status int
	body   []byte
	err    error
}

// do runs one request. fasthttp has no context support, so the request
// runs in its own goroutine with a deadline and the caller stops waiting
// when ctx ends. The goroutine owns the pooled request and response.
func (h *HTTP) do(ctx context.Context, method, uri string, body []byte) (int, []byte, error) {
	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	done := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(uri)
		req.Header.SetMethod(method)
		req.Header.Set("Accept", "application/json")
		if h.token != "" {
			req.Header.Set("Authorization", "Bearer "+h.token)
		}
		if body != nil {
			req.Header.SetContentType("application/json")
			req.SetBody(body)
		}
		if err := h.client.DoDeadline(req, resp, deadline); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return 0, nil, transportError(r.err)
		}
		return r.status, r.body, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, syncerr.Wrap(syncerr.Timeout, ctx.Err())
		}
		return 0, nil, ctx.Err()
	}
}

func transportError(err error) error {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return syncerr.Wrap(syncerr.Timeout, err)
	}
	return syncerr.Classify(err)
}

// statusError maps a non-2xx status onto an error kind.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	reason := errorReason(status, body)
	switch status {
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
		return syncerr.New(syncerr.Unauthorized, reason)
	case fasthttp.StatusRequestTimeout, fasthttp.StatusGatewayTimeout:
		return syncerr.New(syncerr.Timeout, reason)
	case fasthttp.StatusBadGateway, fasthttp.StatusServiceUnavailable:
		return syncerr.New(syncerr.NetworkUnavailable, reason)
	}
	return syncerr.Rejected(reason)
}

func errorReason(status int, body []byte) string {
	var e ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return fmt.Sprintf("HTTP %d", status)
}
