package devserver

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// router dispatches by method and path. Segments written as {name} match
// any single path segment and are stored as user values on the request.
type router struct {
	routes   map[string][]route
	notFound fasthttp.RequestHandler
}

type route struct {
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

func newRouter() *router {
	return &router{routes: make(map[string][]route)}
}

func (r *router) handle(ctx *fasthttp.RequestCtx) {
	parts := split(string(ctx.Path()))
	for _, rt := range r.routes[string(ctx.Method())] {
		if values, ok := match(parts, rt.segments); ok {
			for k, v := range values {
				ctx.SetUserValue(k, v)
			}
			rt.handler(ctx)
			return
		}
	}
	if r.allowed(parts) {
		writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

// allowed reports whether the path matches a route under another method.
func (r *router) allowed(parts []string) bool {
	for _, list := range r.routes {
		for _, rt := range list {
			if _, ok := match(parts, rt.segments); ok {
				return true
			}
		}
	}
	return false
}

func (r *router) get(path string, h fasthttp.RequestHandler)  { r.add(fasthttp.MethodGet, path, h) }
func (r *router) post(path string, h fasthttp.RequestHandler) { r.add(fasthttp.MethodPost, path, h) }

func (r *router) add(method, path string, h fasthttp.RequestHandler) {
	parts := split(path)
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if len(part) > 2 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part}
		}
	}
	r.routes[method] = append(r.routes[method], route{segments: segs, handler: h})
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func match(parts []string, segs []segment) (map[string]string, bool) {
	if len(parts) != len(segs) {
		return nil, false
	}
	values := make(map[string]string)
	for i, seg := range segs {
		if seg.isParam {
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
