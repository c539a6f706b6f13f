// Package gateway is the remote side of a thread: a paged history fetch and
// a send. Sessions depend only on the Gateway interface.
//
// Two implementations are provided. HTTP talks to a threadsync-compatible
// server over fasthttp. Memory keeps threads in process and is used by the
// development server and by tests.
package gateway

import (
	"context"

	"github.com/daviddao/threadsync/pkg/model"
)

// MaxPageSize is the largest page a threadsync server returns. Larger
// requests are cut down to it, so a client asking for more would take
// every full page for the last one.
const MaxPageSize = 200

// Gateway fetches and sends messages for a thread.
//
// Implementations report failures as *syncerr.Error where they can; any
// other error is classified by the caller.
type Gateway interface {
	// FetchPage returns up to pageSize messages strictly older than cursor,
	// the newest ones first. The zero cursor requests the newest page. The
	// caller validates and sorts the result.
	FetchPage(ctx context.Context, threadID string, cursor model.Cursor, pageSize int) ([]model.RawMessage, error)

	// Send submits content authored by the owner. The returned message is
	// the server's acknowledgment; its ID may be empty when the server
	// accepted the message without assigning one synchronously.
	Send(ctx context.Context, threadID string, content model.Content) (model.ServerMessage, error)
}

// Compile-time checks.
var (
	_ Gateway = (*Memory)(nil)
	_ Gateway = (*HTTP)(nil)
)
