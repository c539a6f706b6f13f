// retry.go provides automatic retry logic for transient SQLite errors.
//
// Several processes (a CLI invocation and a long-running watcher, say) may
// share one cache file. WAL mode keeps readers and the writer apart, but
// SQLITE_BUSY, SQLITE_LOCKED and IOERR_SHORT_READ (522) can still surface
// past the busy_timeout pragma. Writes are retried with exponential backoff
// and jitter; anything else fails fast.
package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

// SQLite primary and extended result codes that are worth retrying.
const (
	sqliteBusy          = 5
	sqliteLocked        = 6
	sqliteIOErrShortRed = 522
)

type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr reports whether err is a contention error that a
// retry can resolve. Typed driver errors are checked by result code; the
// message patterns catch errors that were flattened to text on the way up.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqliteIOErrShortRed || code&0xff == sqliteBusy || code&0xff == sqliteLocked
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, returns a non-transient error, runs
// out of attempts, or ctx is done.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransientSQLiteErr(lastErr) {
			return lastErr
		}
		if attempt == cfg.maxRetries {
			break
		}
		timer := time.NewTimer(backoffDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

// backoffDelay is baseDelay * 2^attempt capped at maxDelay, plus jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay || delay <= 0 {
		delay = cfg.maxDelay
	}
	if cfg.baseDelay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}
