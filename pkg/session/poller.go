package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/daviddao/threadsync/pkg/logging"
)

// PollOptions configures a Poller.
type PollOptions struct {
	// Interval between refreshes while they succeed.
	Interval time.Duration
	// MinInterval is the smallest gap between any two refreshes, including
	// ones requested through Trigger.
	MinInterval time.Duration
	// MaxBackoff caps the delay after consecutive failures.
	MaxBackoff time.Duration
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.MinInterval <= 0 {
		o.MinInterval = time.Second
	}
	if o.MaxBackoff < o.Interval {
		o.MaxBackoff = o.Interval
	}
	return o
}

// Poller refreshes a session periodically. Push delivery is not available,
// so this is how new messages from other participants arrive. Failures
// back off exponentially; a success resets the cadence.
type Poller struct {
	s       *Session
	opts    PollOptions
	limiter *rate.Limiter
	bo      *backoff.ExponentialBackOff
	trigger chan struct{}
	log     *slog.Logger
}

// NewPoller returns a poller for s. It does nothing until Run.
func NewPoller(s *Session, opts PollOptions, log *slog.Logger) *Poller {
	opts = opts.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.Interval
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Poller{
		s:       s,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		bo:      bo,
		trigger: make(chan struct{}, 1),
		log:     logging.OrDiscard(log),
	}
}

// Trigger requests a refresh ahead of schedule. Requests coalesce and are
// still subject to MinInterval.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends or the session is closed. It returns ctx's
// error or ErrClosed.
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(p.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		delay, err := p.poll(ctx)
		if err != nil {
			return err
		}
		timer.Reset(delay)
	}
}

// poll runs one refresh and returns the delay before the next one.
func (p *Poller) poll(ctx context.Context) (time.Duration, error) {
	err := p.s.RefreshIncremental(ctx)
	switch {
	case err == nil:
		p.bo.Reset()
		return p.opts.Interval, nil
	case errors.Is(err, ErrClosed):
		return 0, err
	case ctx.Err() != nil:
		return 0, ctx.Err()
	}
	delay := p.bo.NextBackOff()
	p.log.Debug("poll_backoff", "thread", p.s.ThreadID(), "delay", delay, "err", err)
	return delay, nil
}
