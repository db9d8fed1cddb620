// Package ratelimit provides per-provider request throttling with rolling
// windows, deferred dispatch, and response-header reconciliation.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
)

// Priority orders queued requests. High-priority requests jump the queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Options controls dispatch behavior for a single request.
type Options struct {
	Priority Priority
	// NoQueue rejects immediately with RATE_LIMIT_EXCEEDED instead of
	// parking the request when the window is exhausted.
	NoQueue bool
}

// window is one rolling limit (e.g. per-minute or per-day). Usage resets to
// zero exactly when now >= resetTime, and resetTime advances by span.
type window struct {
	limitType string
	limit     int
	span      time.Duration
	usage     int
	resetTime time.Time
}

func (w *window) roll(now time.Time) {
	if now.Before(w.resetTime) {
		return
	}
	w.usage = 0
	w.resetTime = w.resetTime.Add(w.span)
	// A long idle gap can leave resetTime several spans behind.
	if w.resetTime.Before(now) || w.resetTime.Equal(now) {
		w.resetTime = now.Add(w.span)
	}
}

type pending struct {
	fn       func(ctx context.Context) error
	ctx      context.Context
	done     chan error
	priority Priority
}

// Limiter throttles requests for one provider. A request must have capacity
// in every declared window before dispatch, and counts against all of them.
// All mutation is serialized under mu; the scheduler is the only drainer.
type Limiter struct {
	providerID string
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	windows []*window
	queue   []*pending
}

// NewLimiter builds a limiter from a provider's declared limits. Providers
// declaring no limits get an effectively unlimited pass-through.
func NewLimiter(providerID string, specs []provider.RateLimitSpec, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		providerID: providerID,
		logger:     logger.With().Str("provider", providerID).Logger(),
		now:        time.Now,
	}
	for _, s := range specs {
		if s.Limit <= 0 || s.Window <= 0 {
			continue
		}
		l.windows = append(l.windows, &window{
			limitType: s.Type,
			limit:     s.Limit,
			span:      s.Window,
			resetTime: l.now().Add(s.Window),
		})
	}
	return l
}

// CanMakeRequest reports whether every window has remaining capacity,
// rolling expired windows forward first.
func (l *Limiter) CanMakeRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canLocked()
}

func (l *Limiter) canLocked() bool {
	now := l.now()
	for _, w := range l.windows {
		w.roll(now)
		if w.usage >= w.limit {
			return false
		}
	}
	return true
}

// RecordRequest counts one dispatched request against every window. Never
// called speculatively.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked()
}

func (l *Limiter) recordLocked() {
	now := l.now()
	for _, w := range l.windows {
		w.roll(now)
		w.usage++
	}
}

// Do dispatches fn immediately when capacity allows, otherwise parks it for
// the scheduler (unless opts.NoQueue) and blocks until the request runs or
// ctx is done. Usage is recorded only for requests actually dispatched.
func (l *Limiter) Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.canLocked() {
		l.recordLocked()
		l.mu.Unlock()
		return fn(ctx)
	}
	if opts.NoQueue {
		err := l.exhaustedErrLocked()
		l.mu.Unlock()
		return err
	}
	p := &pending{fn: fn, ctx: ctx, done: make(chan error, 1), priority: opts.Priority}
	if opts.Priority == PriorityHigh {
		l.queue = append([]*pending{p}, l.queue...)
	} else {
		l.queue = append(l.queue, p)
	}
	depth := len(l.queue)
	l.mu.Unlock()

	l.logger.Debug().Int("queueDepth", depth).Msg("request queued awaiting rate limit capacity")
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return model.WrapSyncError(model.CodeNetworkError, ctx.Err())
	}
}

func (l *Limiter) exhaustedErrLocked() error {
	e := model.NewSyncError(model.CodeRateLimitExceeded, "rate limit exceeded for provider "+l.providerID)
	var soonest time.Time
	for _, w := range l.windows {
		if w.usage >= w.limit && (soonest.IsZero() || w.resetTime.Before(soonest)) {
			soonest = w.resetTime
		}
	}
	if !soonest.IsZero() {
		e.RetryAfter = &soonest
	}
	return e
}

// drain dispatches as many queued requests as capacity allows, preserving
// order within a priority tier. Requests whose context already expired are
// completed with the context error without consuming capacity.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		p := l.queue[0]
		if p.ctx.Err() != nil {
			l.queue = l.queue[1:]
			l.mu.Unlock()
			p.done <- p.ctx.Err()
			continue
		}
		if !l.canLocked() {
			l.mu.Unlock()
			return
		}
		l.queue = l.queue[1:]
		l.recordLocked()
		l.mu.Unlock()
		p.done <- p.fn(p.ctx)
	}
}

// QueueDepth reports the number of parked requests.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Usage returns a snapshot of current window state keyed by limit type.
func (l *Limiter) Usage() map[string]Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make(map[string]Snapshot, len(l.windows))
	for _, w := range l.windows {
		w.roll(now)
		out[w.limitType] = Snapshot{Limit: w.limit, Used: w.usage, ResetTime: w.resetTime}
	}
	return out
}

// Snapshot is one window's externally visible state.
type Snapshot struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	ResetTime time.Time `json:"resetTime"`
}

// ApplyResponseHeaders reconciles local bookkeeping with the provider's
// authoritative x-ratelimit-* view. The provider's numbers always win.
func (l *Limiter) ApplyResponseHeaders(h http.Header) {
	limit, limitOK := atoiHeader(h, "X-Ratelimit-Limit")
	remaining, remOK := atoiHeader(h, "X-Ratelimit-Remaining")
	reset, resetOK := atoiHeader(h, "X-Ratelimit-Reset")

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.windows {
		if limitOK && limit > 0 {
			w.limit = limit
		}
		if remOK {
			w.usage = w.limit - remaining
			if w.usage < 0 {
				w.usage = 0
			}
		}
		if resetOK && reset > 0 {
			w.resetTime = time.Unix(int64(reset), 0)
		}
	}
	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			l.markExhaustedLocked(time.Duration(secs) * time.Second)
		}
	}
}

// MarkExhausted forces all windows into an exhausted state, typically after
// a 429 response. retryAfter of zero leaves each window's own reset time.
func (l *Limiter) MarkExhausted(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markExhaustedLocked(retryAfter)
}

func (l *Limiter) markExhaustedLocked(retryAfter time.Duration) {
	now := l.now()
	for _, w := range l.windows {
		w.usage = w.limit
		if retryAfter > 0 {
			w.resetTime = now.Add(retryAfter)
		}
	}
	l.logger.Warn().Dur("retryAfter", retryAfter).Msg("rate limiter marked exhausted")
}

func atoiHeader(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
