// Package dispatch throttles every outbound call per destination.
//
// Each destination owns a token bucket and a FIFO ticket queue served by a
// single goroutine, so callers are released in arrival order. A rate-limit
// rejection from the destination suspends it for the requested cooldown.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/logger"
)

const (
	DestConverter    = "converter"
	DestWebhook      = "platform.webhook"
	DestDelete       = "platform.delete"
	DestEdit         = "platform.edit"
	DestWebhookAdmin = "platform.webhook_admin"

	defaultRetryAfter = time.Second
	queueSize         = 1024
)

// Destinations lists every destination the relay dispatches to.
var Destinations = []string{DestConverter, DestWebhook, DestDelete, DestEdit, DestWebhookAdmin}

type Quota struct {
	Rate  rate.Limit
	Burst int
}

// Recorder receives dispatch measurements. Implemented by pkg/metrics.
type Recorder interface {
	ObserveDispatchWait(destination string, wait time.Duration)
	RecordRateLimited(destination string)
}

type Limiter struct {
	quotas       map[string]Quota
	defaultQuota Quota
	recorder     Recorder

	mu           sync.Mutex
	destinations map[string]*destination

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type destination struct {
	name    string
	limiter *rate.Limiter
	tickets chan *ticket

	mu             sync.Mutex
	suspendedUntil time.Time
}

type ticket struct {
	ready     chan struct{}
	abandoned atomic.Bool
}

// NewLimiter creates a limiter. Destinations missing from quotas use
// defaultQuota. recorder may be nil.
func NewLimiter(quotas map[string]Quota, defaultQuota Quota, recorder Recorder) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())

	return &Limiter{
		quotas:       quotas,
		defaultQuota: defaultQuota,
		recorder:     recorder,
		destinations: make(map[string]*destination),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Acquire blocks until dest may receive one more call: earlier callers first,
// then any cooldown, then quota.
func (l *Limiter) Acquire(ctx context.Context, dest string) error {
	d := l.destination(dest)
	t := &ticket{ready: make(chan struct{})}
	start := time.Now()

	select {
	case d.tickets <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return domain.ErrShuttingDown
	}

	select {
	case <-t.ready:
		if l.recorder != nil {
			l.recorder.ObserveDispatchWait(dest, time.Since(start))
		}
		return nil
	case <-ctx.Done():
		t.abandoned.Store(true)
		return ctx.Err()
	case <-l.ctx.Done():
		return domain.ErrShuttingDown
	}
}

// Suspend pauses dest for d. An existing longer suspension is kept.
func (l *Limiter) Suspend(dest string, d time.Duration) {
	if d <= 0 {
		d = defaultRetryAfter
	}

	dst := l.destination(dest)
	until := time.Now().Add(d)

	dst.mu.Lock()
	if until.After(dst.suspendedUntil) {
		dst.suspendedUntil = until
	}
	dst.mu.Unlock()

	if l.recorder != nil {
		l.recorder.RecordRateLimited(dest)
	}
	logger.Warnf("Dispatch to %s suspended for %v", dest, d)
}

// SuspendedUntil returns the end of the current cooldown of dest, if any.
func (l *Limiter) SuspendedUntil(dest string) time.Time {
	d := l.destination(dest)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspendedUntil
}

// Do runs fn with dest attached to its context. A rate-limit rejection is
// never returned: dest is suspended and fn runs again once it resumes. Only
// ctx ends the loop.
func (l *Limiter) Do(ctx context.Context, dest string, fn func(ctx context.Context) error) error {
	callCtx := WithDestination(ctx, dest)

	for {
		err := fn(callCtx)

		rl, limited := domain.IsRateLimited(err)
		if !limited {
			return err
		}

		l.Suspend(dest, rl.RetryAfter)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

// RestyHook is an OnBeforeRequest middleware: every attempt of a request whose
// context carries a destination, retries included, goes through Acquire.
func (l *Limiter) RestyHook(_ *resty.Client, r *resty.Request) error {
	dest, ok := DestinationFrom(r.Context())
	if !ok {
		return nil
	}
	return l.Acquire(r.Context(), dest)
}

// Close stops all destination goroutines. Pending Acquire calls return
// domain.ErrShuttingDown.
func (l *Limiter) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Limiter) destination(name string) *destination {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := l.destinations[name]; ok {
		return d
	}

	quota, ok := l.quotas[name]
	if !ok {
		quota = l.defaultQuota
	}

	d := &destination{
		name:    name,
		limiter: rate.NewLimiter(quota.Rate, quota.Burst),
		tickets: make(chan *ticket, queueSize),
	}
	l.destinations[name] = d

	l.wg.Add(1)
	go l.serve(d)

	return d
}

func (l *Limiter) serve(d *destination) {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case t := <-d.tickets:
			if t.abandoned.Load() {
				continue
			}
			if !l.waitCooldown(d) {
				return
			}
			if err := d.limiter.Wait(l.ctx); err != nil {
				return
			}
			close(t.ready)
		}
	}
}

// waitCooldown sleeps until d is no longer suspended. The suspension may be
// extended while sleeping, so it is re-read after every wake-up.
func (l *Limiter) waitCooldown(d *destination) bool {
	for {
		d.mu.Lock()
		until := d.suspendedUntil
		d.mu.Unlock()

		wait := time.Until(until)
		if wait <= 0 {
			return true
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-l.ctx.Done():
			timer.Stop()
			return false
		}
	}
}

type destinationKey struct{}

// WithDestination tags ctx with the destination its calls are sent to.
func WithDestination(ctx context.Context, dest string) context.Context {
	return context.WithValue(ctx, destinationKey{}, dest)
}

func DestinationFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	dest, ok := ctx.Value(destinationKey{}).(string)
	return dest, ok
}
