// Package retry provides the clock, backoff and cancellation primitives
// shared by the task engine, block runtime and webhook delivery.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts monotonic time so engines can be tested with a fake.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// Since returns time.Since(t).
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Sleep blocks for d, observing ctx cancellation.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FakeClock is a manually advanced Clock for tests. Sleep returns
// immediately and records the requested durations.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
}

// NewFakeClock creates a fake clock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the elapsed fake time since t.
func (c *FakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Sleep advances the fake clock by d without blocking.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	return nil
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Slept returns the durations passed to Sleep, in order.
func (c *FakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.slept))
	copy(out, c.slept)
	return out
}

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the first sleep duration.
	Base time.Duration
	// Factor multiplies the sleep after each attempt.
	Factor float64
	// Cap bounds any single sleep.
	Cap time.Duration
	// MaxAttempts is the total number of attempts (first try included).
	MaxAttempts int
	// Jitter adds ±20% uniform noise to each sleep when true.
	Jitter bool
}

// WebhookPolicy is the delivery schedule for task and run webhooks.
func WebhookPolicy() Policy {
	return Policy{Base: 200 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 5}
}

// BlockPolicy returns the per-block retry schedule for the given retry
// budget. maxRetries is retries beyond the first attempt.
func BlockPolicy(maxRetries int) Policy {
	return Policy{Base: 200 * time.Millisecond, Factor: 2, Cap: 5 * time.Second, MaxAttempts: maxRetries + 1}
}

// Delay returns the sleep before attempt n (0-based; attempt 0 has no
// preceding sleep). Durations grow by Factor and are bounded by Cap.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if p.Cap > 0 && d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	out := time.Duration(d)
	if p.Jitter {
		// ±20% uniform noise
		noise := 0.8 + 0.4*rand.Float64()
		out = time.Duration(float64(out) * noise)
	}
	return out
}

// Do runs fn up to MaxAttempts times, sleeping per the schedule between
// attempts. It stops early when fn succeeds, when retryable returns false,
// or when ctx is done. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, clock Clock, fn func(attempt int) error, retryable func(error) bool) error {
	if clock == nil {
		clock = RealClock{}
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := clock.Sleep(ctx, p.Delay(attempt)); err != nil {
				return err
			}
		}
		last = fn(attempt)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return last
}

// Cancel is a one-way cancellation signal. The zero value is not usable;
// construct with NewCancel. Fire is idempotent and safe for concurrent use.
// Structured propagation rides on the derived context.
type Cancel struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
	force  bool
}

// NewCancel creates an unfired cancel signal.
func NewCancel() *Cancel {
	return &Cancel{done: make(chan struct{})}
}

// Fire trips the signal with a reason. force requests immediate resource
// teardown rather than waiting for the next safe point.
func (c *Cancel) Fire(reason string, force bool) {
	c.mu.Lock()
	c.reason = reason
	c.force = c.force || force
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Fired reports whether the signal has been tripped.
func (c *Cancel) Fired() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, if any.
func (c *Cancel) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Force reports whether immediate teardown was requested.
func (c *Cancel) Force() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.force
}

// Done returns a channel closed when the signal fires.
func (c *Cancel) Done() <-chan struct{} {
	return c.done
}

// Bind derives a context that is canceled when either parent or the signal
// fires. The returned stop func releases the watcher goroutine.
func (c *Cancel) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
