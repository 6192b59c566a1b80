// Package ratelimit enforces per-tenant API quotas: a rolling hourly
// window per (tenant, endpoint) plus a per-minute burst limiter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
)

// Tier selects the hourly quota.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// HourlyQuota returns the tier's requests-per-hour budget.
func (t Tier) HourlyQuota() int {
	switch t {
	case TierPro:
		return 1000
	case TierEnterprise:
		return 10000
	default:
		return 100
	}
}

// burstPerMinute bounds short spikes regardless of the hourly budget.
const burstPerMinute = 60

// Limiter tracks request timestamps per (tenant, endpoint) in a rolling
// one-hour window and layers a token-bucket burst limit on top.
type Limiter struct {
	clock retry.Clock

	mu      sync.Mutex
	windows map[string][]time.Time
	bursts  map[string]*rate.Limiter
}

// NewLimiter creates a limiter.
func NewLimiter(clock retry.Clock) *Limiter {
	return &Limiter{
		clock:   clock,
		windows: make(map[string][]time.Time),
		bursts:  make(map[string]*rate.Limiter),
	}
}

// Allow records one request for (tenant, endpoint) under the tier's
// quota. On rejection it returns a rate-limited error carrying the
// seconds until the window frees a slot.
func (l *Limiter) Allow(tenant, endpoint string, tier Tier) error {
	now := l.clock.Now()
	key := tenant + "|" + endpoint

	l.mu.Lock()
	defer l.mu.Unlock()

	burst, ok := l.bursts[tenant]
	if !ok {
		burst = rate.NewLimiter(rate.Limit(float64(burstPerMinute)/60.0), burstPerMinute)
		l.bursts[tenant] = burst
	}

	cutoff := now.Add(-time.Hour)
	window := l.windows[key]
	for len(window) > 0 && window[0].Before(cutoff) {
		window = window[1:]
	}

	quota := tier.HourlyQuota()
	if len(window) >= quota {
		retryAfter := int(window[0].Add(time.Hour).Sub(now).Seconds()) + 1
		l.windows[key] = window
		return errors.ErrRateLimited(retryAfter)
	}
	if !burst.AllowN(now, 1) {
		l.windows[key] = window
		return errors.ErrRateLimited(1)
	}

	l.windows[key] = append(window, now)
	return nil
}

// Remaining reports how many requests the window still admits.
func (l *Limiter) Remaining(tenant, endpoint string, tier Tier) int {
	now := l.clock.Now()
	key := tenant + "|" + endpoint
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	n := 0
	for _, ts := range l.windows[key] {
		if !ts.Before(cutoff) {
			n++
		}
	}
	left := tier.HourlyQuota() - n
	if left < 0 {
		left = 0
	}
	return left
}
