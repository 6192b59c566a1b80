package executor

import (
	"net/url"
	"sync"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
)

// DefaultCacheTTL is how long cached decisions stay valid.
const DefaultCacheTTL = 24 * time.Hour

// CacheKey identifies a cached decision.
type CacheKey struct {
	URLPattern string
	Goal       string
	StepOrder  int
}

// URLPattern normalizes a URL for cache keying: scheme, host and path
// only, queries and fragments stripped.
func URLPattern(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

type cacheEntry struct {
	actions  []action.Action
	cachedAt time.Time
}

// DecisionCache remembers the actions that completed a step so a later
// run of the same task shape can skip the oracle. Reads are validated
// against the live scrape before reuse; writes happen on task success.
type DecisionCache struct {
	clock retry.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[CacheKey]cacheEntry
}

// NewDecisionCache creates a cache with the default TTL.
func NewDecisionCache(clock retry.Clock) *DecisionCache {
	return &DecisionCache{
		clock:   clock,
		ttl:     DefaultCacheTTL,
		entries: make(map[CacheKey]cacheEntry),
	}
}

// Get returns the cached actions for key, if fresh.
func (c *DecisionCache) Get(key CacheKey) ([]action.Action, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clock.Since(e.cachedAt) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	out := make([]action.Action, len(e.actions))
	copy(out, e.actions)
	return out, true
}

// Put stores the step's actions when every one of them is cacheable.
// Writes are idempotent per key.
func (c *DecisionCache) Put(key CacheKey, actions []action.Action) {
	for i := range actions {
		if !actions[i].Cacheable() {
			return
		}
	}
	cp := make([]action.Action, len(actions))
	copy(cp, actions)
	c.mu.Lock()
	c.entries[key] = cacheEntry{actions: cp, cachedAt: c.clock.Now()}
	c.mu.Unlock()
}

// Len returns the number of live entries.
func (c *DecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Usable reports whether the cached actions apply to the current scrape:
// every non-terminal element action's content hash must uniquely match
// an element on the page. On a match the element refs are rewritten to
// the live ids.
func Usable(actions []action.Action, scraped *scrape.ScrapedPage) ([]action.Action, bool) {
	out := make([]action.Action, len(actions))
	copy(out, actions)
	for i := range out {
		a := &out[i]
		if a.IsTerminal() || !a.RequiresElement() {
			continue
		}
		if a.ElementContentHash == "" {
			return nil, false
		}
		el, ok := scraped.ElementByHash(a.ElementContentHash)
		if !ok {
			return nil, false
		}
		a.ElementRef = el.ID
	}
	return out, true
}
