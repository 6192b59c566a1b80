package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
)

func TestURLPattern_StripsQueryAndFragment(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.test/login", URLPattern("https://a.test/login?next=%2Fhome#form"))
	assert.Equal(t, "https://a.test/login", URLPattern("https://a.test/login"))
	assert.Equal(t, "://bad url", URLPattern("://bad url"))
}

func TestDecisionCache_PutGetAndTTL(t *testing.T) {
	t.Parallel()

	clock := retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	c := NewDecisionCache(clock)
	key := CacheKey{URLPattern: "https://a.test/login", Goal: "log in", StepOrder: 1}

	actions := []action.Action{
		{Kind: action.KindClick, ElementRef: "el_a", ElementContentHash: "hash_a"},
		{Kind: action.KindComplete},
	}
	c.Put(key, actions)
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, actions, got)

	// Mutating the returned slice must not touch the cached entry.
	got[0].ElementRef = "mutated"
	again, _ := c.Get(key)
	assert.Equal(t, "el_a", again[0].ElementRef)

	_, ok = c.Get(CacheKey{URLPattern: "https://a.test/other", Goal: "log in", StepOrder: 1})
	assert.False(t, ok)

	// Entries expire after the TTL.
	clock.Advance(DefaultCacheTTL + time.Minute)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestDecisionCache_PutSkipsUncacheableActions(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(retry.NewFakeClock(time.Now()))
	key := CacheKey{URLPattern: "https://a.test", Goal: "download report", StepOrder: 1}

	c.Put(key, []action.Action{
		{Kind: action.KindClick, ElementRef: "el_a"},
		{Kind: action.KindDownloadFile, ElementRef: "el_b"},
	})
	assert.Equal(t, 0, c.Len())
}

func scrapedWith(hashes map[string]string) *scrape.ScrapedPage {
	sp := &scrape.ScrapedPage{
		IDToElement: make(map[string]*scrape.Element),
		HashToIDs:   make(map[string][]string),
	}
	for id, hash := range hashes {
		sp.IDToElement[id] = &scrape.Element{ID: id, ContentHash: hash}
		sp.HashToIDs[hash] = append(sp.HashToIDs[hash], id)
	}
	return sp
}

func TestUsable_RewritesRefsToLiveIDs(t *testing.T) {
	t.Parallel()

	sp := scrapedWith(map[string]string{"el_live": "hash_a"})
	cached := []action.Action{
		{Kind: action.KindInputText, ElementRef: "el_stale", ElementContentHash: "hash_a", Text: "ada"},
		{Kind: action.KindComplete},
	}

	out, ok := Usable(cached, sp)
	require.True(t, ok)
	assert.Equal(t, "el_live", out[0].ElementRef)
	// The cached slice is untouched.
	assert.Equal(t, "el_stale", cached[0].ElementRef)
}

func TestUsable_RejectsMissingOrAmbiguousHash(t *testing.T) {
	t.Parallel()

	// Hash not on the page.
	sp := scrapedWith(map[string]string{"el_live": "hash_other"})
	_, ok := Usable([]action.Action{{Kind: action.KindClick, ElementRef: "el_x", ElementContentHash: "hash_a"}}, sp)
	assert.False(t, ok)

	// Ambiguous hash.
	sp = scrapedWith(map[string]string{"el_one": "dup", "el_two": "dup"})
	_, ok = Usable([]action.Action{{Kind: action.KindClick, ElementRef: "el_x", ElementContentHash: "dup"}}, sp)
	assert.False(t, ok)

	// Element action without a recorded hash.
	_, ok = Usable([]action.Action{{Kind: action.KindClick, ElementRef: "el_x"}}, scrapedWith(nil))
	assert.False(t, ok)
}

func TestUsable_IgnoresNonElementActions(t *testing.T) {
	t.Parallel()

	out, ok := Usable([]action.Action{
		{Kind: action.KindWait, WaitSeconds: 2},
		{Kind: action.KindComplete},
	}, scrapedWith(nil))
	require.True(t, ok)
	assert.Len(t, out, 2)
}
