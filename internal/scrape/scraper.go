package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
)

// Defaults for the scrape pass.
const (
	// DefaultPageReadyTimeout caps the settle wait; on expiry the scrape
	// proceeds anyway.
	DefaultPageReadyTimeout = 30 * time.Second

	// DefaultQuietWindow is the no-mutation window treated as settled.
	DefaultQuietWindow = time.Second

	// DefaultMaxScreenshots bounds split-screenshot capture.
	DefaultMaxScreenshots = 5

	// DefaultViewportHeight is the scroll increment for split screenshots.
	DefaultViewportHeight = 1080

	// settlePollInterval is how often the quiet window is re-checked.
	settlePollInterval = 100 * time.Millisecond
)

// Options configures one scrape pass.
type Options struct {
	// PageReadyTimeout caps the settle wait. Zero means the default.
	PageReadyTimeout time.Duration

	// QuietWindow is the required mutation-free window. Zero means the
	// default.
	QuietWindow time.Duration

	// SplitScreenshots captures scrolling viewport shots instead of one.
	SplitScreenshots bool

	// ScreenshotOverlap adds a 20% overlap between split shots.
	ScreenshotOverlap bool

	// MaxScreenshots bounds split capture. Zero means the default.
	MaxScreenshots int

	// SkipScreenshots disables capture entirely (used by extract passes).
	SkipScreenshots bool
}

func (o Options) readyTimeout() time.Duration {
	if o.PageReadyTimeout > 0 {
		return o.PageReadyTimeout
	}
	return DefaultPageReadyTimeout
}

func (o Options) quietWindow() time.Duration {
	if o.QuietWindow > 0 {
		return o.QuietWindow
	}
	return DefaultQuietWindow
}

func (o Options) maxScreenshots() int {
	if o.MaxScreenshots > 0 {
		return o.MaxScreenshots
	}
	return DefaultMaxScreenshots
}

// Scraper produces ScrapedPage snapshots from live pages.
type Scraper struct {
	clock  retry.Clock
	logger *slog.Logger

	// ViewportHeight is the scroll increment for split screenshots.
	ViewportHeight int
}

// NewScraper creates a scraper.
func NewScraper(clock retry.Clock, logger *slog.Logger) *Scraper {
	if clock == nil {
		clock = retry.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraper{clock: clock, logger: logger, ViewportHeight: DefaultViewportHeight}
}

// Scrape snapshots the current page: settle wait, DOM walk, classification,
// pruned tree, screenshots and text extraction.
func (s *Scraper) Scrape(ctx context.Context, page browser.Page, opts Options) (*ScrapedPage, error) {
	if !page.Responsive(ctx) {
		return nil, errors.ErrPageUnresponsive(page.URL())
	}

	s.WaitForSettle(ctx, page, opts.readyTimeout(), opts.quietWindow())

	raw, cspFallback, err := s.walk(ctx, page)
	if err != nil {
		return nil, err
	}
	if cspFallback {
		s.logger.Debug("scrape injection rejected, using DOM-only walk", "url", page.URL())
	}

	sp := &ScrapedPage{
		URL:         page.URL(),
		IDToCSS:     make(map[string]string),
		IDToElement: make(map[string]*Element),
		IDToHash:    make(map[string]string),
		HashToIDs:   make(map[string][]string),
	}

	interactable := make(map[int]bool, len(raw))
	for i := range raw {
		if raw[i].Interactable() {
			interactable[raw[i].Index] = true
			el := Element{
				ID:           raw[i].ElementID(),
				ContentHash:  raw[i].ContentHash(),
				Tag:          raw[i].Tag,
				Text:         raw[i].Text,
				Attributes:   raw[i].Attributes,
				CSS:          raw[i].CSS,
				CenterX:      raw[i].CenterX,
				CenterY:      raw[i].CenterY,
				Interactable: true,
			}
			sp.Elements = append(sp.Elements, el)
		}
	}
	for i := range sp.Elements {
		el := &sp.Elements[i]
		sp.IDToCSS[el.ID] = el.CSS
		sp.IDToElement[el.ID] = el
		sp.IDToHash[el.ID] = el.ContentHash
		sp.HashToIDs[el.ContentHash] = append(sp.HashToIDs[el.ContentHash], el.ID)
	}

	sp.ElementTree = buildTree(raw, interactable)
	sp.ExtractedText = treeText(sp.ElementTree)

	if html, err := page.Content(ctx); err == nil {
		sp.HTML = html
	}

	if !opts.SkipScreenshots {
		shots, err := s.capture(ctx, page, sp, opts)
		if err != nil {
			s.logger.Warn("screenshot capture failed", "url", page.URL(), "error", err)
		}
		sp.Screenshots = shots
	}
	return sp, nil
}

// WaitForSettle blocks until the page reports a mutation-free quiet window
// or the timeout elapses. Timeout is not an error; the caller proceeds.
func (s *Scraper) WaitForSettle(ctx context.Context, page browser.Page, timeout, quiet time.Duration) {
	deadline := s.clock.Now().Add(timeout)
	for {
		out, err := page.Evaluate(ctx, settleScript)
		if err == nil {
			var sinceMS float64
			if json.Unmarshal(out, &sinceMS) == nil && time.Duration(sinceMS)*time.Millisecond >= quiet {
				return
			}
		}
		if s.clock.Now().After(deadline) {
			return
		}
		if s.clock.Sleep(ctx, settlePollInterval) != nil {
			return
		}
	}
}

// walk runs the injected DOM walk, falling back to the DOM-only variant
// when the full injection is rejected (CSP). The bool result reports the
// fallback.
func (s *Scraper) walk(ctx context.Context, page browser.Page) ([]RawElement, bool, error) {
	out, err := page.Evaluate(ctx, walkScript)
	fallback := false
	if err != nil {
		fallback = true
		out, err = page.Evaluate(ctx, fallbackWalkScript)
		if err != nil {
			return nil, true, errors.ErrPageUnresponsive(page.URL()).WithCause(err)
		}
	}
	var raw []RawElement
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fallback, errors.Wrap(err, "decode DOM walk result")
	}
	return raw, fallback, nil
}

// capture takes the viewport screenshot(s) per options, drawing the
// transient bounding box overlay around interactable elements first.
func (s *Scraper) capture(ctx context.Context, page browser.Page, sp *ScrapedPage, opts Options) ([][]byte, error) {
	selectors := make([]string, 0, len(sp.Elements))
	for i := range sp.Elements {
		selectors = append(selectors, sp.Elements[i].CSS)
	}
	sel, _ := json.Marshal(selectors)
	overlay := fmt.Sprintf("%s(%s)", overlayScript, sel)

	takeShot := func() ([]byte, error) {
		if _, err := page.Evaluate(ctx, overlay); err == nil {
			defer page.Evaluate(ctx, removeOverlayScript)
		}
		return page.Screenshot(ctx, false)
	}

	if !opts.SplitScreenshots {
		shot, err := takeShot()
		if err != nil {
			return nil, err
		}
		return [][]byte{shot}, nil
	}

	max := opts.maxScreenshots()
	increment := s.ViewportHeight
	if opts.ScreenshotOverlap {
		increment = increment * 4 / 5
	}
	var shots [][]byte
	for i := 0; i < max; i++ {
		shot, err := takeShot()
		if err != nil {
			return shots, err
		}
		shots = append(shots, shot)
		if i < max-1 {
			if err := page.ScrollBy(ctx, increment); err != nil {
				break
			}
		}
	}
	// restore scroll position for subsequent actions
	_ = page.ScrollBy(ctx, -increment*(len(shots)-1))
	return shots, nil
}

// buildTree prunes the raw walk down to interactable elements and their
// nearest labeling ancestors.
func buildTree(raw []RawElement, interactable map[int]bool) []*Node {
	// keep: interactable elements, their ancestors with label-ish text, and
	// any ancestor on the path to an interactable (to preserve hierarchy).
	keep := make(map[int]bool)
	byIndex := make(map[int]*RawElement, len(raw))
	for i := range raw {
		byIndex[raw[i].Index] = &raw[i]
	}
	for i := range raw {
		if !interactable[raw[i].Index] {
			continue
		}
		keep[raw[i].Index] = true
		for p := raw[i].ParentIndex; p >= 0; {
			parent, ok := byIndex[p]
			if !ok {
				break
			}
			if labeling(parent) {
				keep[p] = true
			}
			p = parent.ParentIndex
		}
	}

	nodes := make(map[int]*Node)
	var roots []*Node
	for i := range raw {
		e := &raw[i]
		if !keep[e.Index] {
			continue
		}
		n := &Node{Tag: e.Tag, Text: e.Text, Attrs: e.Attributes}
		if interactable[e.Index] {
			n.ID = e.ElementID()
		}
		nodes[e.Index] = n
	}
	for i := range raw {
		e := &raw[i]
		n, ok := nodes[e.Index]
		if !ok {
			continue
		}
		parent := nearestKeptAncestor(e, byIndex, nodes)
		if parent == nil {
			roots = append(roots, n)
		} else {
			parent.Children = append(parent.Children, n)
		}
	}
	return roots
}

// labeling reports whether an ancestor contributes labeling context.
func labeling(e *RawElement) bool {
	switch e.Tag {
	case "label", "fieldset", "legend", "form", "nav", "table", "th":
		return true
	}
	if _, ok := e.Attributes["aria-label"]; ok {
		return true
	}
	return false
}

func nearestKeptAncestor(e *RawElement, byIndex map[int]*RawElement, nodes map[int]*Node) *Node {
	for p := e.ParentIndex; p >= 0; {
		if n, ok := nodes[p]; ok {
			return n
		}
		parent, ok := byIndex[p]
		if !ok {
			return nil
		}
		p = parent.ParentIndex
	}
	return nil
}

// treeText concatenates the visible text of the pruned tree.
func treeText(roots []*Node) string {
	var b strings.Builder
	var visit func(n *Node)
	visit = func(n *Node) {
		if t := strings.TrimSpace(n.Text); t != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(t)
		}
		for _, c := range n.Children {
			visit(c)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return b.String()
}
