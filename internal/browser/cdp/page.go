package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/browser"
)

// Page is one DevTools page session. Callers serialize access; the
// session manager holds a per-session mutex above this layer.
type Page struct {
	driver   *Driver
	targetID string
	session  string

	mu     sync.Mutex
	url    string
	closed bool
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) call(ctx context.Context, method string, params any, out any) error {
	return p.driver.conn.call(ctx, p.session, method, params, out)
}

// URL returns the last navigated URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Goto navigates and waits for the load event.
func (p *Page) Goto(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loaded := p.driver.conn.waitEvent(p.session, "Page.loadEventFired")
	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.call(ctx, "Page.navigate", map[string]any{"url": url}, &nav); err != nil {
		return err
	}
	if nav.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, nav.ErrorText)
	}
	select {
	case <-loaded:
	case <-ctx.Done():
		return fmt.Errorf("navigate %s: load event did not fire within %s", url, timeout)
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	// Resolve redirects to the document's final location.
	if raw, err := p.Evaluate(ctx, "location.href"); err == nil {
		var final string
		if json.Unmarshal(raw, &final) == nil && final != "" {
			p.mu.Lock()
			p.url = final
			p.mu.Unlock()
		}
	}
	return nil
}

// Evaluate runs the script and returns its JSON-encoded value.
func (p *Page) Evaluate(ctx context.Context, script string) ([]byte, error) {
	var out struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	err := p.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    script,
		"returnByValue": true,
		"awaitPromise":  true,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ExceptionDetails != nil {
		detail := out.ExceptionDetails.Text
		if out.ExceptionDetails.Exception != nil {
			detail = out.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("evaluate: %s", detail)
	}
	if out.Result.Value == nil {
		return []byte("null"), nil
	}
	return out.Result.Value, nil
}

// Screenshot captures the viewport or the full page.
func (p *Page) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var out struct {
		Data string `json:"data"`
	}
	params := map[string]any{"format": "png"}
	if fullPage {
		params["captureBeyondViewport"] = true
	}
	if err := p.call(ctx, "Page.captureScreenshot", params, &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.Data)
}

// Content returns the document HTML.
func (p *Page) Content(ctx context.Context) (string, error) {
	raw, err := p.Evaluate(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return "", err
	}
	var html string
	if err := json.Unmarshal(raw, &html); err != nil {
		return "", err
	}
	return html, nil
}

// center locates the element and returns its viewport center, scrolling
// it into view first.
func (p *Page) center(ctx context.Context, css string) (x, y float64, err error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		el.scrollIntoView({block: "center", inline: "center"});
		const r = el.getBoundingClientRect();
		return {x: r.x + r.width / 2, y: r.y + r.height / 2};
	})()`, jsString(css))
	raw, err := p.Evaluate(ctx, script)
	if err != nil {
		return 0, 0, err
	}
	var pt *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &pt); err != nil || pt == nil {
		return 0, 0, fmt.Errorf("no element matches %q", css)
	}
	return pt.X, pt.Y, nil
}

// Click dispatches a native mouse click at the element's center.
func (p *Page) Click(ctx context.Context, css string) error {
	x, y, err := p.center(ctx, css)
	if err != nil {
		return err
	}
	return p.ClickAt(ctx, x, y)
}

// ClickAt dispatches a mouse press and release at viewport coordinates.
func (p *Page) ClickAt(ctx context.Context, x, y float64) error {
	for _, kind := range []string{"mousePressed", "mouseReleased"} {
		err := p.call(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type":       kind,
			"x":          x,
			"y":          y,
			"button":     "left",
			"clickCount": 1,
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// TypeInto focuses the element, clears it and types text through the
// input pipeline.
func (p *Page) TypeInto(ctx context.Context, css, text string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		if ("value" in el) el.value = "";
		return true;
	})()`, jsString(css))
	raw, err := p.Evaluate(ctx, script)
	if err != nil {
		return err
	}
	var ok bool
	if json.Unmarshal(raw, &ok) != nil || !ok {
		return fmt.Errorf("no element matches %q", css)
	}
	return p.call(ctx, "Input.insertText", map[string]any{"text": text}, nil)
}

// FillValue injects text at the JS value level and fires an input event.
func (p *Page) FillValue(ctx context.Context, css, text string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.value = %s;
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return true;
	})()`, jsString(css), jsString(text))
	raw, err := p.Evaluate(ctx, script)
	if err != nil {
		return err
	}
	var ok bool
	if json.Unmarshal(raw, &ok) != nil || !ok {
		return fmt.Errorf("no element matches %q", css)
	}
	return nil
}

// SelectOption selects by value or by visible label.
func (p *Page) SelectOption(ctx context.Context, css, option string, byLabel bool) error {
	match := "o.value === want"
	if byLabel {
		match = "o.label.trim() === want || o.textContent.trim() === want"
	}
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		const want = %s;
		for (const o of el.options) {
			if (%s) {
				el.value = o.value;
				el.dispatchEvent(new Event("change", {bubbles: true}));
				return "ok";
			}
		}
		return "no-option";
	})()`, jsString(css), jsString(option), match)
	raw, err := p.Evaluate(ctx, script)
	if err != nil {
		return err
	}
	var res string
	json.Unmarshal(raw, &res)
	switch res {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("no element matches %q", css)
	default:
		return fmt.Errorf("no option %q in %q", option, css)
	}
}

// ScrollBy scrolls the viewport vertically.
func (p *Page) ScrollBy(ctx context.Context, dy int) error {
	_, err := p.Evaluate(ctx, fmt.Sprintf("window.scrollBy(0, %d)", dy))
	return err
}

// WaitForSelector polls until the selector matches or timeout elapses.
func (p *Page) WaitForSelector(ctx context.Context, css string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	script := fmt.Sprintf("document.querySelector(%s) !== null", jsString(css))
	for {
		raw, err := p.Evaluate(ctx, script)
		if err != nil {
			return err
		}
		var found bool
		if json.Unmarshal(raw, &found) == nil && found {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("selector %q did not appear within %s", css, timeout)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetFiles attaches local files to a file input.
func (p *Page) SetFiles(ctx context.Context, css string, paths []string) error {
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := p.call(ctx, "DOM.getDocument", nil, &doc); err != nil {
		return err
	}
	var node struct {
		NodeID int `json:"nodeId"`
	}
	err := p.call(ctx, "DOM.querySelector",
		map[string]any{"nodeId": doc.Root.NodeID, "selector": css}, &node)
	if err != nil {
		return err
	}
	if node.NodeID == 0 {
		return fmt.Errorf("no element matches %q", css)
	}
	return p.call(ctx, "DOM.setFileInputFiles",
		map[string]any{"nodeId": node.NodeID, "files": paths}, nil)
}

// downloadWait bounds how long Download waits for the file to land.
const downloadWait = 30 * time.Second

// Download clicks the element and captures the file the browser writes
// to the driver's download directory.
func (p *Page) Download(ctx context.Context, css string) ([]byte, string, error) {
	before, err := listFiles(p.driver.downloadDir)
	if err != nil {
		return nil, "", err
	}
	if err := p.Click(ctx, css); err != nil {
		return nil, "", err
	}
	deadline := time.Now().Add(downloadWait)
	for {
		name, done, err := newDownload(p.driver.downloadDir, before)
		if err != nil {
			return nil, "", err
		}
		if done {
			data, err := os.ReadFile(filepath.Join(p.driver.downloadDir, name))
			if err != nil {
				return nil, "", err
			}
			return data, name, nil
		}
		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("download did not complete within %s", downloadWait)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

func listFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.Name()] = true
	}
	return out, nil
}

// newDownload reports the first completed new file in dir. In-progress
// Chromium downloads carry a .crdownload suffix.
func newDownload(dir string, before map[string]bool) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		name := e.Name()
		if before[name] || strings.HasSuffix(name, ".crdownload") {
			continue
		}
		return name, true, nil
	}
	return "", false, nil
}

// Responsive probes the page with a trivial evaluation.
func (p *Page) Responsive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.Evaluate(ctx, "1")
	return err == nil
}

// Close closes the page's target.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.driver.conn.call(ctx, "", "Target.closeTarget",
		map[string]any{"targetId": p.targetID}, nil)
}

// jsString encodes s as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var _ browser.Page = (*Page)(nil)
