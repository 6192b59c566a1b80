// Package browser defines the driver capability the core consumes. The
// concrete automation library lives behind these interfaces; the core only
// depends on the primitives below and serializes operations per page.
package browser

import (
	"context"
	"time"
)

// LaunchConfig configures a new browser instance.
type LaunchConfig struct {
	// Headless controls whether the browser runs without a display.
	Headless bool `json:"headless"`

	// Browser selects the engine (chromium, firefox, webkit).
	Browser string `json:"browser,omitempty"`

	// ProxyLocation selects the egress proxy, if any.
	ProxyLocation string `json:"proxy_location,omitempty"`

	// UserAgent overrides the default user agent.
	UserAgent string `json:"user_agent,omitempty"`

	// StorageState is an opaque cookies/local-storage snapshot restored at
	// launch, used to reattach persistent sessions by identity.
	StorageState []byte `json:"-"`
}

// Launcher creates browser drivers.
type Launcher interface {
	// Launch starts a browser and returns its driver handle.
	Launch(ctx context.Context, cfg LaunchConfig) (Driver, error)
}

// Driver is a live browser instance. A driver owns its pages; it is not
// safe to use a page concurrently.
type Driver interface {
	// NewPage opens a fresh page in the browser context.
	NewPage(ctx context.Context) (Page, error)

	// Pages returns the currently open pages.
	Pages() []Page

	// Alive reports whether the underlying browser process is reachable.
	Alive() bool

	// StorageState snapshots cookies and local storage for persistence.
	StorageState(ctx context.Context) ([]byte, error)

	// ConsoleLog drains the accumulated console output.
	ConsoleLog(ctx context.Context) ([]byte, error)

	// HAR drains the accumulated network archive.
	HAR(ctx context.Context) ([]byte, error)

	// Close shuts the browser down and releases all pages.
	Close(ctx context.Context) error
}

// Page is a single browser page. All operations must be externally
// serialized; the driver is single-threaded per page.
type Page interface {
	// URL returns the current page URL.
	URL() string

	// Goto navigates to url and waits for the load event, bounded by timeout.
	Goto(ctx context.Context, url string, timeout time.Duration) error

	// Evaluate runs a script in the page and returns its JSON-encoded result.
	Evaluate(ctx context.Context, script string) ([]byte, error)

	// Screenshot captures the viewport (or the full page).
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)

	// Content returns the serialized HTML of the document.
	Content(ctx context.Context) (string, error)

	// Click clicks the element at the css selector using a native event.
	Click(ctx context.Context, css string) error

	// ClickAt dispatches a synthesized mouse click at viewport coordinates.
	ClickAt(ctx context.Context, x, y float64) error

	// TypeInto clears the element at css and types text natively.
	TypeInto(ctx context.Context, css, text string) error

	// FillValue injects text into the element at css at the JS value level,
	// the fallback when native typing fails.
	FillValue(ctx context.Context, css, text string) error

	// SelectOption selects an option by value (byLabel=false) or by visible
	// label (byLabel=true).
	SelectOption(ctx context.Context, css, option string, byLabel bool) error

	// ScrollBy scrolls the viewport vertically by dy pixels.
	ScrollBy(ctx context.Context, dy int) error

	// WaitForSelector blocks until css matches or timeout elapses.
	WaitForSelector(ctx context.Context, css string, timeout time.Duration) error

	// SetFiles attaches local files to the file input at css.
	SetFiles(ctx context.Context, css string, paths []string) error

	// Download clicks css and captures the resulting download.
	Download(ctx context.Context, css string) (data []byte, filename string, err error)

	// Responsive probes the page with a trivial evaluation.
	Responsive(ctx context.Context) bool

	// Close closes the page.
	Close(ctx context.Context) error
}
