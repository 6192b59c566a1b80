package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeLauncher is an in-memory Launcher for tests.
type FakeLauncher struct {
	mu       sync.Mutex
	launches []LaunchConfig

	// LaunchErr, when set, is returned by Launch.
	LaunchErr error
}

// NewFakeLauncher creates a fake launcher.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{}
}

// Launch returns a fresh FakeDriver.
func (l *FakeLauncher) Launch(ctx context.Context, cfg LaunchConfig) (Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	l.launches = append(l.launches, cfg)
	return NewFakeDriver(), nil
}

// Launches returns the configs passed to Launch, in order.
func (l *FakeLauncher) Launches() []LaunchConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LaunchConfig, len(l.launches))
	copy(out, l.launches)
	return out
}

// FakeDriver is an in-memory Driver for tests.
type FakeDriver struct {
	mu     sync.Mutex
	pages  []Page
	closed bool

	// AliveVal controls Alive; defaults to true until Close.
	AliveVal bool

	// Storage is returned by StorageState.
	Storage []byte

	// Console is returned by ConsoleLog.
	Console []byte

	// Network is returned by HAR.
	Network []byte
}

// NewFakeDriver creates a live fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{AliveVal: true}
}

// NewPage opens a new FakePage.
func (d *FakeDriver) NewPage(ctx context.Context) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("driver closed")
	}
	p := NewFakePage()
	d.pages = append(d.pages, p)
	return p, nil
}

// Pages returns the open pages.
func (d *FakeDriver) Pages() []Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Page, 0, len(d.pages))
	for _, p := range d.pages {
		if fp, ok := p.(*FakePage); ok && fp.IsClosed() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Alive reports driver liveness.
func (d *FakeDriver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.AliveVal && !d.closed
}

// Kill marks the driver dead without closing, for recovery tests.
func (d *FakeDriver) Kill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.AliveVal = false
}

// StorageState returns the configured snapshot.
func (d *FakeDriver) StorageState(ctx context.Context) ([]byte, error) {
	return d.Storage, nil
}

// ConsoleLog returns the configured console buffer.
func (d *FakeDriver) ConsoleLog(ctx context.Context) ([]byte, error) {
	return d.Console, nil
}

// HAR returns the configured network archive.
func (d *FakeDriver) HAR(ctx context.Context) ([]byte, error) {
	return d.Network, nil
}

// Close shuts the fake driver down.
func (d *FakeDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.AliveVal = false
	for _, p := range d.pages {
		if fp, ok := p.(*FakePage); ok {
			fp.setClosed()
		}
	}
	return nil
}

// FakePage is an in-memory Page for tests. Tests script it via EvalFunc,
// Missing and FailOn; every operation is appended to Ops for assertions.
type FakePage struct {
	mu sync.Mutex

	// CurrentURL is the page URL; Goto updates it.
	CurrentURL string

	// HTML is returned by Content.
	HTML string

	// EvalFunc, when set, answers Evaluate calls. Defaults to "null".
	EvalFunc func(script string) ([]byte, error)

	// Missing marks selectors absent; element ops on them fail.
	Missing map[string]bool

	// FailOn injects an error for an op name ("click", "type", "goto", ...).
	// The error is returned once per lookup; persistent by default.
	FailOn map[string]error

	// Downloads maps selector to downloaded bytes.
	Downloads map[string]string

	// Unresponsive makes Responsive return false.
	Unresponsive bool

	// Typed records TypeInto/FillValue values by selector.
	Typed map[string]string

	// SelectedOptions records SelectOption choices by selector.
	SelectedOptions map[string]string

	ops    []string
	closed bool
}

// NewFakePage creates an open fake page.
func NewFakePage() *FakePage {
	return &FakePage{
		Missing:         make(map[string]bool),
		FailOn:          make(map[string]error),
		Downloads:       make(map[string]string),
		Typed:           make(map[string]string),
		SelectedOptions: make(map[string]string),
	}
}

func (p *FakePage) record(op string) {
	p.ops = append(p.ops, op)
}

// Ops returns the operations performed on the page, in order.
func (p *FakePage) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ops))
	copy(out, p.ops)
	return out
}

// IsClosed reports whether the page was closed.
func (p *FakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePage) setClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// URL returns the current URL.
func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL
}

// Goto navigates the fake page.
func (p *FakePage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("goto " + url)
	if err := p.FailOn["goto"]; err != nil {
		return err
	}
	p.CurrentURL = url
	return nil
}

// Evaluate answers with EvalFunc or "null".
func (p *FakePage) Evaluate(ctx context.Context, script string) ([]byte, error) {
	p.mu.Lock()
	fn := p.EvalFunc
	p.record("evaluate")
	err := p.FailOn["evaluate"]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(script)
	}
	return []byte("null"), nil
}

// Screenshot returns a deterministic placeholder image.
func (p *FakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("screenshot")
	if err := p.FailOn["screenshot"]; err != nil {
		return nil, err
	}
	return []byte("PNG:" + p.CurrentURL), nil
}

// Content returns the configured HTML.
func (p *FakePage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("content")
	return p.HTML, nil
}

func (p *FakePage) elementOp(op, css string) error {
	p.record(op + " " + css)
	if p.Missing[css] {
		return fmt.Errorf("selector %s: not found", css)
	}
	if err := p.FailOn[op]; err != nil {
		return err
	}
	return nil
}

// Click performs a native click on css.
func (p *FakePage) Click(ctx context.Context, css string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elementOp("click", css)
}

// ClickAt dispatches a synthesized click at coordinates.
func (p *FakePage) ClickAt(ctx context.Context, x, y float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(fmt.Sprintf("click_at %.0f,%.0f", x, y))
	if err := p.FailOn["click_at"]; err != nil {
		return err
	}
	return nil
}

// TypeInto types text into css.
func (p *FakePage) TypeInto(ctx context.Context, css, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.elementOp("type", css); err != nil {
		return err
	}
	p.Typed[css] = text
	return nil
}

// FillValue injects text into css at the JS value level.
func (p *FakePage) FillValue(ctx context.Context, css, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.elementOp("fill", css); err != nil {
		return err
	}
	p.Typed[css] = text
	return nil
}

// SelectOption selects an option on css.
func (p *FakePage) SelectOption(ctx context.Context, css, option string, byLabel bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := "select_value"
	if byLabel {
		op = "select_label"
	}
	if err := p.elementOp(op, css); err != nil {
		return err
	}
	p.SelectedOptions[css] = option
	return nil
}

// ScrollBy scrolls the fake viewport.
func (p *FakePage) ScrollBy(ctx context.Context, dy int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(fmt.Sprintf("scroll %d", dy))
	return nil
}

// WaitForSelector succeeds immediately unless the selector is missing.
func (p *FakePage) WaitForSelector(ctx context.Context, css string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elementOp("wait_for", css)
}

// SetFiles attaches files to the input at css.
func (p *FakePage) SetFiles(ctx context.Context, css string, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elementOp("set_files", css)
}

// Download clicks css and returns the configured payload.
func (p *FakePage) Download(ctx context.Context, css string) ([]byte, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.elementOp("download", css); err != nil {
		return nil, "", err
	}
	data, ok := p.Downloads[css]
	if !ok {
		return nil, "", fmt.Errorf("selector %s: no download", css)
	}
	return []byte(data), "download.bin", nil
}

// Responsive probes the fake page.
func (p *FakePage) Responsive(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unresponsive && !p.closed
}

// Close closes the fake page.
func (p *FakePage) Close(ctx context.Context) error {
	p.setClosed()
	return nil
}

var (
	_ Launcher = (*FakeLauncher)(nil)
	_ Driver   = (*FakeDriver)(nil)
	_ Page     = (*FakePage)(nil)
)
