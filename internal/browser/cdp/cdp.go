// Package cdp drives Chromium over the DevTools protocol. It implements
// the browser.Launcher, Driver and Page capabilities on a single
// websocket connection with flattened sessions.
package cdp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyvernhq/skyvern-go/internal/browser"
)

// DefaultBrowserPath is tried when no explicit binary is configured.
var DefaultBrowserPath = "chromium"

// launchTimeout bounds how long we wait for the DevTools endpoint to
// come up.
const launchTimeout = 30 * time.Second

var wsURLPattern = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// Launcher starts Chromium processes and connects to their DevTools
// endpoint.
type Launcher struct {
	// Path is the browser binary; defaults to DefaultBrowserPath.
	Path string

	// ExtraArgs are appended to the computed argument list.
	ExtraArgs []string

	logger *slog.Logger
}

// NewLauncher creates a launcher for the given binary path.
func NewLauncher(path string, logger *slog.Logger) *Launcher {
	if path == "" {
		path = DefaultBrowserPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{Path: path, logger: logger}
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, cfg browser.LaunchConfig) (browser.Driver, error) {
	profileDir, err := os.MkdirTemp("", "skyvern-profile-")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	downloadDir, err := os.MkdirTemp("", "skyvern-downloads-")
	if err != nil {
		os.RemoveAll(profileDir)
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	args := []string{
		"--remote-debugging-port=0",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--user-data-dir=" + profileDir,
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.ProxyLocation != "" {
		args = append(args, "--proxy-server="+cfg.ProxyLocation)
	}
	if cfg.UserAgent != "" {
		args = append(args, "--user-agent="+cfg.UserAgent)
	}
	args = append(args, l.ExtraArgs...)

	cmd := exec.Command(l.Path, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanupDirs(profileDir, downloadDir)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cleanupDirs(profileDir, downloadDir)
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}

	wsURL, err := awaitEndpoint(ctx, stderr)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		cleanupDirs(profileDir, downloadDir)
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		cleanupDirs(profileDir, downloadDir)
		return nil, fmt.Errorf("dial devtools %s: %w", wsURL, err)
	}

	d := &Driver{
		cmd:         cmd,
		conn:        newConn(ws, l.logger),
		profileDir:  profileDir,
		downloadDir: downloadDir,
		logger:      l.logger,
		waitDone:    make(chan struct{}),
	}
	d.conn.onEvent = d.handleEvent
	go func() {
		cmd.Wait()
		d.markExited()
		close(d.waitDone)
	}()

	if len(cfg.StorageState) > 0 {
		if err := d.restoreStorageState(ctx, cfg.StorageState); err != nil {
			d.Close(ctx)
			return nil, fmt.Errorf("restore storage state: %w", err)
		}
	}
	l.logger.Info("browser launched", "path", l.Path, "endpoint", wsURL)
	return d, nil
}

func cleanupDirs(dirs ...string) {
	for _, d := range dirs {
		os.RemoveAll(d)
	}
}

// awaitEndpoint scans the browser's stderr for the DevTools websocket
// URL.
func awaitEndpoint(ctx context.Context, stderr interface{ Read([]byte) (int, error) }) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if m := wsURLPattern.FindStringSubmatch(scanner.Text()); m != nil {
				found <- m[1]
				return
			}
		}
	}()
	select {
	case url := <-found:
		return url, nil
	case <-ctx.Done():
		return "", fmt.Errorf("devtools endpoint did not appear within %s", launchTimeout)
	}
}

// message is one protocol frame in either direction.
type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *protocolError  `json:"error,omitempty"`
}

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// conn multiplexes calls and events over one websocket.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan message
	waiters map[string][]chan json.RawMessage
	closed  bool

	onEvent func(sessionID, method string, params json.RawMessage)
}

func newConn(ws *websocket.Conn, logger *slog.Logger) *conn {
	c := &conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[int64]chan message),
		waiters: make(map[string][]chan json.RawMessage),
	}
	go c.readLoop()
	return c
}

func (c *conn) readLoop() {
	for {
		var m message
		if err := c.ws.ReadJSON(&m); err != nil {
			c.shutdown()
			return
		}
		if m.ID != 0 {
			c.mu.Lock()
			ch := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- m
			}
			continue
		}
		if m.Method == "" {
			continue
		}
		key := m.SessionID + "/" + m.Method
		c.mu.Lock()
		waiters := c.waiters[key]
		delete(c.waiters, key)
		c.mu.Unlock()
		for _, w := range waiters {
			w <- m.Params
		}
		if c.onEvent != nil {
			c.onEvent(m.SessionID, m.Method, m.Params)
		}
	}
}

func (c *conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	for key, ws := range c.waiters {
		delete(c.waiters, key)
		for _, w := range ws {
			close(w)
		}
	}
	c.mu.Unlock()
	c.ws.Close()
}

func (c *conn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// call issues one protocol command and waits for its response.
func (c *conn) call(ctx context.Context, sessionID, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: marshal params: %w", method, err)
		}
		raw = b
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s: connection closed", method)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(message{ID: id, SessionID: sessionID, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection closed", method)
		}
		if m.Error != nil {
			return fmt.Errorf("%s: %s (%d)", method, m.Error.Message, m.Error.Code)
		}
		if out != nil && len(m.Result) > 0 {
			if err := json.Unmarshal(m.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// waitEvent registers a one-shot waiter for the next occurrence of the
// event on the session.
func (c *conn) waitEvent(sessionID, method string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	key := sessionID + "/" + method
	c.mu.Lock()
	if c.closed {
		close(ch)
	} else {
		c.waiters[key] = append(c.waiters[key], ch)
	}
	c.mu.Unlock()
	return ch
}

// Driver is one running Chromium instance.
type Driver struct {
	cmd         *exec.Cmd
	conn        *conn
	profileDir  string
	downloadDir string
	logger      *slog.Logger
	waitDone    chan struct{}

	mu      sync.Mutex
	pages   []browser.Page
	console bytes.Buffer
	har     []harEntry
	exited  bool
}

type harEntry struct {
	URL      string  `json:"url"`
	Method   string  `json:"method,omitempty"`
	Status   float64 `json:"status,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
}

func (d *Driver) markExited() {
	d.mu.Lock()
	d.exited = true
	d.mu.Unlock()
}

// handleEvent accumulates console output and network traffic across all
// sessions.
func (d *Driver) handleEvent(sessionID, method string, params json.RawMessage) {
	switch method {
	case "Runtime.consoleAPICalled":
		var ev struct {
			Type string `json:"type"`
			Args []struct {
				Value       any    `json:"value"`
				Description string `json:"description"`
			} `json:"args"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		d.mu.Lock()
		d.console.WriteString(ev.Type)
		for _, a := range ev.Args {
			d.console.WriteByte(' ')
			if a.Value != nil {
				fmt.Fprintf(&d.console, "%v", a.Value)
			} else {
				d.console.WriteString(a.Description)
			}
		}
		d.console.WriteByte('\n')
		d.mu.Unlock()
	case "Network.responseReceived":
		var ev struct {
			Response struct {
				URL      string  `json:"url"`
				Status   float64 `json:"status"`
				MimeType string  `json:"mimeType"`
			} `json:"response"`
		}
		if json.Unmarshal(params, &ev) != nil {
			return
		}
		d.mu.Lock()
		d.har = append(d.har, harEntry{
			URL:      ev.Response.URL,
			Status:   ev.Response.Status,
			MimeType: ev.Response.MimeType,
		})
		d.mu.Unlock()
	}
}

// NewPage implements browser.Driver.
func (d *Driver) NewPage(ctx context.Context) (browser.Page, error) {
	var created struct {
		TargetID string `json:"targetId"`
	}
	err := d.conn.call(ctx, "", "Target.createTarget",
		map[string]any{"url": "about:blank"}, &created)
	if err != nil {
		return nil, err
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	err = d.conn.call(ctx, "", "Target.attachToTarget",
		map[string]any{"targetId": created.TargetID, "flatten": true}, &attached)
	if err != nil {
		return nil, err
	}
	p := &Page{
		driver:   d,
		targetID: created.TargetID,
		session:  attached.SessionID,
		url:      "about:blank",
	}
	for _, domain := range []string{"Page.enable", "Runtime.enable", "Network.enable", "DOM.enable"} {
		if err := d.conn.call(ctx, p.session, domain, nil, nil); err != nil {
			return nil, err
		}
	}
	// Route downloads to the driver's download directory so Download can
	// observe them.
	d.conn.call(ctx, p.session, "Page.setDownloadBehavior",
		map[string]any{"behavior": "allow", "downloadPath": d.downloadDir}, nil)

	d.mu.Lock()
	d.pages = append(d.pages, p)
	d.mu.Unlock()
	return p, nil
}

// Pages implements browser.Driver.
func (d *Driver) Pages() []browser.Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	open := make([]browser.Page, 0, len(d.pages))
	for _, p := range d.pages {
		if cp, ok := p.(*Page); ok && cp.isClosed() {
			continue
		}
		open = append(open, p)
	}
	return open
}

// Alive implements browser.Driver.
func (d *Driver) Alive() bool {
	d.mu.Lock()
	exited := d.exited
	d.mu.Unlock()
	return !exited && d.conn.alive()
}

// StorageState implements browser.Driver. The snapshot is the cookie
// jar; local storage stays inside the profile directory.
func (d *Driver) StorageState(ctx context.Context) ([]byte, error) {
	var out struct {
		Cookies []json.RawMessage `json:"cookies"`
	}
	if err := d.conn.call(ctx, "", "Storage.getCookies", nil, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (d *Driver) restoreStorageState(ctx context.Context, state []byte) error {
	var in struct {
		Cookies []json.RawMessage `json:"cookies"`
	}
	if err := json.Unmarshal(state, &in); err != nil {
		return err
	}
	if len(in.Cookies) == 0 {
		return nil
	}
	return d.conn.call(ctx, "", "Storage.setCookies",
		map[string]any{"cookies": in.Cookies}, nil)
}

// ConsoleLog implements browser.Driver.
func (d *Driver) ConsoleLog(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, d.console.Len())
	copy(out, d.console.Bytes())
	return out, nil
}

// HAR implements browser.Driver.
func (d *Driver) HAR(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	entries := make([]harEntry, len(d.har))
	copy(entries, d.har)
	d.mu.Unlock()
	return json.Marshal(map[string]any{"log": map[string]any{"entries": entries}})
}

// Close implements browser.Driver.
func (d *Driver) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	d.conn.call(closeCtx, "", "Browser.close", nil, nil)
	d.conn.shutdown()

	select {
	case <-d.waitDone:
	case <-time.After(5 * time.Second):
		if d.cmd.Process != nil {
			d.cmd.Process.Kill()
		}
		<-d.waitDone
	}
	cleanupDirs(d.profileDir, d.downloadDir)
	return nil
}

var _ browser.Launcher = (*Launcher)(nil)
var _ browser.Driver = (*Driver)(nil)
