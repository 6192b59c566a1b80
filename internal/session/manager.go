package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/task"
)

// Pool defaults.
const (
	DefaultGlobalMax    = 100
	DefaultTenantMax    = 10
	DefaultAcquireWait  = 30 * time.Second
	DefaultIdleTTL      = 15 * time.Minute
	maxRecoveryAttempts = 3
)

// Config holds the pool limits and the launch template.
type Config struct {
	// GlobalMax caps concurrent sessions process-wide.
	GlobalMax int

	// TenantMax caps concurrent sessions per organization.
	TenantMax int

	// AcquireWait bounds how long Acquire blocks on pool exhaustion.
	AcquireWait time.Duration

	// IdleTTL is how long idle sessions are kept before the reaper
	// closes them.
	IdleTTL time.Duration

	// Launch is the template for new browser instances.
	Launch browser.LaunchConfig
}

func (c Config) withDefaults() Config {
	if c.GlobalMax <= 0 {
		c.GlobalMax = DefaultGlobalMax
	}
	if c.TenantMax <= 0 {
		c.TenantMax = DefaultTenantMax
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = DefaultAcquireWait
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

// ArtifactWriter materializes session artifacts (console log, HAR) on
// release, attributed to the last task that used the session.
type ArtifactWriter interface {
	WriteSessionArtifact(ctx context.Context, sessionID, tenant, taskID string, kind artifact.Kind, data []byte) error
}

// Manager owns the universe of live browser sessions: pooling,
// workflow-run sharing, health recovery, idle reaping and cleanup.
type Manager struct {
	launcher browser.Launcher
	clock    retry.Clock
	logger   *slog.Logger
	cfg      Config

	store RecordStore
	sink  ArtifactWriter

	global chan struct{}

	mu       sync.Mutex
	tenants  map[string]chan struct{}
	sessions map[string]*Session
	byRun    map[string]*Session
	runLocks map[string]*sync.Mutex
}

// Option configures the manager.
type Option func(*Manager)

// WithRecordStore enables persistent session records.
func WithRecordStore(store RecordStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithArtifactWriter enables artifact materialization on release.
func WithArtifactWriter(sink ArtifactWriter) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager creates a session manager.
func NewManager(launcher browser.Launcher, clock retry.Clock, logger *slog.Logger, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		launcher: launcher,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		global:   make(chan struct{}, cfg.GlobalMax),
		tenants:  make(map[string]chan struct{}),
		sessions: make(map[string]*Session),
		byRun:    make(map[string]*Session),
		runLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire finds a session matching (scope, tenant, runRef) or creates one
// respecting pool limits. For workflow_run scope every task of a run gets
// the same session. Acquisition waits at most the configured bound; on
// pool exhaustion past the bound it fails with a session acquisition
// timeout.
func (m *Manager) Acquire(ctx context.Context, scope Scope, tenant, runRef string) (*Session, error) {
	if scope == ScopeWorkflowRun {
		// One find-or-create at a time per run keeps the shared-session
		// invariant under concurrent task starts.
		l := m.runLock(runRef)
		l.Lock()
		defer l.Unlock()
		m.mu.Lock()
		if s, ok := m.byRun[runRef]; ok && s.State() != StateReleased && s.State() != StateErrored {
			m.mu.Unlock()
			s.Touch(m.clock)
			return s, nil
		}
		m.mu.Unlock()
	}
	if scope == ScopePersistent && runRef != "" {
		m.mu.Lock()
		s, ok := m.sessions[runRef]
		m.mu.Unlock()
		if ok && s.State() != StateReleased && s.State() != StateErrored {
			s.Unpause()
			s.Touch(m.clock)
			return s, nil
		}
		if m.store != nil {
			rec, err := m.store.GetSession(ctx, runRef)
			if err == nil && rec != nil {
				return m.resume(ctx, rec)
			}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireWait)
	defer cancel()

	tsem := m.tenantSem(tenant)
	if err := waitSlot(waitCtx, tsem); err != nil {
		return nil, m.acquireErr(ctx, err)
	}
	if err := waitSlot(waitCtx, m.global); err != nil {
		<-tsem
		return nil, m.acquireErr(ctx, err)
	}

	s, err := m.create(ctx, scope, tenant, runRef, nil, "")
	if err != nil {
		<-tsem
		<-m.global
		return nil, err
	}
	return s, nil
}

// create launches a browser and registers the session. The caller has
// already reserved the pool slots.
func (m *Manager) create(ctx context.Context, scope Scope, tenant, runRef string, storageState []byte, id string) (*Session, error) {
	if id == "" {
		id = task.NewSessionID()
	}
	cfg := m.cfg.Launch
	cfg.StorageState = storageState
	s := &Session{
		ID:        id,
		Scope:     scope,
		Tenant:    tenant,
		RunRef:    runRef,
		lock:      make(chan struct{}, 1),
		state:     StateCreating,
		createdAt: m.clock.Now(),
	}
	drv, err := m.launcher.Launch(ctx, cfg)
	if err != nil {
		return nil, errors.ErrInternal(fmt.Errorf("launch browser: %w", err))
	}
	page, err := drv.NewPage(ctx)
	if err != nil {
		_ = drv.Close(ctx)
		return nil, errors.ErrInternal(fmt.Errorf("open page: %w", err))
	}
	s.mu.Lock()
	s.driver = drv
	s.page = page
	s.state = StateActive
	s.lastActivity = m.clock.Now()
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[s.ID] = s
	if scope == ScopeWorkflowRun {
		m.byRun[runRef] = s
	}
	m.mu.Unlock()

	m.logger.Info("browser session created",
		"session_id", s.ID, "scope", string(scope), "organization_id", tenant)
	return s, nil
}

// resume relaunches a persistent session by identity from its record.
func (m *Manager) resume(ctx context.Context, rec *Record) (*Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireWait)
	defer cancel()
	tsem := m.tenantSem(rec.OrganizationID)
	if err := waitSlot(waitCtx, tsem); err != nil {
		return nil, m.acquireErr(ctx, err)
	}
	if err := waitSlot(waitCtx, m.global); err != nil {
		<-tsem
		return nil, m.acquireErr(ctx, err)
	}
	s, err := m.create(ctx, ScopePersistent, rec.OrganizationID, "", rec.StorageState, rec.ID)
	if err != nil {
		<-tsem
		<-m.global
		return nil, err
	}
	return s, nil
}

// Release returns a session to the pool or closes it, per scope rules.
// Task-scoped sessions always close. Workflow-run and persistent sessions
// close only when cleanup is set; otherwise they go idle.
func (m *Manager) Release(ctx context.Context, s *Session, cleanup bool) {
	if s == nil {
		return
	}
	shouldClose := cleanup || s.Scope == ScopeTask
	if !shouldClose {
		s.Checkin()
		s.mu.Lock()
		if s.state == StateActive {
			s.state = StateIdle
		}
		s.lastActivity = m.clock.Now()
		s.mu.Unlock()
		return
	}
	m.closeSession(ctx, s, StateReleased)
}

// closeSession materializes artifacts, closes the driver, frees the pool
// slots and drops the registry entries.
func (m *Manager) closeSession(ctx context.Context, s *Session, final State) {
	s.mu.Lock()
	if s.state == StateReleased {
		s.mu.Unlock()
		return
	}
	drv := s.driver
	lastTask := s.lastTaskID
	s.state = final
	s.holder = ""
	freed := s.slotsFreed
	s.slotsFreed = true
	s.mu.Unlock()

	if drv != nil {
		m.materialize(ctx, s, drv, lastTask)
		if err := drv.Close(ctx); err != nil {
			m.logger.Warn("browser close failed", "session_id", s.ID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	if s.Scope == ScopeWorkflowRun {
		if cur, ok := m.byRun[s.RunRef]; ok && cur == s {
			delete(m.byRun, s.RunRef)
			delete(m.runLocks, s.RunRef)
		}
	}
	m.mu.Unlock()

	if !freed {
		m.freeSlots(s.Tenant)
	}
	m.logger.Info("browser session released",
		"session_id", s.ID, "state", string(final))
}

// materialize drains the console log and HAR into artifacts attributed to
// the last task that used the session.
func (m *Manager) materialize(ctx context.Context, s *Session, drv browser.Driver, lastTask string) {
	if m.sink == nil {
		return
	}
	if data, err := drv.ConsoleLog(ctx); err == nil && len(data) > 0 {
		if err := m.sink.WriteSessionArtifact(ctx, s.ID, s.Tenant, lastTask, artifact.KindConsoleLog, data); err != nil {
			m.logger.Warn("console log artifact failed", "session_id", s.ID, "error", err)
		}
	}
	if data, err := drv.HAR(ctx); err == nil && len(data) > 0 {
		if err := m.sink.WriteSessionArtifact(ctx, s.ID, s.Tenant, lastTask, artifact.KindHAR, data); err != nil {
			m.logger.Warn("har artifact failed", "session_id", s.ID, "error", err)
		}
	}
}

// Persist marks a session persistent with the given TTL and writes its
// identity record (storage state included) so it can be reattached after
// a restart.
func (m *Manager) Persist(ctx context.Context, s *Session, ttl time.Duration) error {
	s.mu.Lock()
	s.Scope = ScopePersistent
	drv := s.driver
	s.mu.Unlock()
	if m.store == nil {
		return nil
	}
	var storageState []byte
	if drv != nil {
		var err error
		storageState, err = drv.StorageState(ctx)
		if err != nil {
			return errors.ErrStorage(fmt.Errorf("snapshot storage state: %w", err))
		}
	}
	now := m.clock.Now()
	return m.store.SaveSession(ctx, &Record{
		ID:             s.ID,
		OrganizationID: s.Tenant,
		StorageState:   storageState,
		TTL:            ttl,
		CreatedAt:      now,
		ModifiedAt:     now,
	})
}

// CleanupForTask closes every session bound to or last used by the task.
func (m *Manager) CleanupForTask(ctx context.Context, taskID string) {
	for _, s := range m.snapshot() {
		s.mu.Lock()
		match := s.Scope == ScopeTask && (s.RunRef == taskID || s.lastTaskID == taskID)
		s.mu.Unlock()
		if match {
			m.closeSession(ctx, s, StateReleased)
		}
	}
}

// CleanupForWorkflowRun closes the run's shared session.
func (m *Manager) CleanupForWorkflowRun(ctx context.Context, runID string) {
	m.mu.Lock()
	s := m.byRun[runID]
	m.mu.Unlock()
	if s != nil {
		m.closeSession(ctx, s, StateReleased)
	}
}

// HealthCheck probes the session: driver alive, a working page, page
// answers a trivial evaluation.
func (m *Manager) HealthCheck(ctx context.Context, s *Session) Health {
	s.mu.Lock()
	drv, page := s.driver, s.page
	s.mu.Unlock()
	if drv == nil || !drv.Alive() {
		return Unhealthy
	}
	if page == nil || len(drv.Pages()) == 0 {
		return Degraded
	}
	if !page.Responsive(ctx) {
		return Degraded
	}
	return Healthy
}

// Recover repairs an unhealthy session. Degraded sessions get a fresh
// page (old pages closed). A dead driver is replaced wholesale while
// keeping the session identity; the caller receives a session-replaced
// error and must restart its step. After three attempts the session is
// forced to errored.
func (m *Manager) Recover(ctx context.Context, s *Session) error {
	s.mu.Lock()
	if s.recoveries >= maxRecoveryAttempts {
		s.mu.Unlock()
		m.closeSession(ctx, s, StateErrored)
		return errors.ErrSessionNotFound(s.ID)
	}
	s.recoveries++
	drv := s.driver
	s.mu.Unlock()

	if drv != nil && drv.Alive() {
		for _, p := range drv.Pages() {
			_ = p.Close(ctx)
		}
		page, err := drv.NewPage(ctx)
		if err == nil {
			s.mu.Lock()
			s.page = page
			s.lastActivity = m.clock.Now()
			s.mu.Unlock()
			m.logger.Info("session recovered with new page", "session_id", s.ID)
			return nil
		}
	}

	// Driver dead (or page creation failed): replace the browser while
	// preserving the session identity.
	var storageState []byte
	if drv != nil {
		storageState, _ = drv.StorageState(ctx)
		_ = drv.Close(ctx)
	}
	cfg := m.cfg.Launch
	cfg.StorageState = storageState
	newDrv, err := m.launcher.Launch(ctx, cfg)
	if err != nil {
		m.closeSession(ctx, s, StateErrored)
		return errors.ErrInternal(fmt.Errorf("relaunch browser: %w", err))
	}
	page, err := newDrv.NewPage(ctx)
	if err != nil {
		_ = newDrv.Close(ctx)
		m.closeSession(ctx, s, StateErrored)
		return errors.ErrInternal(fmt.Errorf("open page after relaunch: %w", err))
	}
	s.mu.Lock()
	s.driver = newDrv
	s.page = page
	s.lastActivity = m.clock.Now()
	s.mu.Unlock()
	m.logger.Warn("session browser replaced", "session_id", s.ID)
	return errors.ErrSessionReplaced(s.ID)
}

// ReapIdle closes sessions idle longer than the TTL. Returns how many it
// closed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	n := 0
	for _, s := range m.snapshot() {
		if s.State() == StateIdle && m.clock.Since(s.LastActivity()) > m.cfg.IdleTTL {
			m.closeSession(ctx, s, StateReleased)
			n++
		}
	}
	return n
}

// StartReaper runs the idle reaper until ctx ends.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			if err := m.clock.Sleep(ctx, interval); err != nil {
				return
			}
			m.ReapIdle(ctx)
		}
	}()
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) runLock(runRef string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.runLocks[runRef]
	if !ok {
		l = &sync.Mutex{}
		m.runLocks[runRef] = l
	}
	return l
}

func (m *Manager) tenantSem(tenant string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.tenants[tenant]
	if !ok {
		sem = make(chan struct{}, m.cfg.TenantMax)
		m.tenants[tenant] = sem
	}
	return sem
}

func (m *Manager) freeSlots(tenant string) {
	m.mu.Lock()
	sem := m.tenants[tenant]
	m.mu.Unlock()
	if sem != nil {
		select {
		case <-sem:
		default:
		}
	}
	select {
	case <-m.global:
	default:
	}
}

func (m *Manager) acquireErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return errors.ErrCanceled("session acquire: " + parent.Err().Error())
	}
	return errors.ErrSessionAcquisitionTimeout(m.cfg.AcquireWait.String())
}

func waitSlot(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
