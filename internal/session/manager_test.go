package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
)

type sinkCall struct {
	SessionID string
	Tenant    string
	TaskID    string
	Kind      artifact.Kind
	Data      []byte
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (f *fakeSink) WriteSessionArtifact(ctx context.Context, sessionID, tenant, taskID string, kind artifact.Kind, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{sessionID, tenant, taskID, kind, data})
	return nil
}

func (f *fakeSink) Calls() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sinkCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type memRecords struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemRecords() *memRecords {
	return &memRecords{recs: make(map[string]*Record)}
}

func (m *memRecords) SaveSession(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memRecords) GetSession(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, errors.ErrSessionNotFound(id)
	}
	cp := *rec
	return &cp, nil
}

func (m *memRecords) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *retry.FakeClock) {
	t.Helper()
	clock := retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(browser.NewFakeLauncher(), clock, logger, cfg, opts...), clock
}

func TestManager_AcquireAndReleaseTaskScope(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
	assert.NotNil(t, s.Page())
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	// Task-scoped sessions close on release even without cleanup.
	m.Release(ctx, s, false)
	assert.Equal(t, StateReleased, s.State())
	assert.Equal(t, 0, m.Len())
	assert.False(t, s.Driver().Alive())

	// Releasing twice is harmless.
	m.Release(ctx, s, true)
	m.Release(ctx, nil, true)
}

func TestManager_WorkflowRunScopeShares(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s1, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_1")
	require.NoError(t, err)
	s2, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.Len())

	// A different run gets its own session.
	s3, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_2")
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, m.Len())

	// Non-cleanup release keeps the shared session idle for the next task.
	m.Release(ctx, s1, false)
	assert.Equal(t, StateIdle, s1.State())
	s4, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_1")
	require.NoError(t, err)
	assert.Same(t, s1, s4)

	m.CleanupForWorkflowRun(ctx, "wfr_1")
	assert.Equal(t, StateReleased, s1.State())

	// After cleanup the run gets a fresh session.
	s5, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_1")
	require.NoError(t, err)
	assert.NotSame(t, s1, s5)
}

func TestManager_TenantCapTimesOut(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TenantMax: 1, AcquireWait: 50 * time.Millisecond})
	ctx := context.Background()

	s1, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, ScopeTask, "org_1", "task_2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionAcquisitionTimeout))

	// Other tenants are unaffected.
	_, err = m.Acquire(ctx, ScopeTask, "org_2", "task_3")
	require.NoError(t, err)

	// Releasing frees the slot.
	m.Release(ctx, s1, true)
	_, err = m.Acquire(ctx, ScopeTask, "org_1", "task_4")
	assert.NoError(t, err)
}

func TestManager_AcquireCanceledContext(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TenantMax: 1, AcquireWait: time.Second})
	ctx := context.Background()

	_, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Acquire(canceled, ScopeTask, "org_1", "task_2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))
}

func TestManager_ReapIdle(t *testing.T) {
	t.Parallel()
	m, clock := newTestManager(t, Config{IdleTTL: 15 * time.Minute})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_1")
	require.NoError(t, err)
	m.Release(ctx, s, false)
	require.Equal(t, StateIdle, s.State())

	// Not idle long enough yet.
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, m.ReapIdle(ctx))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, m.ReapIdle(ctx))
	assert.Equal(t, StateReleased, s.State())
	assert.Equal(t, 0, m.Len())
}

func TestManager_RecoverDegradedGetsNewPage(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	oldPage := s.Page().(*browser.FakePage)
	oldPage.Unresponsive = true
	assert.Equal(t, Degraded, m.HealthCheck(ctx, s))

	require.NoError(t, m.Recover(ctx, s))
	assert.NotSame(t, oldPage, s.Page())
	assert.True(t, oldPage.IsClosed())
	assert.Equal(t, Healthy, m.HealthCheck(ctx, s))
}

func TestManager_RecoverDeadDriverReplacesSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	oldDrv := s.Driver().(*browser.FakeDriver)
	oldDrv.Kill()
	assert.Equal(t, Unhealthy, m.HealthCheck(ctx, s))

	err = m.Recover(ctx, s)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionReplaced))

	// Identity is preserved, the browser is new and alive.
	assert.NotSame(t, oldDrv, s.Driver())
	assert.True(t, s.Driver().Alive())
	assert.Equal(t, Healthy, m.HealthCheck(ctx, s))
}

func TestManager_RecoverGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Recover(ctx, s), "attempt %d", i)
	}
	err = m.Recover(ctx, s)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))
	assert.Equal(t, StateErrored, s.State())
	assert.Equal(t, 0, m.Len())
}

func TestManager_PersistWritesRecord(t *testing.T) {
	t.Parallel()
	store := newMemRecords()
	m, _ := newTestManager(t, Config{}, WithRecordStore(store))
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	s.Driver().(*browser.FakeDriver).Storage = []byte(`{"cookies":[{"name":"sid"}]}`)

	require.NoError(t, m.Persist(ctx, s, time.Hour))
	assert.Equal(t, ScopePersistent, s.Scope)

	rec, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "org_1", rec.OrganizationID)
	assert.Equal(t, time.Hour, rec.TTL)
	assert.Contains(t, string(rec.StorageState), "sid")
}

func TestManager_PersistentResumeFromRecord(t *testing.T) {
	t.Parallel()
	store := newMemRecords()
	m, _ := newTestManager(t, Config{}, WithRecordStore(store))
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	s.Driver().(*browser.FakeDriver).Storage = []byte(`{"cookies":[]}`)
	require.NoError(t, m.Persist(ctx, s, time.Hour))
	id := s.ID

	// Simulate a restart: the live session is gone, the record remains.
	m.Release(ctx, s, true)
	require.Equal(t, 0, m.Len())

	resumed, err := m.Acquire(ctx, ScopePersistent, "org_1", id)
	require.NoError(t, err)
	assert.Equal(t, id, resumed.ID)
	assert.Equal(t, ScopePersistent, resumed.Scope)
	assert.Equal(t, StateActive, resumed.State())
}

func TestManager_ReleaseMaterializesArtifacts(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	m, _ := newTestManager(t, Config{}, WithArtifactWriter(sink))
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	require.NoError(t, s.Checkout(ctx, "task_1"))
	s.Checkin()

	drv := s.Driver().(*browser.FakeDriver)
	drv.Console = []byte("console.error: boom")
	drv.Network = []byte(`{"log":{"entries":[]}}`)

	m.Release(ctx, s, true)

	calls := sink.Calls()
	require.Len(t, calls, 2)
	kinds := map[artifact.Kind]sinkCall{}
	for _, c := range calls {
		kinds[c.Kind] = c
		assert.Equal(t, s.ID, c.SessionID)
		assert.Equal(t, "org_1", c.Tenant)
		assert.Equal(t, "task_1", c.TaskID)
	}
	assert.Contains(t, kinds, artifact.KindConsoleLog)
	assert.Contains(t, kinds, artifact.KindHAR)
}

func TestSession_CheckoutExclusivity(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeWorkflowRun, "org_1", "wfr_1")
	require.NoError(t, err)

	require.NoError(t, s.Checkout(ctx, "task_1"))
	assert.Equal(t, StateInUse, s.State())
	assert.Equal(t, "task_1", s.Holder())

	// A second holder blocks until checkin; with a dead context it fails.
	expired, cancel := context.WithCancel(ctx)
	cancel()
	err = s.Checkout(expired, "task_2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))

	s.Checkin()
	assert.Equal(t, StateActive, s.State())
	assert.Empty(t, s.Holder())

	require.NoError(t, s.Checkout(ctx, "task_2"))
	assert.Equal(t, "task_2", s.Holder())
	s.Checkin()
}

func TestSession_CheckoutReleasedSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	m.Release(ctx, s, true)

	err = s.Checkout(ctx, "task_2")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))
}

func TestSession_PauseUnpause(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)

	s.Pause()
	assert.Equal(t, StatePaused, s.State())
	s.Unpause()
	assert.Equal(t, StateActive, s.State())
}

func TestManager_CleanupForTask(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s, err := m.Acquire(ctx, ScopeTask, "org_1", "task_1")
	require.NoError(t, err)
	other, err := m.Acquire(ctx, ScopeTask, "org_1", "task_2")
	require.NoError(t, err)

	m.CleanupForTask(ctx, "task_1")
	assert.Equal(t, StateReleased, s.State())
	assert.Equal(t, StateActive, other.State())
	assert.Equal(t, 1, m.Len())
}
