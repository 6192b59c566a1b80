// Package session provides the browser session pool: live browser
// instances, their sharing across tasks in a workflow run, health
// recovery and cleanup.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
)

// Scope determines a session's sharing and lifetime rules.
type Scope string

const (
	// ScopeTask sessions live and die with one task.
	ScopeTask Scope = "task"

	// ScopeWorkflowRun sessions are shared by all tasks of one run.
	ScopeWorkflowRun Scope = "workflow_run"

	// ScopePersistent sessions survive task end until explicitly released
	// or their TTL lapses.
	ScopePersistent Scope = "persistent"
)

// State is the session lifecycle state.
type State string

const (
	StateCreating State = "creating"
	StateActive   State = "active"
	StateInUse    State = "in_use"
	StateIdle     State = "idle"
	StatePaused   State = "paused"
	StateReleased State = "released"
	StateErrored  State = "errored"
)

// Health is the health_check verdict.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Session is one live browser instance. While in_use it is held by
// exactly one task; Checkout/Checkin enforce that with a per-session
// lock. Fields set at creation are immutable.
type Session struct {
	// ID identifies the session (e.g., pbs_a1b2c3).
	ID string

	// Scope determines sharing and lifetime.
	Scope Scope

	// Tenant is the owning organization.
	Tenant string

	// RunRef is the task or workflow-run id the session is bound to;
	// empty for persistent sessions.
	RunRef string

	mu           sync.Mutex
	lock         chan struct{}
	state        State
	holder       string
	lastTaskID   string
	lastActivity time.Time
	recoveries   int
	driver       browser.Driver
	page         browser.Page
	createdAt    time.Time
	slotsFreed   bool
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Holder returns the task id holding the session, empty when not in_use.
func (s *Session) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holder
}

// LastActivity returns the time of the last use.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Page returns the session's current page.
func (s *Session) Page() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Driver returns the session's driver handle.
func (s *Session) Driver() browser.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// Touch records activity.
func (s *Session) Touch(clock retry.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = clock.Now()
}

// Checkout takes exclusive hold of the session for taskID, blocking until
// the current holder checks in or ctx ends. The state becomes in_use.
func (s *Session) Checkout(ctx context.Context, taskID string) error {
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return errors.ErrCanceled("session checkout: " + ctx.Err().Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReleased || s.state == StateErrored {
		<-s.lock
		return errors.ErrSessionNotFound(s.ID)
	}
	s.state = StateInUse
	s.holder = taskID
	s.lastTaskID = taskID
	return nil
}

// Checkin returns the session to active and releases the hold.
func (s *Session) Checkin() {
	s.mu.Lock()
	if s.state == StateInUse {
		s.state = StateActive
	}
	s.holder = ""
	s.mu.Unlock()
	select {
	case <-s.lock:
	default:
	}
}

// Pause parks an active session; Unpause reverses it.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.state == StateIdle {
		s.state = StatePaused
	}
}

// Unpause returns a paused session to active.
func (s *Session) Unpause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePaused {
		s.state = StateActive
	}
}
