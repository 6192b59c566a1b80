// Package events provides the in-process event bus. Status changes are
// published as events; the websocket stream and tests subscribe.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/task"
)

// Type names an event. The set mirrors the resource status transitions.
type Type string

const (
	TaskCreated    Type = "task.created"
	TaskRunning    Type = "task.running"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"
	TaskCanceled   Type = "task.canceled"
	TaskTerminated Type = "task.terminated"

	StepStarted   Type = "step.started"
	StepCompleted Type = "step.completed"
	StepFailed    Type = "step.failed"

	RunCreated   Type = "workflow_run.created"
	RunRunning   Type = "workflow_run.running"
	RunCompleted Type = "workflow_run.completed"
	RunFailed    Type = "workflow_run.failed"
	RunCanceled  Type = "workflow_run.canceled"

	BlockCompleted Type = "workflow_run.block_completed"

	SessionCreated  Type = "session.created"
	SessionReleased Type = "session.released"
)

// Event is one published occurrence.
type Event struct {
	// ID is unique per event.
	ID string `json:"event_id"`

	// Type names what happened.
	Type Type `json:"type"`

	// OrganizationID scopes delivery; subscribers only see their tenant.
	OrganizationID string `json:"organization_id"`

	// ResourceID is the task, run, block or session id.
	ResourceID string `json:"resource_id"`

	// Payload is event-specific detail.
	Payload any `json:"payload,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits events. Publishing never blocks the caller; slow
// subscribers drop.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(ctx context.Context, e Event) {}

// Bus is an in-process publisher with fan-out subscriptions.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[int]subscriber
}

type subscriber struct {
	ch  chan Event
	org string
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = task.NewID("evt_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.org != "" && sub.org != e.OrganizationID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered subscription filtered by organization
// (empty matches all). The returned cancel closes the channel.
func (b *Bus) Subscribe(org string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscriber{ch: ch, org: org}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

var _ Publisher = (*Bus)(nil)
var _ Publisher = Nop{}
