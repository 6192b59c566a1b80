package events

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFillsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ch, cancel := bus.Subscribe("", 4)
	defer cancel()

	bus.Publish(context.Background(), Event{
		Type:           TaskCompleted,
		OrganizationID: "org_1",
		ResourceID:     "task_1",
	})

	e := <-ch
	assert.True(t, strings.HasPrefix(e.ID, "evt_"))
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, TaskCompleted, e.Type)
}

func TestBus_OrgFiltering(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	orgCh, cancelOrg := bus.Subscribe("org_1", 4)
	defer cancelOrg()
	allCh, cancelAll := bus.Subscribe("", 4)
	defer cancelAll()

	bus.Publish(context.Background(), Event{Type: TaskRunning, OrganizationID: "org_2", ResourceID: "task_1"})
	bus.Publish(context.Background(), Event{Type: TaskRunning, OrganizationID: "org_1", ResourceID: "task_2"})

	// The wildcard subscriber sees both.
	assert.Equal(t, "task_1", (<-allCh).ResourceID)
	assert.Equal(t, "task_2", (<-allCh).ResourceID)

	// The scoped subscriber only sees its tenant.
	e := <-orgCh
	assert.Equal(t, "task_2", e.ResourceID)
	select {
	case extra := <-orgCh:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ch, cancel := bus.Subscribe("", 1)
	defer cancel()

	bus.Publish(context.Background(), Event{Type: StepStarted, ResourceID: "step_1"})
	bus.Publish(context.Background(), Event{Type: StepStarted, ResourceID: "step_2"})

	assert.Equal(t, "step_1", (<-ch).ResourceID)
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %v", e)
	default:
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ch, cancel := bus.Subscribe("", 4)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	bus.Publish(context.Background(), Event{Type: TaskCreated, ResourceID: "task_1"})
}

func TestNop_DiscardsEvents(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() {
		Nop{}.Publish(context.Background(), Event{Type: TaskCreated})
	})
}
