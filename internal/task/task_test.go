package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	tk := New("task_1", "org_1", "https://example.test/login", "log in")

	assert.Equal(t, StatusCreated, tk.Status)
	assert.Equal(t, DefaultMaxSteps, tk.MaxSteps)
	assert.Equal(t, time.Hour, tk.MaxDuration)
	assert.Equal(t, "org_1", tk.OrganizationID)
	assert.False(t, tk.CreatedAt.IsZero())
	assert.Nil(t, tk.CompletedAt)
}

func TestTask_Validate(t *testing.T) {
	t.Parallel()

	valid := New("task_1", "org_1", "https://example.test", "do the thing")
	require.NoError(t, valid.Validate())

	noURL := New("task_2", "org_1", "", "goal")
	err := noURL.Validate()
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	noGoal := New("task_3", "org_1", "https://example.test", "")
	assert.Error(t, noGoal.Validate())

	negative := New("task_4", "org_1", "https://example.test", "goal")
	negative.RetriesPerStep = -1
	assert.Error(t, negative.Validate())
}

func TestTask_TransitionIsMonotone(t *testing.T) {
	t.Parallel()

	tk := New("task_1", "org_1", "https://example.test", "goal")
	require.NoError(t, tk.Transition(StatusQueued))
	require.NoError(t, tk.Transition(StatusRunning))
	require.NoError(t, tk.Transition(StatusCompleted))

	require.NotNil(t, tk.CompletedAt)

	err := tk.Transition(StatusRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in terminal status completed")
	assert.Equal(t, StatusCompleted, tk.Status)
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCanceled, StatusTerminated} {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range []Status{StatusCreated, StatusQueued, StatusRunning} {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestIsValidStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, IsValidStatus(StatusQueued))
	assert.False(t, IsValidStatus(Status("paused")))
	assert.Len(t, ValidStatuses(), 7)
}

func TestStep_Lifecycle(t *testing.T) {
	t.Parallel()

	s := NewStep("step_1", "task_1", 1, 0)
	assert.Equal(t, StepCreated, s.Status)
	assert.Equal(t, 1, s.Order)
	assert.Equal(t, 0, s.RetryIndex)

	s.Complete()
	assert.Equal(t, StepCompleted, s.Status)
	assert.True(t, s.Status.IsTerminal())

	f := NewStep("step_2", "task_1", 2, 0)
	f.Fail("ELEMENT_NOT_FOUND: element \"el_x\" not found")
	assert.Equal(t, StepFailed, f.Status)
	assert.Contains(t, f.FailureReason, "ELEMENT_NOT_FOUND")

	r := NewStep("step_3", "task_1", 2, 0)
	r.MarkRetrying()
	assert.Equal(t, StepRetrying, r.Status)
	assert.False(t, r.Status.IsTerminal())
}

func TestNewID_PrefixAndShape(t *testing.T) {
	t.Parallel()

	id := NewTaskID()
	assert.True(t, strings.HasPrefix(id, PrefixTask))
	assert.Len(t, id, len(PrefixTask)+32)
	assert.NotContains(t, id, "-")

	assert.NotEqual(t, NewStepID(), NewStepID())
	assert.True(t, strings.HasPrefix(NewSessionID(), "pbs_"))
	assert.True(t, strings.HasPrefix(NewWorkflowRunID(), "wfr_"))
}
