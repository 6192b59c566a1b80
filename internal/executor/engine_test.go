package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/events"
	"github.com/skyvernhq/skyvern-go/internal/oracle"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/webhook"
)

// engineWalkJSON is the DOM walk answer for a small login page the
// engine tests drive end-to-end.
const engineWalkJSON = `[
	{"index":0,"parent_index":-1,"tag":"form","ordinal_path":"0","css":"form","text":"Sign in","width":800,"height":600},
	{"index":1,"parent_index":0,"tag":"input","ordinal_path":"0/0","css":"#username","attributes":{"id":"username"},"width":200,"height":30,"center_x":100,"center_y":20},
	{"index":2,"parent_index":0,"tag":"button","ordinal_path":"0/1","css":"#submit","text":"Log in","width":100,"height":30,"center_x":100,"center_y":60}
]`

func loginEval(script string) ([]byte, error) {
	switch {
	case strings.Contains(script, "__skyvernLastMutation"):
		return []byte("5000"), nil
	case strings.Contains(script, "parent_index"):
		return []byte(engineWalkJSON), nil
	default:
		return []byte("null"), nil
	}
}

// elementID looks an element up by selector in the scrape the oracle was
// shown, the way a model would pick an id out of the element tree.
func elementID(sp *scrape.ScrapedPage, css string) string {
	for _, el := range sp.Elements {
		if el.CSS == css {
			return el.ID
		}
	}
	return ""
}

type engineHarness struct {
	store *storage.Memory
	mgr   *session.Manager
	eng   *Engine
	clock retry.Clock
}

func newEngineHarness(t *testing.T, decider oracle.DecisionOracle, clock retry.Clock, opts ...EngineOption) *engineHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory(clock)
	mgr := session.NewManager(browser.NewFakeLauncher(), clock, logger, session.Config{
		GlobalMax:   8,
		TenantMax:   8,
		AcquireWait: 2 * time.Second,
		IdleTTL:     time.Hour,
	})
	scraper := scrape.NewScraper(clock, logger)
	exec := NewExecutor(scraper, clock, logger)
	eng := NewEngine(store, mgr, decider, exec, scraper, clock, logger, opts...)
	return &engineHarness{store: store, mgr: mgr, eng: eng, clock: clock}
}

// acquirePage grabs a task-scoped session and scripts its page.
func (h *engineHarness) acquirePage(t *testing.T, tk *task.Task, eval func(string) ([]byte, error)) (*session.Session, *browser.FakePage) {
	t.Helper()
	sess, err := h.mgr.Acquire(context.Background(), session.ScopeTask, tk.OrganizationID, tk.ID)
	require.NoError(t, err)
	page := sess.Page().(*browser.FakePage)
	page.EvalFunc = eval
	return sess, page
}

func seedEngineTask(t *testing.T, store *storage.Memory, url, goal string) *task.Task {
	t.Helper()
	tk := task.New(task.NewTaskID(), "org_1", url, goal)
	require.NoError(t, store.CreateTask(context.Background(), tk))
	return tk
}

// loginOracle decides a two-step login: fill and submit, then complete
// once the history shows the first step landed.
func loginOracle(extracted json.RawMessage) *oracle.FakeOracle {
	return &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			if len(req.History) == 0 {
				return oracle.Decision{Actions: []action.Action{
					{Kind: action.KindInputText, ElementRef: elementID(req.Page, "#username"), Text: "ada"},
					{Kind: action.KindClick, ElementRef: elementID(req.Page, "#submit")},
				}}, nil
			}
			return oracle.Decision{Actions: []action.Action{
				{Kind: action.KindComplete, ExtractedData: extracted},
			}}, nil
		},
	}
}

func TestEngine_LoginTaskCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := loginOracle(json.RawMessage(`{"logged_in": true}`))
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "https://a.test/login", "log in as ada")

	sess, page := h.acquirePage(t, tk, loginEval)
	page.HTML = "<html><form></form></html>"
	defer h.mgr.Release(ctx, sess, true)

	require.NoError(t, h.eng.ExecuteWithSession(ctx, tk, sess, nil))

	stored, err := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"logged_in": true}`, string(stored.ExtractedData))
	require.NotNil(t, stored.CompletedAt)

	// The page saw the navigation and both interactions.
	ops := page.Ops()
	assert.Equal(t, "goto https://a.test/login", ops[0])
	assert.Equal(t, "ada", page.Typed["#username"])
	assert.Contains(t, ops, "click #submit")

	// Two ordered steps, both landed.
	steps, err := h.store.ListSteps(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, task.StepCompleted, steps[0].Status)
	assert.Equal(t, 2, steps[1].Order)
	assert.Equal(t, task.StepCompleted, steps[1].Status)
	assert.NotEmpty(t, steps[0].Output)

	// Scrape artifacts were archived for each step.
	arts, _, err := h.store.ListArtifacts(ctx, storage.ArtifactFilter{TaskID: tk.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, arts)
}

func TestEngine_FailedActionRetriesStepThenFailsTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			// The model keeps hallucinating an element that is not on
			// the page.
			return oracle.Decision{Actions: []action.Action{
				{Kind: action.KindClick, ElementRef: "el_ghost"},
			}}, nil
		},
	}
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "https://a.test/login", "log in")
	tk.RetriesPerStep = 1
	tk.MaxSteps = 5
	require.NoError(t, h.store.UpdateTask(ctx, tk))

	sess, _ := h.acquirePage(t, tk, loginEval)
	defer h.mgr.Release(ctx, sess, true)

	err := h.eng.ExecuteWithSession(ctx, tk, sess, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeElementNotFound))

	// The action failure surfaces as the task failure after the retry
	// budget, not as max_steps exhaustion.
	stored, getErr := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, getErr)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "ELEMENT_NOT_FOUND")

	// Same order twice: the failed attempt and its retry, no third step.
	steps, listErr := h.store.ListSteps(ctx, tk.ID)
	require.NoError(t, listErr)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, 0, steps[0].RetryIndex)
	assert.Equal(t, task.StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].FailureReason, "ELEMENT_NOT_FOUND")
	assert.Equal(t, 1, steps[1].Order)
	assert.Equal(t, 1, steps[1].RetryIndex)
	assert.Equal(t, task.StepFailed, steps[1].Status)

	// The retry decision saw the failure in history.
	require.Len(t, fake.Requests, 2)
	require.Len(t, fake.Requests[1].History, 1)
	assert.False(t, fake.Requests[1].History[0].Succeeded)
	assert.Contains(t, fake.Requests[1].History[0].FailureReason, "ELEMENT_NOT_FOUND")
}

func TestEngine_ActionRecoversAfterRescrape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			if len(req.History) == 0 {
				return oracle.Decision{Actions: []action.Action{
					{Kind: action.KindClick, ElementRef: elementID(req.Page, "#submit")},
				}}, nil
			}
			return oracle.Decision{Actions: []action.Action{{Kind: action.KindComplete}}}, nil
		},
	}
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "https://a.test/login", "log in")

	// The button is unstable on the first scrape and settles by the
	// time the engine re-scrapes.
	var page *browser.FakePage
	walks := 0
	sess, page := h.acquirePage(t, tk, func(script string) ([]byte, error) {
		if strings.Contains(script, "parent_index") {
			walks++
			if walks >= 2 {
				delete(page.Missing, "#submit")
			}
		}
		return loginEval(script)
	})
	page.Missing = map[string]bool{"#submit": true}
	defer h.mgr.Release(ctx, sess, true)

	require.NoError(t, h.eng.ExecuteWithSession(ctx, tk, sess, nil))

	stored, err := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Contains(t, page.Ops(), "click #submit")

	// Local recovery kept the failure off the step: one attempt per order.
	steps, err := h.store.ListSteps(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, task.StepCompleted, steps[0].Status)
	assert.Equal(t, 0, steps[0].RetryIndex)
	assert.GreaterOrEqual(t, walks, 2)
}

func TestEngine_ZeroMaxStepsFailsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newEngineHarness(t, &oracle.FakeOracle{}, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "", "never gets a step")
	tk.MaxSteps = 0
	require.NoError(t, h.store.UpdateTask(ctx, tk))

	sess, _ := h.acquirePage(t, tk, loginEval)
	defer h.mgr.Release(ctx, sess, true)

	err := h.eng.ExecuteWithSession(ctx, tk, sess, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeMaxStepsReached))

	stored, getErr := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, getErr)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "MAX_STEPS_REACHED")

	steps, listErr := h.store.ListSteps(ctx, tk.ID)
	require.NoError(t, listErr)
	assert.Empty(t, steps)
}

func TestEngine_OracleErrorRetriesStep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		Errs: []error{fmt.Errorf("model overloaded")},
		Decisions: []oracle.Decision{
			{},
			{Actions: []action.Action{{Kind: action.KindComplete}}},
		},
	}
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "", "check the dashboard")
	tk.RetriesPerStep = 1
	require.NoError(t, h.store.UpdateTask(ctx, tk))

	sess, _ := h.acquirePage(t, tk, loginEval)
	defer h.mgr.Release(ctx, sess, true)

	require.NoError(t, h.eng.ExecuteWithSession(ctx, tk, sess, nil))

	stored, err := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)

	// Same order twice: the failed attempt and its retry.
	steps, err := h.store.ListSteps(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Order)
	assert.Equal(t, 0, steps[0].RetryIndex)
	assert.Equal(t, task.StepFailed, steps[0].Status)
	assert.Equal(t, 1, steps[1].RetryIndex)
	assert.Equal(t, task.StepCompleted, steps[1].Status)
	assert.Equal(t, 2, fake.DecideCalls())
}

func TestEngine_MaxStepsFailsTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			return oracle.Decision{Actions: []action.Action{{Kind: action.KindNullAction}}}, nil
		},
	}
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "", "loop forever")
	tk.MaxSteps = 2
	require.NoError(t, h.store.UpdateTask(ctx, tk))

	sess, _ := h.acquirePage(t, tk, loginEval)
	defer h.mgr.Release(ctx, sess, true)

	err := h.eng.ExecuteWithSession(ctx, tk, sess, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeMaxStepsReached))

	stored, err := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "MAX_STEPS_REACHED")

	steps, err := h.store.ListSteps(ctx, tk.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestEngine_CancelDuringWaitReleasesSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			return oracle.Decision{Actions: []action.Action{{Kind: action.KindWait, WaitSeconds: 300}}}, nil
		},
	}
	// Real clock: the cancel must interrupt an in-flight sleep.
	h := newEngineHarness(t, fake, retry.RealClock{})
	tk := seedEngineTask(t, h.store, "https://a.test/slow", "wait it out")

	sess, _ := h.acquirePage(t, tk, loginEval)

	cancel := retry.NewCancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel.Fire("user requested cancel", true)
	}()

	start := time.Now()
	err := h.eng.ExecuteWithSession(ctx, tk, sess, cancel)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))
	assert.Less(t, time.Since(start), 10*time.Second)

	stored, getErr := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, getErr)
	assert.Equal(t, task.StatusCanceled, stored.Status)
	assert.Equal(t, "user requested cancel", stored.FailureReason)

	// Forced cancel tears the session down.
	assert.Equal(t, 0, h.mgr.Len())
}

func TestEngine_DecisionCacheSkipsOracleOnRepeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := loginOracle(json.RawMessage(`{"logged_in": true}`))
	clock := retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	cache := NewDecisionCache(clock)
	h := newEngineHarness(t, fake, clock, WithDecisionCache(cache))

	run := func(tk *task.Task) {
		sess, _ := h.acquirePage(t, tk, loginEval)
		defer h.mgr.Release(ctx, sess, true)
		require.NoError(t, h.eng.ExecuteWithSession(ctx, tk, sess, nil))
	}

	first := seedEngineTask(t, h.store, "https://a.test/login?next=%2Fhome", "log in as ada")
	run(first)
	require.Len(t, fake.Requests, 2)
	assert.Equal(t, 2, cache.Len())

	// Same goal and URL pattern: both steps replay from the cache.
	second := seedEngineTask(t, h.store, "https://a.test/login", "log in as ada")
	run(second)
	assert.Len(t, fake.Requests, 2)

	stored, err := h.store.GetTask(ctx, "org_1", second.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"logged_in": true}`, string(stored.ExtractedData))
}

func TestEngine_ExecuteAcquiresAndReleases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			return oracle.Decision{Actions: []action.Action{{Kind: action.KindComplete}}}, nil
		},
	}
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "", "one and done")

	require.NoError(t, h.eng.Execute(ctx, tk, nil))

	stored, err := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.Equal(t, 0, h.mgr.Len())
}

func TestEngine_TerminateDecision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			return oracle.Decision{Actions: []action.Action{
				{Kind: action.KindTerminate, Reasoning: "account is locked out"},
			}}, nil
		},
	}
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	tk := seedEngineTask(t, h.store, "", "log in")

	sess, _ := h.acquirePage(t, tk, loginEval)
	defer h.mgr.Release(ctx, sess, true)

	require.NoError(t, h.eng.ExecuteWithSession(ctx, tk, sess, nil))

	stored, err := h.store.GetTask(ctx, "org_1", tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusTerminated, stored.Status)
	assert.Contains(t, stored.FailureReason, "account is locked out")
}

func TestEngine_TerminalWebhookAndEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	var delivered webhook.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &delivered)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fake := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			return oracle.Decision{Actions: []action.Action{{Kind: action.KindComplete}}}, nil
		},
	}
	bus := events.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := newEngineHarness(t, fake, retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		WithWebhooks(webhook.NewDeliverer(logger)),
		WithEvents(bus))

	ch, cancelSub := bus.Subscribe("org_1", 64)
	defer cancelSub()

	tk := seedEngineTask(t, h.store, "", "finish fast")
	tk.WebhookURL = srv.URL
	require.NoError(t, h.store.UpdateTask(ctx, tk))

	sess, _ := h.acquirePage(t, tk, loginEval)
	defer h.mgr.Release(ctx, sess, true)

	require.NoError(t, h.eng.ExecuteWithSession(ctx, tk, sess, nil))

	mu.Lock()
	assert.Equal(t, "task.completed", delivered.Event)
	assert.True(t, strings.HasPrefix(delivered.RequestID, "req_"))
	mu.Unlock()

	var types []events.Type
drain:
	for {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		default:
			break drain
		}
	}
	assert.Contains(t, types, events.TaskRunning)
	assert.Contains(t, types, events.StepStarted)
	assert.Contains(t, types, events.TaskCompleted)
}
