package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/executor"
	"github.com/skyvernhq/skyvern-go/internal/oracle"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
	"github.com/skyvernhq/skyvern-go/internal/secrets"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

type orchHarness struct {
	store    *storage.Memory
	mgr      *session.Manager
	launcher *browser.FakeLauncher
	blobs    *artifact.MemoryBlobStore
	runtime  *Runtime
	orch     *Orchestrator
	clock    retry.Clock
}

func newOrchHarness(t *testing.T, decider oracle.DecisionOracle, opts ...OrchestratorOption) *orchHarness {
	t.Helper()
	clock := retry.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory(clock)
	launcher := browser.NewFakeLauncher()
	mgr := session.NewManager(launcher, clock, logger, session.Config{
		GlobalMax:   8,
		TenantMax:   8,
		AcquireWait: 2 * time.Second,
		IdleTTL:     time.Hour,
	})
	scraper := scrape.NewScraper(clock, logger)
	exec := executor.NewExecutor(scraper, clock, logger)
	engine := executor.NewEngine(store, mgr, decider, exec, scraper, clock, logger)
	blobs := artifact.NewMemoryBlobStore()
	runtime := NewRuntime(engine, decider, store, blobs, clock, logger)
	orch := NewOrchestrator(store, mgr, runtime, clock, logger, opts...)
	return &orchHarness{
		store: store, mgr: mgr, launcher: launcher, blobs: blobs,
		runtime: runtime, orch: orch, clock: clock,
	}
}

func (h *orchHarness) seedRun(t *testing.T, def workflow.Definition, params map[string]any) (*workflow.Workflow, *workflow.Run) {
	t.Helper()
	ctx := context.Background()
	wf := &workflow.Workflow{
		ID:             task.NewWorkflowID(),
		PermanentID:    task.NewWorkflowID(),
		OrganizationID: "org_1",
		Title:          "test workflow",
		Version:        1,
		Definition:     def,
	}
	require.NoError(t, h.store.CreateWorkflow(ctx, wf))
	run := &workflow.Run{
		ID:                  task.NewWorkflowRunID(),
		WorkflowID:          wf.ID,
		WorkflowPermanentID: wf.PermanentID,
		OrganizationID:      "org_1",
		Status:              workflow.RunCreated,
		Parameters:          params,
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	return wf, run
}

func (h *orchHarness) storedRun(t *testing.T, id string) *workflow.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), "org_1", id)
	require.NoError(t, err)
	return run
}

func TestOrchestrator_ForLoopAggregatesIterations(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{
			Label:    "each_city",
			Kind:     workflow.BlockForLoop,
			LoopOver: `["berlin", "paris", "tokyo"]`,
			Blocks: []workflow.Block{
				{Label: "pick", Kind: workflow.BlockCode, Inputs: map[string]any{"code": "current_item"}},
				{Label: "which", Kind: workflow.BlockCode, Inputs: map[string]any{"code": "current_index"}},
			},
		},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCompleted, stored.Status)

	want := []any{
		map[string]any{"pick_output": "berlin", "which_output": float64(0)},
		map[string]any{"pick_output": "paris", "which_output": float64(1)},
		map[string]any{"pick_output": "tokyo", "which_output": float64(2)},
	}
	assert.Equal(t, want, stored.Outputs["each_city_output"])
}

func TestOrchestrator_ForLoopOverParameter(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{
		ParameterSchema: []workflow.ParameterDef{
			{Key: "cities", Kind: workflow.ParamWorkflow, Required: true},
		},
		Blocks: []workflow.Block{
			{
				Label:    "each",
				Kind:     workflow.BlockForLoop,
				LoopOver: "cities",
				Blocks: []workflow.Block{
					{Label: "pick", Kind: workflow.BlockCode, Inputs: map[string]any{"code": "current_item"}},
				},
			},
		},
	}
	wf, run := h.seedRun(t, def, map[string]any{"cities": []any{"oslo"}})

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCompleted, stored.Status)
	assert.Equal(t, []any{map[string]any{"pick_output": "oslo"}}, stored.Outputs["each_output"])
}

func TestOrchestrator_SharedSessionAcrossBrowserBlocks(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "open_home", Kind: workflow.BlockGotoURL, Inputs: map[string]any{"url": "https://a.test/home"}},
		{Label: "open_inbox", Kind: workflow.BlockGotoURL, Inputs: map[string]any{"url": "https://a.test/inbox"}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCompleted, stored.Status)

	// The index ends one past the last block on clean completion.
	assert.Equal(t, 2, stored.CurrentBlockIndex)

	// One launch serves both blocks, and the run's session is torn down at
	// the end.
	assert.Len(t, h.launcher.Launches(), 1)
	assert.Equal(t, 0, h.mgr.Len())

	out, ok := stored.Outputs["open_inbox_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://a.test/inbox", out["final_url"])
}

func TestOrchestrator_TaskBlockRunsOnSharedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	decider := &oracle.FakeOracle{
		DecideFunc: func(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
			return oracle.Decision{Actions: []action.Action{
				{Kind: action.KindComplete, ExtractedData: json.RawMessage(`{"plan": "pro"}`)},
			}}, nil
		},
	}
	h := newOrchHarness(t, decider)
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "grab_plan", Kind: workflow.BlockTask, Inputs: map[string]any{
			"url":             "https://a.test/account",
			"navigation_goal": "read the current plan",
		}},
	}}
	wf, run := h.seedRun(t, def, nil)

	// Pre-acquire the run's session to script its page; the orchestrator
	// reuses it by run reference.
	sess, err := h.mgr.Acquire(ctx, session.ScopeWorkflowRun, "org_1", run.ID)
	require.NoError(t, err)
	page := sess.Page().(*browser.FakePage)
	page.EvalFunc = func(script string) ([]byte, error) {
		if strings.Contains(script, "__skyvernLastMutation") {
			return []byte("5000"), nil
		}
		if strings.Contains(script, "parent_index") {
			return []byte("[]"), nil
		}
		return []byte("null"), nil
	}

	require.NoError(t, h.orch.Execute(ctx, wf, run, nil))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCompleted, stored.Status)

	out, ok := stored.Outputs["grab_plan_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"plan": "pro"}, out["extracted_data"])
	assert.Equal(t, "https://a.test/account", out["final_url"])

	// The block's task is a real stored task tied to the run.
	taskID, _ := out["task_id"].(string)
	blockTask, err := h.store.GetTask(ctx, "org_1", taskID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, blockTask.WorkflowRunID)
	assert.Equal(t, task.StatusCompleted, blockTask.Status)

	assert.Len(t, h.launcher.Launches(), 1)
	assert.Equal(t, 0, h.mgr.Len())
}

func TestOrchestrator_ValidationBlockUsesRenderedParameters(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{
		ParameterSchema: []workflow.ParameterDef{
			{Key: "count", Kind: workflow.ParamWorkflow, DefaultValue: 0},
		},
		Blocks: []workflow.Block{
			{Label: "enough", Kind: workflow.BlockValidation, Inputs: map[string]any{
				"expression":    "{{ count }} >= 3",
				"error_message": "need at least 3",
			}},
		},
	}

	wf, run := h.seedRun(t, def, map[string]any{"count": 5})
	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))
	assert.Equal(t, workflow.RunCompleted, h.storedRun(t, run.ID).Status)

	wf2, run2 := h.seedRun(t, def, map[string]any{"count": 1})
	err := h.orch.Execute(context.Background(), wf2, run2, nil)
	require.Error(t, err)
	stored := h.storedRun(t, run2.ID)
	assert.Equal(t, workflow.RunFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "need at least 3")
}

func TestOrchestrator_ContinueOnFailure(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "check", Kind: workflow.BlockValidation, ContinueOnFailure: true,
			Inputs: map[string]any{"expression": "false"}},
		{Label: "after", Kind: workflow.BlockWait, Inputs: map[string]any{"seconds": 0}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCompleted, stored.Status)

	out, ok := stored.Outputs["check_output"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, out["failure_reason"], "VALIDATION_ERROR")

	blocks, err := h.store.ListRunBlocks(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, workflow.BlockStatusFailed, blocks[0].Status)
	assert.Equal(t, workflow.BlockStatusCompleted, blocks[1].Status)
}

func TestOrchestrator_BlockRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "poll", Kind: workflow.BlockHTTPRequest, MaxRetries: 1,
			Inputs: map[string]any{"url": srv.URL}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	assert.Equal(t, int32(2), calls.Load())
	blocks, err := h.store.ListRunBlocks(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, 2, blocks[0].Attempts)
	assert.Equal(t, workflow.BlockStatusCompleted, blocks[0].Status)
}

func TestOrchestrator_HTTPRequestBlock(t *testing.T) {
	t.Parallel()

	var gotMethod, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "res_1"}`)
	}))
	defer srv.Close()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "create", Kind: workflow.BlockHTTPRequest, Inputs: map[string]any{
			"url":           srv.URL,
			"method":        "POST",
			"body":          map[string]any{"name": "ada"},
			"success_codes": []any{float64(201)},
		}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"name": "ada"}`, gotBody)

	out, ok := h.storedRun(t, run.ID).Outputs["create_output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(201), out["status"])
	assert.JSONEq(t, `{"id": "res_1"}`, out["body"].(string))
}

func TestOrchestrator_HTTPRequestRedirectCap(t *testing.T) {
	t.Parallel()

	// The server redirects forever; the client gives up after 5 hops.
	var hops atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops.Add(1)
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "fetch", Kind: workflow.BlockHTTPRequest, Inputs: map[string]any{"url": srv.URL}},
	}}
	wf, run := h.seedRun(t, def, nil)

	err := h.orch.Execute(context.Background(), wf, run, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeHTTPRequest))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "HTTP_REQUEST_ERROR")

	blocks, listErr := h.store.ListRunBlocks(context.Background(), run.ID)
	require.NoError(t, listErr)
	require.Len(t, blocks, 1)
	assert.Equal(t, workflow.BlockStatusFailed, blocks[0].Status)

	// The chain was cut after the cap, not by the server.
	assert.LessOrEqual(t, hops.Load(), int32(6))
	assert.GreaterOrEqual(t, hops.Load(), int32(5))
}

func TestOrchestrator_BlobChain(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "save", Kind: workflow.BlockBlobUpload, Inputs: map[string]any{
			"data":         payload,
			"content_type": "text/plain",
		}},
		{Label: "uri_of", Kind: workflow.BlockCode, Inputs: map[string]any{"code": "save_output.uri"}},
		{Label: "load", Kind: workflow.BlockBlobDownload, Inputs: map[string]any{"uri": "{{ uri_of_output }}"}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCompleted, stored.Status)

	out, ok := stored.Outputs["load_output"].(map[string]any)
	require.True(t, ok)
	decoded, err := base64.StdEncoding.DecodeString(out["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decoded))
}

func TestOrchestrator_TextPromptBlock(t *testing.T) {
	t.Parallel()

	decider := &oracle.FakeOracle{TextReplies: []string{"the sky is blue"}}
	h := newOrchHarness(t, decider)
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "ask", Kind: workflow.BlockTextPrompt, Inputs: map[string]any{
			"prompt": "what color is the sky?",
		}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	assert.Equal(t, "the sky is blue", h.storedRun(t, run.ID).Outputs["ask_output"])
	require.Len(t, decider.Prompts, 1)
	assert.Equal(t, "what color is the sky?", decider.Prompts[0])
}

type fakeEmailer struct {
	to      []string
	subject string
}

func (f *fakeEmailer) Send(ctx context.Context, to []string, subject, body string) (string, error) {
	f.to = to
	f.subject = subject
	return "msg_1", nil
}

func TestOrchestrator_SendEmailBlock(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	emailer := &fakeEmailer{}
	h.runtime.Email = emailer

	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "notify", Kind: workflow.BlockSendEmail, Inputs: map[string]any{
			"to":      []any{"ops@a.test"},
			"subject": "run finished",
			"body":    "all done",
		}},
	}}
	wf, run := h.seedRun(t, def, nil)

	require.NoError(t, h.orch.Execute(context.Background(), wf, run, nil))

	assert.Equal(t, []string{"ops@a.test"}, emailer.to)
	assert.Equal(t, "run finished", emailer.subject)
	out, _ := h.storedRun(t, run.ID).Outputs["notify_output"].(map[string]any)
	assert.Equal(t, "msg_1", out["message_id"])
}

func TestOrchestrator_MissingRequiredParameterFailsRun(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{
		ParameterSchema: []workflow.ParameterDef{
			{Key: "account_id", Kind: workflow.ParamWorkflow, Required: true},
		},
		Blocks: []workflow.Block{
			{Label: "noop", Kind: workflow.BlockWait, Inputs: map[string]any{"seconds": 0}},
		},
	}
	wf, run := h.seedRun(t, def, nil)

	err := h.orch.Execute(context.Background(), wf, run, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeParameterUnbound))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "PARAMETER_UNBOUND")
}

func TestOrchestrator_SecretParameterResolution(t *testing.T) {
	t.Parallel()

	def := workflow.Definition{
		ParameterSchema: []workflow.ParameterDef{
			{Key: "password", Kind: workflow.ParamSecret, SecretName: "LOGIN_PASSWORD"},
		},
		Blocks: []workflow.Block{
			{Label: "noop", Kind: workflow.BlockWait, Inputs: map[string]any{"seconds": 0}},
		},
	}

	// No provider configured: the run fails before any block executes.
	bare := newOrchHarness(t, &oracle.FakeOracle{})
	wf, run := bare.seedRun(t, def, nil)
	err := bare.orch.Execute(context.Background(), wf, run, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.RunFailed, bare.storedRun(t, run.ID).Status)

	// With a provider the run proceeds and the value is registered for
	// redaction.
	redactor := secrets.NewRedactor()
	h := newOrchHarness(t, &oracle.FakeOracle{},
		WithSecrets(secrets.StaticProvider{"LOGIN_PASSWORD": "hunter2"}),
		WithRedactor(redactor))
	wf2, run2 := h.seedRun(t, def, nil)
	require.NoError(t, h.orch.Execute(context.Background(), wf2, run2, nil))
	assert.Equal(t, workflow.RunCompleted, h.storedRun(t, run2.ID).Status)
	assert.Equal(t, "password is ***", redactor.Redact("password is hunter2"))
}

func TestOrchestrator_CancelBeforeFirstBlock(t *testing.T) {
	t.Parallel()

	h := newOrchHarness(t, &oracle.FakeOracle{})
	def := workflow.Definition{Blocks: []workflow.Block{
		{Label: "noop", Kind: workflow.BlockWait, Inputs: map[string]any{"seconds": 0}},
	}}
	wf, run := h.seedRun(t, def, nil)

	cancel := retry.NewCancel()
	cancel.Fire("operator stop", false)

	err := h.orch.Execute(context.Background(), wf, run, cancel)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))

	stored := h.storedRun(t, run.ID)
	assert.Equal(t, workflow.RunCanceled, stored.Status)
	assert.Equal(t, "operator stop", stored.FailureReason)

	blocks, err := h.store.ListRunBlocks(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}
