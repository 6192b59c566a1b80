package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/events"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/secrets"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/variable"
	"github.com/skyvernhq/skyvern-go/internal/webhook"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

// Orchestrator interprets the block list of a workflow run. Blocks
// execute strictly in definition order; one shared browser session is
// acquired lazily at the first block that needs one.
type Orchestrator struct {
	store    storage.Backend
	sessions *session.Manager
	runtime  *Runtime
	clock    retry.Clock
	logger   *slog.Logger

	secrets  secrets.Provider
	redactor *secrets.Redactor
	webhooks *webhook.Deliverer
	events   events.Publisher
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSecrets resolves secret parameters through the given provider.
func WithSecrets(p secrets.Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.secrets = p }
}

// WithRedactor registers resolved secret values for log redaction.
func WithRedactor(r *secrets.Redactor) OrchestratorOption {
	return func(o *Orchestrator) { o.redactor = r }
}

// WithRunWebhooks enables terminal-state run webhooks.
func WithRunWebhooks(d *webhook.Deliverer) OrchestratorOption {
	return func(o *Orchestrator) { o.webhooks = d }
}

// WithRunEvents sets the event publisher.
func WithRunEvents(p events.Publisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

// NewOrchestrator creates a workflow orchestrator.
func NewOrchestrator(store storage.Backend, sessions *session.Manager, runtime *Runtime,
	clock retry.Clock, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		sessions: sessions,
		runtime:  runtime,
		clock:    clock,
		logger:   logger,
		events:   events.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the workflow run to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, wf *workflow.Workflow, run *workflow.Run, cancel *retry.Cancel) error {
	if cancel == nil {
		cancel = retry.NewCancel()
	}
	ctx, stop := cancel.Bind(ctx)
	defer stop()

	maxDuration := run.MaxDuration
	if maxDuration <= 0 {
		maxDuration = workflow.DefaultRunMaxDuration
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, maxDuration)
	defer cancelTimeout()

	if _, err := o.store.TransitionRun(ctx, run.OrganizationID, run.ID, workflow.RunRunning, ""); err != nil {
		return err
	}
	run.Status = workflow.RunRunning
	o.events.Publish(ctx, events.Event{
		Type: events.RunRunning, OrganizationID: run.OrganizationID, ResourceID: run.ID,
	})
	o.logger.Info("workflow run started",
		"workflow_run_id", run.ID, "workflow_id", run.WorkflowID, "blocks", len(wf.Definition.Blocks))

	vars, err := o.buildRunContext(ctx, wf, run)
	if err != nil {
		o.finish(ctx, run, nil, workflow.RunFailed, failureReason(err))
		return err
	}

	// Shared session, acquired at the first browser-requiring block.
	var sess *session.Session
	e := &env{
		run:    run,
		vars:   vars,
		cancel: cancel,
		session: func(ctx context.Context) (*session.Session, error) {
			if sess != nil {
				return sess, nil
			}
			s, err := o.sessions.Acquire(ctx, session.ScopeWorkflowRun, run.OrganizationID, run.ID)
			if err != nil {
				return nil, err
			}
			sess = s
			return s, nil
		},
	}

	err = o.executeBlocks(ctx, e, wf.Definition.Blocks, true)
	switch {
	case err == nil:
		o.finish(ctx, run, sess, workflow.RunCompleted, "")
		return nil
	case cancel.Fired() || errors.IsCode(err, errors.CodeCanceled):
		reason := cancel.Reason()
		if reason == "" {
			reason = failureReason(err)
		}
		o.finish(ctx, run, sess, workflow.RunCanceled, reason)
		return err
	case ctx.Err() != nil && !errors.IsCode(err, errors.CodeTimeout):
		terr := errors.ErrTimeout("workflow run max_duration")
		o.finish(ctx, run, sess, workflow.RunFailed, failureReason(terr))
		return terr
	default:
		o.finish(ctx, run, sess, workflow.RunFailed, failureReason(err))
		return err
	}
}

// buildRunContext validates parameters, seeds the variable registry and
// resolves secret parameters.
func (o *Orchestrator) buildRunContext(ctx context.Context, wf *workflow.Workflow, run *workflow.Run) (*variable.RunContext, error) {
	values, err := wf.Definition.ValidateParameters(run.Parameters)
	if err != nil {
		return nil, err
	}
	vars := variable.NewRunContext(values)
	for _, p := range wf.Definition.ParameterSchema {
		if p.Kind != workflow.ParamSecret {
			continue
		}
		if o.secrets == nil {
			return nil, errors.ErrValidation(p.Key, "no secrets provider configured")
		}
		value, err := o.secrets.Resolve(ctx, p.SecretName)
		if err != nil {
			return nil, errors.ErrValidation(p.Key, fmt.Sprintf("secret resolution: %v", err))
		}
		vars.RegisterSecret(p.Key, value)
		if o.redactor != nil {
			o.redactor.Register(value)
		}
	}
	return vars, nil
}

// executeBlocks walks a block list in order. topLevel advances
// current_block_index; nested lists (for_loop bodies) do not.
func (o *Orchestrator) executeBlocks(ctx context.Context, e *env, blocks []workflow.Block, topLevel bool) error {
	for i := range blocks {
		b := &blocks[i]
		if e.cancel.Fired() {
			return errors.ErrCanceled(e.cancel.Reason())
		}
		if err := ctx.Err(); err != nil {
			return errors.ErrTimeout("workflow run max_duration")
		}
		if topLevel {
			e.run.CurrentBlockIndex = i
			if err := o.store.UpdateRun(ctx, e.run); err != nil {
				return err
			}
		}
		if err := o.executeBlock(ctx, e, b); err != nil {
			if b.ContinueOnFailure && !errors.IsCode(err, errors.CodeCanceled) && !errors.IsCode(err, errors.CodeTimeout) {
				o.logger.Warn("block failed, continuing",
					"workflow_run_id", e.run.ID, "block", b.Label, "error", err)
				o.recordOutput(e, b, map[string]any{"failure_reason": failureReason(err)})
				continue
			}
			return err
		}
	}
	if topLevel {
		// A clean traversal parks the index one past the last block.
		e.run.CurrentBlockIndex = len(blocks)
		if err := o.store.UpdateRun(ctx, e.run); err != nil {
			return err
		}
	}
	return nil
}

// executeBlock runs one block with its retry schedule and records the
// run-block row.
func (o *Orchestrator) executeBlock(ctx context.Context, e *env, b *workflow.Block) error {
	rb := &workflow.RunBlock{
		ID:            task.NewBlockID(),
		WorkflowRunID: e.run.ID,
		Label:         b.Label,
		Kind:          b.Kind,
		Status:        workflow.BlockStatusRunning,
		CreatedAt:     o.clock.Now(),
	}
	now := o.clock.Now()
	rb.StartedAt = &now
	if err := o.store.CreateRunBlock(ctx, rb); err != nil {
		return err
	}

	var out any
	var lastInputs map[string]any
	policy := retry.BlockPolicy(b.MaxRetries)
	attempts := 0
	err := policy.Do(ctx, o.clock, func(attempt int) error {
		attempts = attempt + 1
		// Re-render each attempt; earlier outputs may have changed the
		// bound values.
		inputs, err := e.vars.RenderInputs(b.Inputs, b.Strict)
		if err != nil {
			return err
		}
		lastInputs = inputs
		if b.Kind == workflow.BlockForLoop {
			out, err = o.forLoop(ctx, e, b)
			return err
		}
		out, err = o.runtime.execute(ctx, e, b, inputs)
		return err
	}, func(err error) bool {
		return policyRetryable(ctx, err)
	})

	rb.Attempts = attempts
	if lastInputs != nil {
		if enc, jerr := json.Marshal(lastInputs); jerr == nil {
			rb.Inputs = enc
		}
	}
	done := o.clock.Now()
	rb.CompletedAt = &done
	if err != nil {
		rb.Status = workflow.BlockStatusFailed
		if errors.IsCode(err, errors.CodeCanceled) {
			rb.Status = workflow.BlockStatusCanceled
		}
		rb.FailureReason = failureReason(err)
		_ = o.store.UpdateRunBlock(ctx, rb)
		return err
	}
	rb.Status = workflow.BlockStatusCompleted
	if enc, jerr := json.Marshal(out); jerr == nil {
		rb.Output = enc
	}
	if err := o.store.UpdateRunBlock(ctx, rb); err != nil {
		return err
	}
	o.recordOutput(e, b, out)
	o.events.Publish(ctx, events.Event{
		Type: events.BlockCompleted, OrganizationID: e.run.OrganizationID,
		ResourceID: rb.ID, Payload: map[string]any{"label": b.Label},
	})
	return nil
}

// recordOutput writes the block output into the run context and the run
// record.
func (o *Orchestrator) recordOutput(e *env, b *workflow.Block, out any) {
	name := b.OutputName()
	if err := e.vars.SetOutput(name, b.Label, out); err != nil {
		o.logger.Warn("block output not recorded", "block", b.Label, "error", err)
		return
	}
	if e.run.Outputs == nil {
		e.run.Outputs = make(map[string]any)
	}
	e.run.Outputs[name] = out
}

// forLoop iterates loop_over sequentially, binding current_item and
// current_index in a child scope per iteration. The output is the array
// of per-iteration output objects; an empty input array yields [].
func (o *Orchestrator) forLoop(ctx context.Context, e *env, b *workflow.Block) (any, error) {
	items, err := o.loopItems(e, b.LoopOver)
	if err != nil {
		return nil, err
	}
	outputs := make([]any, 0, len(items))
	parentOutput, _ := e.vars.Get(b.OutputName())
	for idx, item := range items {
		bindings := map[string]any{
			variable.CurrentItem:  item,
			variable.CurrentIndex: idx,
		}
		if parentOutput != nil {
			bindings[variable.ParentOutput] = parentOutput
		}
		e.vars.PushFrame(bindings)
		iterErr := o.executeBlocks(ctx, e, b.Blocks, false)
		iteration := make(map[string]any, len(b.Blocks))
		for j := range b.Blocks {
			if v, ok := e.vars.Get(b.Blocks[j].OutputName()); ok {
				iteration[b.Blocks[j].OutputName()] = v
			}
		}
		e.vars.PopFrame()
		if iterErr != nil {
			if b.ContinueOnFailure && !errors.IsCode(iterErr, errors.CodeCanceled) {
				iteration["failure_reason"] = failureReason(iterErr)
				outputs = append(outputs, iteration)
				continue
			}
			return nil, iterErr
		}
		outputs = append(outputs, iteration)
	}
	return outputs, nil
}

// loopItems resolves loop_over to a concrete array: a template, a bare
// variable name, or a JSON array literal.
func (o *Orchestrator) loopItems(e *env, loopOver string) ([]any, error) {
	s := strings.TrimSpace(loopOver)
	if strings.Contains(s, "{{") {
		rendered, err := e.vars.Render(s, true)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(rendered)
	} else if v, ok := e.vars.Get(s); ok {
		return coerceArray(v)
	}
	var arr []any
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return nil, errors.ErrValidation("loop_over",
			fmt.Sprintf("%q does not resolve to an array", loopOver))
	}
	return arr, nil
}

func coerceArray(v any) ([]any, error) {
	switch arr := v.(type) {
	case []any:
		return arr, nil
	case []string:
		out := make([]any, len(arr))
		for i, s := range arr {
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, errors.ErrValidation("loop_over", "value is not an array")
}

// finish flips the run terminal state, delivers the webhook and releases
// the shared session.
func (o *Orchestrator) finish(ctx context.Context, run *workflow.Run, sess *session.Session,
	status workflow.RunStatus, reason string) {
	base := context.WithoutCancel(ctx)

	updated, err := o.store.TransitionRun(base, run.OrganizationID, run.ID, status, reason)
	if err != nil {
		o.logger.Error("run terminal transition failed", "workflow_run_id", run.ID, "error", err)
	} else {
		outputs := run.Outputs
		*run = *updated
		if run.Outputs == nil {
			run.Outputs = outputs
		}
		_ = o.store.UpdateRun(base, run)
	}

	if sess != nil {
		o.sessions.CleanupForWorkflowRun(base, run.ID)
	}

	eventType := map[workflow.RunStatus]events.Type{
		workflow.RunCompleted: events.RunCompleted,
		workflow.RunFailed:    events.RunFailed,
		workflow.RunCanceled:  events.RunCanceled,
	}[status]
	if eventType != "" {
		o.events.Publish(base, events.Event{
			Type: eventType, OrganizationID: run.OrganizationID, ResourceID: run.ID, Payload: run,
		})
	}
	o.logger.Info("workflow run finished",
		"workflow_run_id", run.ID, "status", string(status), "reason", reason)

	if o.webhooks != nil && run.WebhookURL != "" {
		payload := webhook.Payload{
			Event:     "workflow_run." + string(status),
			Data:      run,
			Timestamp: o.clock.Now(),
			RequestID: task.NewRequestID(),
		}
		if err := o.webhooks.Deliver(base, run.WebhookURL, payload); err != nil {
			o.logger.Warn("run webhook failed", "workflow_run_id", run.ID, "error", err)
		}
	}
}

func policyRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.IsCode(err, errors.CodeCanceled),
		errors.IsCode(err, errors.CodeTimeout),
		errors.IsCode(err, errors.CodeWorkflowGraphInvalid),
		errors.IsCode(err, errors.CodeParameterUnbound):
		return false
	}
	return true
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	if se := errors.AsSkyvernError(err); se != nil {
		return se.FailureReason()
	}
	return err.Error()
}
