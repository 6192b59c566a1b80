package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/artifact"
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

// Engine runs one task end-to-end: scrape, decide, act, repeat, finish.
type Engine struct {
	store    storage.Backend
	sessions *session.Manager
	oracle   oracle.DecisionOracle
	executor *Executor
	scraper  *scrape.Scraper
	clock    retry.Clock
	logger   *slog.Logger

	webhooks *webhook.Deliverer
	events   events.Publisher
	cache    *DecisionCache
	blobs    artifact.BlobStore
	breaker  *gobreaker.CircuitBreaker
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithWebhooks enables terminal-state webhook delivery.
func WithWebhooks(d *webhook.Deliverer) EngineOption {
	return func(e *Engine) { e.webhooks = d }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) EngineOption {
	return func(e *Engine) { e.events = p }
}

// WithDecisionCache enables decision reuse across runs.
func WithDecisionCache(c *DecisionCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithBlobs stores artifact payloads in the given blob store.
func WithBlobs(b artifact.BlobStore) EngineOption {
	return func(e *Engine) { e.blobs = b }
}

// NewEngine creates a task engine. The oracle is wrapped in a circuit
// breaker so a failing model backend sheds load fast.
func NewEngine(store storage.Backend, sessions *session.Manager, decider oracle.DecisionOracle,
	exec *Executor, scraper *scrape.Scraper, clock retry.Clock, logger *slog.Logger,
	opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		sessions: sessions,
		oracle:   decider,
		executor: exec,
		scraper:  scraper,
		clock:    clock,
		logger:   logger,
		events:   events.Nop{},
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "decision-oracle",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a standalone task: it acquires a task-scoped session,
// runs the step loop and releases the session on terminal state.
func (e *Engine) Execute(ctx context.Context, t *task.Task, cancel *retry.Cancel) error {
	sess, err := e.sessions.Acquire(ctx, session.ScopeTask, t.OrganizationID, t.ID)
	if err != nil {
		e.finish(ctx, t, task.StatusFailed, failureReason(err))
		return err
	}
	defer e.sessions.Release(ctx, sess, true)
	return e.ExecuteWithSession(ctx, t, sess, cancel)
}

// ExecuteWithSession runs the task against an already-acquired session.
// Workflow task blocks use this path to share the run's session; the
// session is not released here.
func (e *Engine) ExecuteWithSession(ctx context.Context, t *task.Task, sess *session.Session, cancel *retry.Cancel) error {
	if cancel == nil {
		cancel = retry.NewCancel()
	}
	ctx, stop := cancel.Bind(ctx)
	defer stop()

	maxDuration := t.MaxDuration
	if maxDuration <= 0 {
		maxDuration = task.DefaultMaxDuration
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, maxDuration)
	defer cancelTimeout()

	if _, err := e.store.TransitionTask(ctx, t.OrganizationID, t.ID, task.StatusRunning, ""); err != nil {
		return err
	}
	t.Status = task.StatusRunning
	e.events.Publish(ctx, events.Event{
		Type: events.TaskRunning, OrganizationID: t.OrganizationID, ResourceID: t.ID,
	})
	e.logger.Info("task started", "task_id", t.ID, "url", t.URL, "max_steps", t.MaxSteps)

	if err := sess.Checkout(ctx, t.ID); err != nil {
		e.finish(ctx, t, task.StatusFailed, failureReason(err))
		return err
	}
	defer sess.Checkin()

	if t.URL != "" {
		if err := sess.Page().Goto(ctx, t.URL, gotoTimeout); err != nil {
			e.finish(ctx, t, task.StatusFailed, failureReason(errors.ErrPageUnresponsive(t.URL)))
			return errors.ErrPageUnresponsive(t.URL)
		}
		sess.Touch(e.clock)
	}

	return e.stepLoop(ctx, t, sess, cancel)
}

// stepLoop is the engine core. Steps are strictly ordered; transient
// failures retry the same order with an incremented retry index; a
// replaced session restarts the step without consuming a retry.
func (e *Engine) stepLoop(ctx context.Context, t *task.Task, sess *session.Session, cancel *retry.Cancel) error {
	var history []oracle.StepSummary
	stepActions := make(map[int][]action.Action)

	order := 0
	for {
		if cancel.Fired() {
			return e.finishCanceled(ctx, t, sess, cancel)
		}
		if err := ctx.Err(); err != nil {
			return e.finishDeadline(ctx, t, cancel, err)
		}
		if order >= t.MaxSteps {
			err := errors.ErrMaxStepsReached(t.MaxSteps)
			e.finish(ctx, t, task.StatusFailed, failureReason(err))
			return err
		}
		order++

		retryIndex := 0
	attempt:
		for {
			step := task.NewStep(task.NewStepID(), t.ID, order, retryIndex)
			if err := e.store.CreateStep(ctx, step); err != nil {
				e.finish(ctx, t, task.StatusFailed, failureReason(err))
				return err
			}
			e.events.Publish(ctx, events.Event{
				Type: events.StepStarted, OrganizationID: t.OrganizationID, ResourceID: step.ID,
			})

			outcome, summary, stepErr := e.runStep(ctx, t, sess, step, history, stepActions)
			if summary != nil {
				history = append(history, *summary)
			}

			switch outcome {
			case stepRestart:
				// Session was replaced under us; same order, same retry
				// index, fresh step record.
				e.logger.Warn("step restarted after session replacement",
					"task_id", t.ID, "order", order)
				continue attempt

			case stepCanceled:
				return e.finishCanceled(ctx, t, sess, cancel)

			case stepCompletedTask:
				e.finish(ctx, t, task.StatusCompleted, "")
				e.writeCache(t, stepActions)
				return nil

			case stepTerminatedTask:
				e.finish(ctx, t, task.StatusTerminated, failureReason(stepErr))
				return nil

			case stepFailedTransient:
				if ctx.Err() != nil {
					return e.finishDeadline(ctx, t, cancel, ctx.Err())
				}
				if retryIndex < t.RetriesPerStep {
					retryIndex++
					e.logger.Warn("step retrying", "task_id", t.ID,
						"order", order, "retry_index", retryIndex, "error", stepErr)
					continue attempt
				}
				e.finish(ctx, t, task.StatusFailed, failureReason(stepErr))
				return stepErr

			default:
				// Step completed; the loop advances to the next order and
				// the oracle sees the outcome in history.
				break attempt
			}
		}
	}
}

type stepOutcome int

const (
	stepAdvance stepOutcome = iota
	stepCompletedTask
	stepTerminatedTask
	stepFailedTransient
	stepRestart
	stepCanceled
)

// runStep executes one step attempt: scrape, decide, act.
func (e *Engine) runStep(ctx context.Context, t *task.Task, sess *session.Session,
	step *task.Step, history []oracle.StepSummary, stepActions map[int][]action.Action) (stepOutcome, *oracle.StepSummary, error) {

	step.Status = task.StepRunning
	now := e.clock.Now()
	step.StartedAt = &now
	_ = e.store.UpdateStep(ctx, step)

	sink := &stepSink{e: e, t: t, stepID: step.ID}

	scraped, err := e.scraper.Scrape(ctx, sess.Page(), scrape.Options{SplitScreenshots: true})
	if err != nil {
		if errors.IsCode(err, errors.CodePageUnresponsive) {
			recErr := e.sessions.Recover(ctx, sess)
			if errors.IsCode(recErr, errors.CodeSessionReplaced) {
				if t.URL != "" {
					_ = sess.Page().Goto(ctx, t.URL, gotoTimeout)
				}
				e.failStep(ctx, step, recErr)
				return stepRestart, nil, recErr
			}
		}
		e.failStep(ctx, step, err)
		return stepFailedTransient, stepSummary(step, nil, err), err
	}
	e.archiveScrape(ctx, sink, scraped)

	decided, fromCache := e.decideCached(t, step.Order, scraped)
	if !fromCache {
		decision, err := e.decide(ctx, t, scraped, history)
		if err != nil {
			e.failStep(ctx, step, err)
			return stepFailedTransient, stepSummary(step, nil, err), err
		}
		decided = decision.Actions
	}
	if len(decided) == 0 {
		decided = []action.Action{action.NullAction()}
	}

	executed := make([]action.Action, 0, len(decided))
	results := make([]action.Result, 0, len(decided))
	for i := range decided {
		a := decided[i]
		a.Normalize()
		if a.ElementRef != "" && a.ElementContentHash == "" {
			a.ElementContentHash = scraped.IDToHash[a.ElementRef]
		}

		// Safe point: the cancel signal is observed between actions.
		select {
		case <-ctx.Done():
			e.failStep(ctx, step, errors.ErrCanceled("between actions"))
			return stepCanceled, nil, ctx.Err()
		default:
		}

		res := e.executor.Apply(ctx, sess.Page(), a, scraped, t.ExtractionSchema, sink)
		if !res.Success && recoverableLocally(res.ExceptionKind) {
			// The page may have moved under the stale scrape; one fresh
			// scrape and re-apply before the failure reaches the step.
			if fresh, scrapeErr := e.scraper.Scrape(ctx, sess.Page(), scrape.Options{SkipScreenshots: true}); scrapeErr == nil {
				e.logger.Warn("action retried after re-scrape", "task_id", t.ID,
					"kind", string(a.Kind), "error", res.ExceptionMessage)
				res = e.executor.Apply(ctx, sess.Page(), a, fresh, t.ExtractionSchema, sink)
			}
		}
		sess.Touch(e.clock)
		executed = append(executed, a)
		results = append(results, res)

		switch a.Kind {
		case action.KindComplete:
			e.recordStep(ctx, step, executed, results)
			if len(res.Data) > 0 {
				t.ExtractedData = res.Data
				_ = e.store.UpdateTask(ctx, t)
			}
			achieved := true
			step.GoalAchieved = &achieved
			step.Complete()
			_ = e.store.UpdateStep(ctx, step)
			stepActions[step.Order] = executed
			return stepCompletedTask, stepSummary(step, executed, nil), nil

		case action.KindTerminate:
			e.recordStep(ctx, step, executed, results)
			step.Complete()
			_ = e.store.UpdateStep(ctx, step)
			reason := a.Reasoning
			if reason == "" {
				reason = "terminated by decision"
			}
			err := errors.ErrCanceled(reason)
			return stepTerminatedTask, stepSummary(step, executed, nil), err
		}

		if !res.Success && res.StopExecutionOnFailure {
			e.recordStep(ctx, step, executed, results)
			step.Fail(res.ExceptionKind + ": " + res.ExceptionMessage)
			_ = e.store.UpdateStep(ctx, step)
			e.events.Publish(ctx, events.Event{
				Type: events.StepFailed, OrganizationID: t.OrganizationID, ResourceID: step.ID,
			})
			failErr := &errors.SkyvernError{Code: errors.Code(res.ExceptionKind), What: res.ExceptionMessage}
			return stepFailedTransient, stepSummary(step, executed, failErr), failErr
		}
	}

	e.recordStep(ctx, step, executed, results)
	step.Complete()
	_ = e.store.UpdateStep(ctx, step)
	stepActions[step.Order] = executed
	e.events.Publish(ctx, events.Event{
		Type: events.StepCompleted, OrganizationID: t.OrganizationID, ResourceID: step.ID,
	})
	return stepAdvance, stepSummary(step, executed, nil), nil
}

// recoverableLocally reports whether a fresh scrape may fix an action
// failure before it surfaces to the step.
func recoverableLocally(kind string) bool {
	switch errors.Code(kind) {
	case errors.CodeElementNotFound, errors.CodeElementNotStable, errors.CodePageUnresponsive:
		return true
	default:
		return false
	}
}

// decideCached tries the decision cache; on a hit the actions are
// personalized to the current scrape.
func (e *Engine) decideCached(t *task.Task, order int, scraped *scrape.ScrapedPage) ([]action.Action, bool) {
	if e.cache == nil {
		return nil, false
	}
	key := CacheKey{URLPattern: URLPattern(t.URL), Goal: t.NavigationGoal, StepOrder: order}
	cached, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	usable, ok := Usable(cached, scraped)
	if !ok {
		return nil, false
	}
	e.logger.Info("decision cache hit", "task_id", t.ID, "step_order", order)
	return usable, true
}

// decide asks the oracle through the circuit breaker.
func (e *Engine) decide(ctx context.Context, t *task.Task, scraped *scrape.ScrapedPage, history []oracle.StepSummary) (oracle.Decision, error) {
	req := oracle.Request{
		TaskID:           t.ID,
		NavigationGoal:   t.NavigationGoal,
		ExtractionGoal:   t.ExtractionGoal,
		ExtractionSchema: t.ExtractionSchema,
		Payload:          t.Payload,
		Page:             scraped,
		History:          history,
	}
	out, err := e.breaker.Execute(func() (any, error) {
		return e.oracle.Decide(ctx, req)
	})
	if err != nil {
		if errors.AsSkyvernError(err) == nil {
			err = errors.ErrOracle(err)
		}
		return oracle.Decision{}, err
	}
	return out.(oracle.Decision), nil
}

// writeCache records the completed task's per-step actions.
func (e *Engine) writeCache(t *task.Task, stepActions map[int][]action.Action) {
	if e.cache == nil {
		return
	}
	for order, acts := range stepActions {
		e.cache.Put(CacheKey{
			URLPattern: URLPattern(t.URL),
			Goal:       t.NavigationGoal,
			StepOrder:  order,
		}, acts)
	}
}

func (e *Engine) finishCanceled(ctx context.Context, t *task.Task, sess *session.Session, cancel *retry.Cancel) error {
	// Transition even when ctx is already dead.
	base := context.WithoutCancel(ctx)
	reason := cancel.Reason()
	if reason == "" {
		reason = "canceled"
	}
	e.finish(base, t, task.StatusCanceled, reason)
	if cancel.Force() && sess != nil {
		e.sessions.Release(base, sess, true)
	}
	return errors.ErrCanceled(reason)
}

func (e *Engine) finishDeadline(ctx context.Context, t *task.Task, cancel *retry.Cancel, cause error) error {
	base := context.WithoutCancel(ctx)
	if cancel.Fired() {
		return e.finishCanceled(ctx, t, nil, cancel)
	}
	err := errors.ErrTimeout("task max_duration")
	e.finish(base, t, task.StatusFailed, failureReason(err))
	return err
}

// finish flips the task terminal status, publishes the event and
// delivers the webhook.
func (e *Engine) finish(ctx context.Context, t *task.Task, status task.Status, reason string) {
	updated, err := e.store.TransitionTask(ctx, t.OrganizationID, t.ID, status, reason)
	if err != nil {
		e.logger.Error("task terminal transition failed", "task_id", t.ID, "error", err)
	} else {
		*t = *updated
	}

	eventType := map[task.Status]events.Type{
		task.StatusCompleted:  events.TaskCompleted,
		task.StatusFailed:     events.TaskFailed,
		task.StatusCanceled:   events.TaskCanceled,
		task.StatusTerminated: events.TaskTerminated,
	}[status]
	if eventType != "" {
		e.events.Publish(ctx, events.Event{
			Type: eventType, OrganizationID: t.OrganizationID, ResourceID: t.ID, Payload: t,
		})
	}
	e.logger.Info("task finished", "task_id", t.ID, "status", string(status), "reason", reason)

	if e.webhooks != nil && t.WebhookURL != "" {
		payload := webhook.Payload{
			Event:     "task." + string(status),
			Data:      t,
			Timestamp: e.clock.Now(),
			RequestID: task.NewRequestID(),
		}
		if err := e.webhooks.Deliver(ctx, t.WebhookURL, payload); err != nil {
			e.logger.Warn("task webhook failed", "task_id", t.ID, "error", err)
		}
	}
}

func (e *Engine) failStep(ctx context.Context, step *task.Step, err error) {
	step.Fail(err.Error())
	_ = e.store.UpdateStep(ctx, step)
}

// recordStep serializes the executed actions and their results into the
// step output.
func (e *Engine) recordStep(ctx context.Context, step *task.Step, acts []action.Action, results []action.Result) {
	type pair struct {
		Action action.Action `json:"action"`
		Result action.Result `json:"result"`
	}
	pairs := make([]pair, 0, len(acts))
	for i := range acts {
		pairs = append(pairs, pair{Action: acts[i], Result: results[i]})
	}
	if out, err := json.Marshal(pairs); err == nil {
		step.Output = out
	}
}

// archiveScrape stores the scrape artifacts: screenshots, element tree,
// html. The three kinds upload concurrently; screenshots stay ordered
// within their kind.
func (e *Engine) archiveScrape(ctx context.Context, sink Sink, sp *scrape.ScrapedPage) {
	var g errgroup.Group
	g.Go(func() error {
		for _, shot := range sp.Screenshots {
			if _, err := sink.WriteArtifact(ctx, artifact.KindScreenshotLLM, "image/png", shot); err != nil {
				e.logger.Warn("screenshot artifact failed", "error", err)
				return nil
			}
		}
		return nil
	})
	g.Go(func() error {
		if tree, err := json.Marshal(sp.ElementTree); err == nil {
			_, _ = sink.WriteArtifact(ctx, artifact.KindElementTree, "application/json", tree)
		}
		return nil
	})
	g.Go(func() error {
		if sp.HTML != "" {
			_, _ = sink.WriteArtifact(ctx, artifact.KindHTMLScrape, "text/html", []byte(sp.HTML))
		}
		return nil
	})
	g.Wait()
}

func stepSummary(step *task.Step, acts []action.Action, err error) *oracle.StepSummary {
	s := &oracle.StepSummary{
		Order:      step.Order,
		RetryIndex: step.RetryIndex,
		Actions:    acts,
		Succeeded:  err == nil,
	}
	if err != nil {
		s.FailureReason = err.Error()
	}
	return s
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

// stepSink writes artifacts for one step: payload to the blob store,
// record to storage with a per-step sequence.
type stepSink struct {
	e      *Engine
	t      *task.Task
	stepID string
}

func (s *stepSink) WriteArtifact(ctx context.Context, kind artifact.Kind, contentType string, data []byte) (*artifact.Artifact, error) {
	uri := ""
	if s.e.blobs != nil {
		var err error
		uri, err = s.e.blobs.Put(ctx, data, contentType)
		if err != nil {
			return nil, errors.ErrBlobStore(err)
		}
	}
	art := &artifact.Artifact{
		ID:             task.NewArtifactID(),
		OrganizationID: s.t.OrganizationID,
		Kind:           kind,
		URI:            uri,
		BytesSize:      int64(len(data)),
		ContentType:    contentType,
		TaskID:         s.t.ID,
		StepID:         s.stepID,
		WorkflowRunID:  s.t.WorkflowRunID,
		CreatedAt:      s.e.clock.Now(),
	}
	if err := s.e.store.AppendArtifact(ctx, art); err != nil {
		return nil, err
	}
	return art, nil
}

var _ Sink = (*stepSink)(nil)
