// Package orchestrator interprets workflow runs: block traversal, the
// per-kind block runtime, session sharing and run webhooks.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/executor"
	"github.com/skyvernhq/skyvern-go/internal/oracle"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/variable"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

const (
	httpRequestTimeout = 30 * time.Second
	maxRedirects       = 5
	codeBlockBudget    = 30 * time.Second
	maxWaitBlockSecs   = 3600
	gotoBlockTimeout   = 30 * time.Second
)

// Emailer is the email capability the send_email block invokes.
type Emailer interface {
	Send(ctx context.Context, to []string, subject, body string) (messageID string, err error)
}

// env is what a block executes against: the run, its variables, the
// cancel signal and a lazy session handle.
type env struct {
	run     *workflow.Run
	vars    *variable.RunContext
	cancel  *retry.Cancel
	session func(ctx context.Context) (*session.Session, error)
}

// Runtime executes exactly one block kind.
type Runtime struct {
	engine *executor.Engine
	oracle oracle.DecisionOracle
	store  storage.Backend
	blobs  artifact.BlobStore
	clock  retry.Clock
	logger *slog.Logger

	// Email is optional; send_email fails without a provider.
	Email Emailer

	httpClient *http.Client
}

// NewRuntime creates a block runtime.
func NewRuntime(engine *executor.Engine, decider oracle.DecisionOracle, store storage.Backend,
	blobs artifact.BlobStore, clock retry.Clock, logger *slog.Logger) *Runtime {
	return &Runtime{
		engine: engine,
		oracle: decider,
		store:  store,
		blobs:  blobs,
		clock:  clock,
		logger: logger,
		httpClient: &http.Client{
			Timeout: httpRequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.ErrHTTPRequest("too many redirects", nil)
				}
				return nil
			},
		},
	}
}

// execute runs one block kind with already-rendered inputs and returns
// the block output.
func (r *Runtime) execute(ctx context.Context, e *env, b *workflow.Block, inputs map[string]any) (any, error) {
	switch b.Kind {
	case workflow.BlockTask, workflow.BlockTaskV2, workflow.BlockAction,
		workflow.BlockNavigation, workflow.BlockExtraction, workflow.BlockLogin:
		return r.taskBlock(ctx, e, b, inputs)
	case workflow.BlockValidation:
		return r.validationBlock(e, inputs)
	case workflow.BlockWait:
		return r.waitBlock(ctx, inputs)
	case workflow.BlockCode:
		return r.codeBlock(ctx, e, inputs)
	case workflow.BlockTextPrompt:
		return r.textPromptBlock(ctx, inputs)
	case workflow.BlockPDFParser:
		return r.pdfParserBlock(ctx, inputs)
	case workflow.BlockFileURLParser:
		return r.fileURLParserBlock(ctx, inputs)
	case workflow.BlockFileUpload:
		return r.fileActionBlock(ctx, e, inputs, true)
	case workflow.BlockFileDownload:
		return r.fileActionBlock(ctx, e, inputs, false)
	case workflow.BlockBlobUpload:
		return r.blobUploadBlock(ctx, inputs)
	case workflow.BlockBlobDownload:
		return r.blobDownloadBlock(ctx, inputs)
	case workflow.BlockSendEmail:
		return r.sendEmailBlock(ctx, inputs)
	case workflow.BlockHTTPRequest:
		return r.httpRequestBlock(ctx, inputs)
	case workflow.BlockGotoURL:
		return r.gotoURLBlock(ctx, e, inputs)
	default:
		return nil, errors.ErrWorkflowGraphInvalid(fmt.Sprintf("block kind %q is not executable here", b.Kind))
	}
}

// taskBlock runs the task engine against the run's shared session.
func (r *Runtime) taskBlock(ctx context.Context, e *env, b *workflow.Block, inputs map[string]any) (any, error) {
	sess, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	t := task.New(task.NewTaskID(), e.run.OrganizationID, stringInput(inputs, "url"), stringInput(inputs, "navigation_goal"))
	t.WorkflowRunID = e.run.ID
	t.ExtractionGoal = stringInput(inputs, "data_extraction_goal")
	if b.Kind == workflow.BlockExtraction && t.ExtractionGoal == "" {
		t.ExtractionGoal = stringInput(inputs, "extraction_goal")
	}
	if raw, ok := inputs["extraction_schema"]; ok {
		if enc, err := json.Marshal(raw); err == nil {
			t.ExtractionSchema = enc
		}
	}
	if raw, ok := inputs["payload"]; ok {
		if enc, err := json.Marshal(raw); err == nil {
			t.Payload = enc
		}
	}
	if n := intInput(inputs, "max_steps"); n > 0 {
		t.MaxSteps = n
	}
	if n := intInput(inputs, "retries_per_step"); n > 0 {
		t.RetriesPerStep = n
	}
	t.TOTPURL = stringInput(inputs, "totp_url")
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := r.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := r.engine.ExecuteWithSession(ctx, t, sess, e.cancel); err != nil {
		return nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, errors.ErrValidation(b.Label,
			fmt.Sprintf("task %s finished %s: %s", t.ID, t.Status, t.FailureReason))
	}
	out := map[string]any{
		"task_id":   t.ID,
		"final_url": sess.Page().URL(),
	}
	if len(t.ExtractedData) > 0 {
		var data any
		if err := json.Unmarshal(t.ExtractedData, &data); err == nil {
			out["extracted_data"] = data
		}
	}
	return out, nil
}

// validationBlock evaluates a boolean expression against the run
// context. The expression is the already-rendered value of the
// "expression" input; after substitution it must read as a truthy
// literal or a simple comparison.
func (r *Runtime) validationBlock(e *env, inputs map[string]any) (any, error) {
	expr := stringInput(inputs, "expression")
	if expr == "" {
		return nil, errors.ErrValidation("expression", "validation block needs an expression")
	}
	ok, err := evalExpression(expr, e.vars)
	if err != nil {
		return nil, err
	}
	if !ok {
		msg := stringInput(inputs, "error_message")
		if msg == "" {
			msg = fmt.Sprintf("expression %q is false", expr)
		}
		return nil, errors.ErrValidation("expression", msg)
	}
	return map[string]any{"valid": true}, nil
}

func (r *Runtime) waitBlock(ctx context.Context, inputs map[string]any) (any, error) {
	secs := floatInput(inputs, "seconds")
	if secs < 0 {
		secs = 0
	}
	if secs > maxWaitBlockSecs {
		secs = maxWaitBlockSecs
	}
	if err := r.clock.Sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
		return nil, errors.ErrCanceled("wait block aborted")
	}
	return map[string]any{}, nil
}

// codeBlock evaluates a restricted expression against a read-only
// snapshot of the run context. No filesystem, no network, bounded wall
// clock.
func (r *Runtime) codeBlock(ctx context.Context, e *env, inputs map[string]any) (any, error) {
	code := stringInput(inputs, "code")
	if code == "" {
		return nil, errors.ErrValidation("code", "code block needs code")
	}
	ctx, cancel := context.WithTimeout(ctx, codeBlockBudget)
	defer cancel()
	out, err := evalCode(ctx, code, e.vars.Snapshot())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runtime) textPromptBlock(ctx context.Context, inputs map[string]any) (any, error) {
	prompt := stringInput(inputs, "prompt")
	if prompt == "" {
		return nil, errors.ErrValidation("prompt", "text_prompt block needs a prompt")
	}
	reply, err := r.oracle.CompleteText(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if reply == "" {
		return nil, errors.ErrOracle(fmt.Errorf("empty text completion"))
	}
	return reply, nil
}

func (r *Runtime) pdfParserBlock(ctx context.Context, inputs map[string]any) (any, error) {
	data, err := r.fetchFile(ctx, inputs)
	if err != nil {
		return nil, err
	}
	text, pages := extractPDFText(data)
	return map[string]any{"text": text, "pages": pages}, nil
}

// fileURLParserBlock downloads a file and shapes it by content: JSON is
// parsed, CSV becomes rows, everything else passes through as text.
func (r *Runtime) fileURLParserBlock(ctx context.Context, inputs map[string]any) (any, error) {
	data, err := r.fetchFile(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return parseStructured(data), nil
}

// fetchFile loads a file by "uri" (blob store) or "url" (http).
func (r *Runtime) fetchFile(ctx context.Context, inputs map[string]any) ([]byte, error) {
	if uri := stringInput(inputs, "uri"); uri != "" {
		if r.blobs == nil {
			return nil, errors.ErrBlobStore(fmt.Errorf("no blob store configured"))
		}
		data, err := r.blobs.Get(ctx, uri)
		if err != nil {
			return nil, errors.ErrBlobStore(err)
		}
		return data, nil
	}
	url := stringInput(inputs, "url")
	if url == "" {
		return nil, errors.ErrValidation("url", "file block needs a url or uri")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.ErrHTTPRequest("build request", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrHTTPRequest("fetch file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.ErrHTTPRequest(fmt.Sprintf("fetch file: status %d", resp.StatusCode), nil)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}

// fileActionBlock drives upload/download through the browser session.
func (r *Runtime) fileActionBlock(ctx context.Context, e *env, inputs map[string]any, upload bool) (any, error) {
	sess, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	selector := stringInput(inputs, "selector")
	if selector == "" {
		return nil, errors.ErrValidation("selector", "file block needs a selector")
	}
	page := sess.Page()
	if upload {
		path := stringInput(inputs, "path")
		if path == "" {
			return nil, errors.ErrValidation("path", "file_upload needs a path")
		}
		if err := page.SetFiles(ctx, selector, []string{path}); err != nil {
			return nil, errors.ErrInternal(fmt.Errorf("file upload: %w", err))
		}
		return map[string]any{"uploaded": path}, nil
	}
	data, filename, err := page.Download(ctx, selector)
	if err != nil {
		return nil, errors.ErrInternal(fmt.Errorf("file download: %w", err))
	}
	out := map[string]any{"filename": filename, "bytes_size": len(data)}
	if r.blobs != nil {
		uri, err := r.blobs.Put(ctx, data, "application/octet-stream")
		if err != nil {
			return nil, errors.ErrBlobStore(err)
		}
		out["uri"] = uri
	}
	return out, nil
}

func (r *Runtime) blobUploadBlock(ctx context.Context, inputs map[string]any) (any, error) {
	if r.blobs == nil {
		return nil, errors.ErrBlobStore(fmt.Errorf("no blob store configured"))
	}
	var data []byte
	if s := stringInput(inputs, "data"); s != "" {
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
			data = decoded
		} else {
			data = []byte(s)
		}
	} else if v, ok := inputs["data"]; ok {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, errors.ErrValidation("data", err.Error())
		}
		data = enc
	} else {
		return nil, errors.ErrValidation("data", "blob_upload needs data")
	}
	contentType := stringInput(inputs, "content_type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := r.blobs.Put(ctx, data, contentType)
	if err != nil {
		return nil, errors.ErrBlobStore(err)
	}
	return map[string]any{"uri": uri, "bytes_size": len(data)}, nil
}

func (r *Runtime) blobDownloadBlock(ctx context.Context, inputs map[string]any) (any, error) {
	if r.blobs == nil {
		return nil, errors.ErrBlobStore(fmt.Errorf("no blob store configured"))
	}
	uri := stringInput(inputs, "uri")
	if uri == "" {
		return nil, errors.ErrValidation("uri", "blob_download needs a uri")
	}
	data, err := r.blobs.Get(ctx, uri)
	if err != nil {
		return nil, errors.ErrBlobStore(err)
	}
	return map[string]any{
		"uri":  uri,
		"data": base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (r *Runtime) sendEmailBlock(ctx context.Context, inputs map[string]any) (any, error) {
	if r.Email == nil {
		return nil, errors.ErrValidation("send_email", "no email provider configured")
	}
	to := stringSliceInput(inputs, "to")
	if len(to) == 0 {
		return nil, errors.ErrValidation("to", "send_email needs recipients")
	}
	id, err := r.Email.Send(ctx, to, stringInput(inputs, "subject"), stringInput(inputs, "body"))
	if err != nil {
		return nil, errors.ErrInternal(fmt.Errorf("send email: %w", err))
	}
	return map[string]any{"message_id": id}, nil
}

// httpRequestBlock issues one HTTP call. Redirects are capped at 5, the
// timeout defaults to 30s, and success is judged by success_codes (2xx
// when unset).
func (r *Runtime) httpRequestBlock(ctx context.Context, inputs map[string]any) (any, error) {
	url := stringInput(inputs, "url")
	if url == "" {
		return nil, errors.ErrValidation("url", "http_request needs a url")
	}
	method := stringInput(inputs, "method")
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if raw, ok := inputs["body"]; ok {
		switch v := raw.(type) {
		case string:
			body = bytes.NewReader([]byte(v))
		default:
			enc, err := json.Marshal(v)
			if err != nil {
				return nil, errors.ErrValidation("body", err.Error())
			}
			body = bytes.NewReader(enc)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.ErrHTTPRequest("build request", err)
	}
	if headers, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrHTTPRequest("request failed", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.ErrHTTPRequest("read response", err)
	}

	if !statusAllowed(resp.StatusCode, inputs["success_codes"]) {
		return nil, errors.ErrHTTPRequest(fmt.Sprintf("status %d not accepted", resp.StatusCode), nil)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(respBody),
	}, nil
}

func (r *Runtime) gotoURLBlock(ctx context.Context, e *env, inputs map[string]any) (any, error) {
	sess, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	url := stringInput(inputs, "url")
	if url == "" {
		return nil, errors.ErrValidation("url", "goto_url needs a url")
	}
	if err := sess.Page().Goto(ctx, url, gotoBlockTimeout); err != nil {
		return nil, errors.ErrPageUnresponsive(url)
	}
	sess.Touch(r.clock)
	return map[string]any{"final_url": sess.Page().URL()}, nil
}

// statusAllowed checks the response status against success_codes: 2xx by
// default, or an explicit list of codes.
func statusAllowed(status int, successCodes any) bool {
	list, ok := successCodes.([]any)
	if !ok || len(list) == 0 {
		return status >= 200 && status <= 299
	}
	for _, v := range list {
		switch c := v.(type) {
		case float64:
			if int(c) == status {
				return true
			}
		case int:
			if c == status {
				return true
			}
		case string:
			if n, err := strconv.Atoi(c); err == nil && n == status {
				return true
			}
		}
	}
	return false
}

func stringInput(inputs map[string]any, key string) string {
	if v, ok := inputs[key].(string); ok {
		return v
	}
	return ""
}

func intInput(inputs map[string]any, key string) int {
	switch v := inputs[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func floatInput(inputs map[string]any, key string) float64 {
	switch v := inputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func stringSliceInput(inputs map[string]any, key string) []string {
	switch v := inputs[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}
