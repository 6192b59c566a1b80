// Package errors provides structured error types for skyvern.
package errors

import (
	stderrors "errors"
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for skyvern.
const (
	// Input errors
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeWorkflowGraphInvalid Code = "WORKFLOW_GRAPH_INVALID"
	CodeParameterUnbound     Code = "PARAMETER_UNBOUND"

	// Auth/quota errors
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeOrgLimitExceeded  Code = "ORGANIZATION_LIMIT_EXCEEDED"

	// Resource errors
	CodeTaskNotFound              Code = "TASK_NOT_FOUND"
	CodeWorkflowNotFound          Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowRunNotFound       Code = "WORKFLOW_RUN_NOT_FOUND"
	CodeSessionNotFound           Code = "SESSION_NOT_FOUND"
	CodeSessionAcquisitionTimeout Code = "SESSION_ACQUISITION_TIMEOUT"
	CodeSessionReplaced           Code = "SESSION_REPLACED"
	CodePageUnresponsive          Code = "PAGE_UNRESPONSIVE"
	CodeElementNotFound           Code = "ELEMENT_NOT_FOUND"
	CodeElementNotStable          Code = "ELEMENT_NOT_STABLE"
	CodeOptionNotFound            Code = "OPTION_NOT_FOUND"

	// Lifecycle errors
	CodeCanceled        Code = "CANCELED"
	CodeTimeout         Code = "TIMEOUT"
	CodeMaxStepsReached Code = "MAX_STEPS_REACHED"

	// External errors
	CodeOracle                Code = "ORACLE_ERROR"
	CodeStorage               Code = "STORAGE_ERROR"
	CodeBlobStore             Code = "BLOB_STORE_ERROR"
	CodeWebhookDeliveryFailed Code = "WEBHOOK_DELIVERY_FAILED"
	CodeHTTPRequest           Code = "HTTP_REQUEST_ERROR"

	// Internal errors
	CodeInternal Code = "INTERNAL"
	CodeBug      Code = "BUG"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
	CategoryTooManyRequests
	CategoryUnauthorized
	CategoryForbidden
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeValidation:                CategoryBadRequest,
	CodeWorkflowGraphInvalid:      CategoryBadRequest,
	CodeParameterUnbound:          CategoryBadRequest,
	CodeUnauthorized:              CategoryUnauthorized,
	CodeForbidden:                 CategoryForbidden,
	CodeRateLimited:               CategoryTooManyRequests,
	CodeOrgLimitExceeded:          CategoryTooManyRequests,
	CodeTaskNotFound:              CategoryNotFound,
	CodeWorkflowNotFound:          CategoryNotFound,
	CodeWorkflowRunNotFound:       CategoryNotFound,
	CodeSessionNotFound:           CategoryNotFound,
	CodeSessionAcquisitionTimeout: CategoryUnavailable,
	CodeSessionReplaced:           CategoryConflict,
	CodePageUnresponsive:          CategoryUnavailable,
	CodeElementNotFound:           CategoryInternal,
	CodeElementNotStable:          CategoryInternal,
	CodeOptionNotFound:            CategoryInternal,
	CodeCanceled:                  CategoryConflict,
	CodeTimeout:                   CategoryTimeout,
	CodeMaxStepsReached:           CategoryInternal,
	CodeOracle:                    CategoryUnavailable,
	CodeStorage:                   CategoryInternal,
	CodeBlobStore:                 CategoryInternal,
	CodeWebhookDeliveryFailed:     CategoryInternal,
	CodeHTTPRequest:               CategoryInternal,
	CodeInternal:                  CategoryInternal,
	CodeBug:                       CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	case CategoryTooManyRequests:
		return 429
	case CategoryUnauthorized:
		return 401
	case CategoryForbidden:
		return 403
	default:
		return 500
	}
}

// SkyvernError is the structured error type for skyvern.
type SkyvernError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Cause error  `json:"-"`

	// Details carries structured, user-visible context such as the
	// retry_after of a rate-limit rejection.
	Details map[string]any `json:"details,omitempty"`

	// Transient marks errors that step/block retry policies may recover from.
	Transient bool `json:"-"`
}

// Error implements the error interface.
func (e *SkyvernError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SkyvernError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *SkyvernError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *SkyvernError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Is reports whether target is a SkyvernError with the same code.
func (e *SkyvernError) Is(target error) bool {
	t, ok := target.(*SkyvernError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *SkyvernError) WithCause(err error) *SkyvernError {
	out := *e
	out.Cause = err
	return &out
}

// MarshalJSON implements json.Marshaler.
func (e *SkyvernError) MarshalJSON() ([]byte, error) {
	type alias SkyvernError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// FailureReason returns the terminal failure reason string recorded on
// tasks, steps and workflow runs. The cause is intentionally omitted so
// internals never leak into user-visible records.
func (e *SkyvernError) FailureReason() string {
	if e.Why == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.What)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.What, e.Why)
}

// --- Error constructors ---

// ErrValidation returns an error for invalid input.
func ErrValidation(field, reason string) *SkyvernError {
	return &SkyvernError{
		Code: CodeValidation,
		What: fmt.Sprintf("invalid %s", field),
		Why:  reason,
	}
}

// ErrWorkflowGraphInvalid returns an error for a malformed workflow definition.
func ErrWorkflowGraphInvalid(reason string) *SkyvernError {
	return &SkyvernError{
		Code: CodeWorkflowGraphInvalid,
		What: "workflow definition is invalid",
		Why:  reason,
	}
}

// ErrParameterUnbound returns an error for an unresolvable parameter reference.
func ErrParameterUnbound(name string) *SkyvernError {
	return &SkyvernError{
		Code: CodeParameterUnbound,
		What: fmt.Sprintf("parameter %q is not bound", name),
		Why:  "The block references a parameter that has no value in the run context",
	}
}

// ErrUnauthorized returns an error for a missing or invalid API key.
func ErrUnauthorized() *SkyvernError {
	return &SkyvernError{
		Code: CodeUnauthorized,
		What: "invalid or missing API key",
	}
}

// ErrRateLimited returns an error when a tenant exceeds its quota.
// retryAfterSeconds tells the caller when the window reopens.
func ErrRateLimited(retryAfterSeconds int) *SkyvernError {
	return &SkyvernError{
		Code:    CodeRateLimited,
		What:    "rate limit exceeded",
		Why:     fmt.Sprintf("Retry after %d seconds", retryAfterSeconds),
		Details: map[string]any{"retry_after": retryAfterSeconds},
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *SkyvernError {
	return &SkyvernError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
	}
}

// ErrWorkflowNotFound returns an error when a workflow doesn't exist.
func ErrWorkflowNotFound(id string) *SkyvernError {
	return &SkyvernError{
		Code: CodeWorkflowNotFound,
		What: fmt.Sprintf("workflow %s not found", id),
	}
}

// ErrWorkflowRunNotFound returns an error when a workflow run doesn't exist.
func ErrWorkflowRunNotFound(id string) *SkyvernError {
	return &SkyvernError{
		Code: CodeWorkflowRunNotFound,
		What: fmt.Sprintf("workflow run %s not found", id),
	}
}

// ErrSessionNotFound returns an error when a browser session doesn't exist.
func ErrSessionNotFound(id string) *SkyvernError {
	return &SkyvernError{
		Code: CodeSessionNotFound,
		What: fmt.Sprintf("browser session %s not found", id),
	}
}

// ErrSessionAcquisitionTimeout returns an error when no session slot freed
// up within the acquisition deadline.
func ErrSessionAcquisitionTimeout(wait string) *SkyvernError {
	return &SkyvernError{
		Code: CodeSessionAcquisitionTimeout,
		What: "could not acquire a browser session",
		Why:  fmt.Sprintf("Pool exhausted and no slot freed within %s", wait),
	}
}

// ErrSessionReplaced returns an error when a session was replaced under a
// consumer; the consumer must restart its current step.
func ErrSessionReplaced(id string) *SkyvernError {
	return &SkyvernError{
		Code:      CodeSessionReplaced,
		What:      fmt.Sprintf("browser session %s was replaced", id),
		Why:       "The underlying driver died and a new session was launched",
		Transient: true,
	}
}

// ErrPageUnresponsive returns an error when a page stops answering.
func ErrPageUnresponsive(url string) *SkyvernError {
	return &SkyvernError{
		Code:      CodePageUnresponsive,
		What:      "page is unresponsive",
		Why:       fmt.Sprintf("No response from %s", url),
		Transient: true,
	}
}

// ErrElementNotFound returns an error when an action's element cannot be
// resolved against the current scrape.
func ErrElementNotFound(ref string) *SkyvernError {
	return &SkyvernError{
		Code:      CodeElementNotFound,
		What:      fmt.Sprintf("element %q not found", ref),
		Why:       "The element is not present in the current page scrape",
		Transient: true,
	}
}

// ErrElementNotStable returns an error when an element never settled.
func ErrElementNotStable(ref string) *SkyvernError {
	return &SkyvernError{
		Code:      CodeElementNotStable,
		What:      fmt.Sprintf("element %q is not stable", ref),
		Why:       "The element did not become attached, visible and enabled in time",
		Transient: true,
	}
}

// ErrOptionNotFound returns an error when a select option matches neither
// value nor label.
func ErrOptionNotFound(option string) *SkyvernError {
	return &SkyvernError{
		Code: CodeOptionNotFound,
		What: fmt.Sprintf("option %q not found", option),
		Why:  "No option matched by value or by visible label",
	}
}

// ErrCanceled returns an error for caller-initiated cancellation.
func ErrCanceled(reason string) *SkyvernError {
	return &SkyvernError{
		Code: CodeCanceled,
		What: "execution canceled",
		Why:  reason,
	}
}

// ErrTimeout returns an error when a wall-clock budget is exceeded.
func ErrTimeout(what string) *SkyvernError {
	return &SkyvernError{
		Code: CodeTimeout,
		What: fmt.Sprintf("%s exceeded its wall-clock budget", what),
	}
}

// ErrMaxStepsReached returns an error when a task runs out of steps.
func ErrMaxStepsReached(maxSteps int) *SkyvernError {
	return &SkyvernError{
		Code: CodeMaxStepsReached,
		What: fmt.Sprintf("task did not finish within %d steps", maxSteps),
	}
}

// ErrOracle wraps a decision oracle failure.
func ErrOracle(err error) *SkyvernError {
	return &SkyvernError{
		Code:      CodeOracle,
		What:      "decision oracle call failed",
		Cause:     err,
		Transient: true,
	}
}

// ErrStorage wraps a storage layer failure.
func ErrStorage(err error) *SkyvernError {
	return &SkyvernError{
		Code:  CodeStorage,
		What:  "storage operation failed",
		Cause: err,
	}
}

// ErrBlobStore wraps a blob store failure.
func ErrBlobStore(err error) *SkyvernError {
	return &SkyvernError{
		Code:  CodeBlobStore,
		What:  "blob store operation failed",
		Cause: err,
	}
}

// ErrWebhookDeliveryFailed wraps an exhausted webhook delivery.
func ErrWebhookDeliveryFailed(url string, err error) *SkyvernError {
	return &SkyvernError{
		Code:  CodeWebhookDeliveryFailed,
		What:  fmt.Sprintf("webhook delivery to %s failed", url),
		Cause: err,
	}
}

// ErrHTTPRequest returns an error for a failed http_request block.
func ErrHTTPRequest(reason string, err error) *SkyvernError {
	return &SkyvernError{
		Code:  CodeHTTPRequest,
		What:  "http request failed",
		Why:   reason,
		Cause: err,
	}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(err error) *SkyvernError {
	return &SkyvernError{
		Code:  CodeInternal,
		What:  "internal error",
		Cause: err,
	}
}

// AsSkyvernError attempts to convert an error to a SkyvernError.
// Returns nil if the error is not a SkyvernError.
func AsSkyvernError(err error) *SkyvernError {
	var se *SkyvernError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsTransient reports whether the error is recoverable by step or block
// retry policies. Canceled and Timeout are never transient.
func IsTransient(err error) bool {
	se := AsSkyvernError(err)
	if se == nil {
		return false
	}
	return se.Transient
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	se := AsSkyvernError(err)
	return se != nil && se.Code == code
}

// Wrap wraps a generic error into a SkyvernError with internal code.
func Wrap(err error, what string) *SkyvernError {
	return &SkyvernError{
		Code:  CodeInternal,
		What:  what,
		Cause: err,
	}
}
