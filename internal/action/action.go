// Package action defines the typed browser actions produced by the decision
// oracle and consumed by the executor.
package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies an action variant. The set is closed; the executor
// dispatches with a total switch and rejects unknown kinds at parse time.
type Kind string

const (
	KindClick        Kind = "click"
	KindInputText    Kind = "input_text"
	KindSelectOption Kind = "select_option"
	KindUploadFile   Kind = "upload_file"
	KindDownloadFile Kind = "download_file"
	KindWait         Kind = "wait"
	KindExtract      Kind = "extract"
	KindScroll       Kind = "scroll"
	KindScreenshot   Kind = "screenshot"
	KindComplete     Kind = "complete"
	KindTerminate    Kind = "terminate"
	KindNullAction   Kind = "null_action"
	KindSolveCaptcha Kind = "solve_captcha"
)

// ValidKinds returns all valid action kinds.
func ValidKinds() []Kind {
	return []Kind{
		KindClick, KindInputText, KindSelectOption, KindUploadFile,
		KindDownloadFile, KindWait, KindExtract, KindScroll, KindScreenshot,
		KindComplete, KindTerminate, KindNullAction, KindSolveCaptcha,
	}
}

// IsValidKind returns true if k is a valid action kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindClick, KindInputText, KindSelectOption, KindUploadFile,
		KindDownloadFile, KindWait, KindExtract, KindScroll, KindScreenshot,
		KindComplete, KindTerminate, KindNullAction, KindSolveCaptcha:
		return true
	default:
		return false
	}
}

// Coordinates is a viewport position for coordinate-addressed actions.
type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Action is one unit of browser interaction. Fields beyond Kind are
// variant-specific; the executor validates presence per kind.
type Action struct {
	// Kind selects the variant.
	Kind Kind `json:"action_type"`

	// ElementRef addresses an element from the current scrape by element id.
	ElementRef string `json:"element_ref,omitempty"`

	// ElementContentHash is the position-independent hash used to re-resolve
	// cached actions against a fresh scrape.
	ElementContentHash string `json:"element_content_hash,omitempty"`

	// Text is the input for input_text, the reason for terminate, and the
	// file reference for upload_file.
	Text string `json:"text,omitempty"`

	// Option is the target for select_option, matched by value then label.
	Option string `json:"option,omitempty"`

	// Coordinates addresses a viewport position when no element ref exists.
	Coordinates *Coordinates `json:"coordinates,omitempty"`

	// WaitSeconds is the duration for wait actions.
	WaitSeconds float64 `json:"wait_seconds,omitempty"`

	// ScrollY is the vertical scroll delta in pixels for scroll actions.
	ScrollY int `json:"scroll_y,omitempty"`

	// DataExtractionGoal overrides the task extraction goal for extract.
	DataExtractionGoal string `json:"data_extraction_goal,omitempty"`

	// ExtractedData carries the payload for complete and extract actions.
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"`

	// Confidence is the oracle's confidence in [0,1].
	Confidence float64 `json:"confidence,omitempty"`

	// Reasoning is the oracle's free-text rationale.
	Reasoning string `json:"reasoning,omitempty"`

	// StopOnFailure ends the step when this action fails. Defaults per kind
	// via Normalize.
	StopOnFailure bool `json:"stop_execution_on_failure,omitempty"`
}

// Result records the outcome of applying one action.
type Result struct {
	// Success reports whether the action ran to completion.
	Success bool `json:"success"`

	// Data is action-specific output (extracted data, downloaded file ref).
	Data json.RawMessage `json:"data,omitempty"`

	// ExceptionKind is the error code when Success is false.
	ExceptionKind string `json:"exception_kind,omitempty"`

	// ExceptionMessage is the short failure message.
	ExceptionMessage string `json:"exception_message,omitempty"`

	// StopExecutionOnFailure mirrors the action's failure policy so the
	// engine can decide whether the step continues.
	StopExecutionOnFailure bool `json:"stop_execution_on_failure"`

	// Duration is how long the action took.
	Duration time.Duration `json:"duration,omitempty"`
}

// IsTerminal reports whether the action decides the task outcome.
func (a *Action) IsTerminal() bool {
	return a.Kind == KindComplete || a.Kind == KindTerminate
}

// RequiresElement reports whether the kind addresses a scraped element.
func (a *Action) RequiresElement() bool {
	switch a.Kind {
	case KindClick, KindInputText, KindSelectOption, KindUploadFile, KindDownloadFile:
		return true
	default:
		return false
	}
}

// Cacheable reports whether the kind participates in the decision cache.
// Terminal complete is cacheable but always re-confirmed by the oracle.
func (a *Action) Cacheable() bool {
	switch a.Kind {
	case KindClick, KindInputText, KindWait, KindComplete, KindSelectOption:
		return true
	default:
		return false
	}
}

// WaitDuration returns the bounded wait for wait actions.
func (a *Action) WaitDuration() time.Duration {
	return time.Duration(a.WaitSeconds * float64(time.Second))
}

// Normalize applies per-kind defaults. Element-addressed actions and
// terminal actions stop the step on failure; the rest continue unless the
// oracle says otherwise.
func (a *Action) Normalize() {
	switch a.Kind {
	case KindClick, KindInputText, KindSelectOption, KindUploadFile,
		KindDownloadFile, KindComplete, KindTerminate, KindSolveCaptcha:
		a.StopOnFailure = true
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
}

// Validate checks per-kind required fields.
func (a *Action) Validate() error {
	if !IsValidKind(a.Kind) {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	switch a.Kind {
	case KindClick:
		if a.ElementRef == "" && a.Coordinates == nil {
			return fmt.Errorf("click requires element_ref or coordinates")
		}
	case KindInputText:
		if a.ElementRef == "" {
			return fmt.Errorf("input_text requires element_ref")
		}
	case KindSelectOption:
		if a.ElementRef == "" {
			return fmt.Errorf("select_option requires element_ref")
		}
		if a.Option == "" {
			return fmt.Errorf("select_option requires option")
		}
	case KindUploadFile:
		if a.ElementRef == "" {
			return fmt.Errorf("upload_file requires element_ref")
		}
	case KindDownloadFile:
		if a.ElementRef == "" {
			return fmt.Errorf("download_file requires element_ref")
		}
	case KindWait:
		if a.WaitSeconds <= 0 {
			return fmt.Errorf("wait requires a positive duration")
		}
	}
	return nil
}

// NullAction returns the no-op action recorded when a decision produced no
// valid actions.
func NullAction() Action {
	return Action{Kind: KindNullAction}
}

// SuccessResult builds a success result for an action.
func SuccessResult(a *Action, data json.RawMessage) Result {
	return Result{
		Success:                true,
		Data:                   data,
		StopExecutionOnFailure: a.StopOnFailure,
	}
}

// FailureResult builds a failure result carrying an error code and message.
func FailureResult(a *Action, code, message string) Result {
	return Result{
		Success:                false,
		ExceptionKind:          code,
		ExceptionMessage:       message,
		StopExecutionOnFailure: a.StopOnFailure,
	}
}
