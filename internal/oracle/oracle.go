// Package oracle provides the decision oracle: the component that maps a
// scraped page plus a goal to the next actions. The engine treats it as a
// black box so the model backend stays swappable.
package oracle

import (
	"context"
	"encoding/json"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
)

// StepSummary is one prior step shown to the oracle as history.
type StepSummary struct {
	// Order and RetryIndex identify the step.
	Order      int `json:"order"`
	RetryIndex int `json:"retry_index"`

	// Actions are the actions the step executed.
	Actions []action.Action `json:"actions,omitempty"`

	// Succeeded reports whether every action succeeded.
	Succeeded bool `json:"succeeded"`

	// FailureReason is set when the step failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Request is one decision request: what the page looks like, what the
// goal is, what happened so far.
type Request struct {
	// TaskID identifies the task, for logging and prompt caching.
	TaskID string `json:"task_id"`

	// NavigationGoal is the natural-language objective.
	NavigationGoal string `json:"navigation_goal"`

	// ExtractionGoal is set for data-extraction decisions.
	ExtractionGoal string `json:"data_extraction_goal,omitempty"`

	// ExtractionSchema constrains extract output when set.
	ExtractionSchema json.RawMessage `json:"extraction_schema,omitempty"`

	// Payload is caller context (e.g., form values) surfaced to the
	// oracle verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Page is the scraped page the decision is made against.
	Page *scrape.ScrapedPage `json:"-"`

	// History summarizes prior steps, oldest first.
	History []StepSummary `json:"history,omitempty"`
}

// Decision is the oracle's answer: an ordered action list with reasoning.
type Decision struct {
	// Actions execute in order within the step.
	Actions []action.Action `json:"actions"`

	// Reasoning is the oracle's explanation, kept for artifacts.
	Reasoning string `json:"reasoning,omitempty"`

	// Confidence is the overall decision confidence in [0,1].
	Confidence float64 `json:"confidence,omitempty"`
}

// DecisionOracle decides the next actions for a step and answers free-form
// text prompts for text_prompt blocks.
type DecisionOracle interface {
	// Decide returns the next actions for the step. Element references in
	// the returned actions use the ids of req.Page.
	Decide(ctx context.Context, req Request) (Decision, error)

	// CompleteText answers a free-form prompt with text.
	CompleteText(ctx context.Context, prompt string) (string, error)
}
