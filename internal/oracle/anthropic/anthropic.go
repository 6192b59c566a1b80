// Package anthropic adapts the Anthropic Messages API to the decision
// oracle capability.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/oracle"
)

// Defaults for the Messages API.
const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

// Oracle is a decision oracle backed by the Anthropic Messages API.
type Oracle struct {
	messages  *sdk.MessageService
	model     string
	maxTokens int64
}

// Option configures the oracle.
type Option func(*Oracle)

// WithModel overrides the default model id.
func WithModel(model string) Option {
	return func(o *Oracle) { o.model = model }
}

// WithMaxTokens overrides the default completion budget.
func WithMaxTokens(n int64) Option {
	return func(o *Oracle) { o.maxTokens = n }
}

// New creates an oracle using the given API key.
func New(apiKey string, opts ...Option) *Oracle {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	o := &Oracle{
		messages:  &client.Messages,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Decide prompts the model with the scraped page and goal and parses the
// returned action list.
func (o *Oracle) Decide(ctx context.Context, req oracle.Request) (oracle.Decision, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return oracle.Decision{}, err
	}
	reply, err := o.complete(ctx, prompt)
	if err != nil {
		return oracle.Decision{}, err
	}
	return parseDecision(reply)
}

// CompleteText answers a free-form prompt.
func (o *Oracle) CompleteText(ctx context.Context, prompt string) (string, error) {
	return o.complete(ctx, prompt)
}

func (o *Oracle) complete(ctx context.Context, prompt string) (string, error) {
	msg, err := o.messages.New(ctx, sdk.MessageNewParams{
		MaxTokens: o.maxTokens,
		Model:     sdk.Model(o.model),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", errors.ErrOracle(fmt.Errorf("messages API: %w", err))
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.ErrOracle(fmt.Errorf("empty completion"))
	}
	return b.String(), nil
}

// buildPrompt renders the decision prompt: goal, interactable element
// tree, history, and the strict JSON output contract.
func buildPrompt(req oracle.Request) (string, error) {
	var b strings.Builder
	b.WriteString("You control a web browser. Decide the next actions toward the goal.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n", req.NavigationGoal)
	if req.ExtractionGoal != "" {
		fmt.Fprintf(&b, "Extraction goal: %s\n", req.ExtractionGoal)
	}
	if len(req.ExtractionSchema) > 0 {
		fmt.Fprintf(&b, "Extraction schema:\n%s\n", req.ExtractionSchema)
	}
	if len(req.Payload) > 0 {
		fmt.Fprintf(&b, "Caller data:\n%s\n", req.Payload)
	}
	if req.Page != nil {
		fmt.Fprintf(&b, "\nCurrent URL: %s\n", req.Page.URL)
		b.WriteString("\nInteractable elements:\n")
		b.WriteString(req.Page.ExtractedText)
		b.WriteString("\n")
	}
	if len(req.History) > 0 {
		h, err := json.Marshal(req.History)
		if err != nil {
			return "", errors.ErrOracle(fmt.Errorf("encode history: %w", err))
		}
		fmt.Fprintf(&b, "\nPrior steps:\n%s\n", h)
	}
	b.WriteString(`
Reply with a single JSON object, no prose outside it:
{"actions": [{"action_type": "...", "element_ref": "...", ...}], "reasoning": "...", "confidence": 0.0}
Use only element ids from the list above. Use action_type "complete" when
the goal is achieved and "terminate" when it cannot be.`)
	return b.String(), nil
}

// parseDecision extracts the JSON decision from the reply, tolerating a
// fenced code block around it.
func parseDecision(reply string) (oracle.Decision, error) {
	body := reply
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			body = body[i : j+1]
		}
	}
	var d oracle.Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return oracle.Decision{}, errors.ErrOracle(fmt.Errorf("unparseable decision: %w", err))
	}
	if len(d.Actions) == 0 {
		return oracle.Decision{}, errors.ErrOracle(fmt.Errorf("decision has no actions"))
	}
	for i := range d.Actions {
		d.Actions[i].Normalize()
	}
	return d, nil
}

var _ oracle.DecisionOracle = (*Oracle)(nil)
