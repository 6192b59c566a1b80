package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// FakeOracle returns scripted decisions in order. Tests seed it with one
// decision per expected Decide call.
type FakeOracle struct {
	mu sync.Mutex

	// Decisions are returned in order; when exhausted, Decide returns
	// ErrOracle unless DecideFunc is set.
	Decisions []Decision

	// Errs, when non-nil at the call index, is returned instead of the
	// decision at that index.
	Errs []error

	// DecideFunc, when set, overrides the scripted list entirely.
	DecideFunc func(ctx context.Context, req Request) (Decision, error)

	// TextReplies are returned by CompleteText in order.
	TextReplies []string

	// Requests records every Decide request for assertions.
	Requests []Request

	// Prompts records every CompleteText prompt.
	Prompts []string

	decideCalls int
	textCalls   int
}

// Decide returns the next scripted decision.
func (f *FakeOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.DecideFunc != nil {
		return f.DecideFunc(ctx, req)
	}
	i := f.decideCalls
	f.decideCalls++
	if i < len(f.Errs) && f.Errs[i] != nil {
		return Decision{}, f.Errs[i]
	}
	if i >= len(f.Decisions) {
		return Decision{}, errors.ErrOracle(fmt.Errorf("fake oracle has no more scripted decisions"))
	}
	return f.Decisions[i], nil
}

// CompleteText returns the next scripted text reply.
func (f *FakeOracle) CompleteText(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prompts = append(f.Prompts, prompt)
	i := f.textCalls
	f.textCalls++
	if i >= len(f.TextReplies) {
		return "", errors.ErrOracle(fmt.Errorf("fake oracle has no more scripted replies"))
	}
	return f.TextReplies[i], nil
}

// DecideCalls returns how many times Decide was called.
func (f *FakeOracle) DecideCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decideCalls
}

var _ DecisionOracle = (*FakeOracle)(nil)
