// Package variable provides the per-run parameter registry: typed values,
// block outputs, secrets and the scope stack used by for_loop blocks.
package variable

import (
	"fmt"
	"sync"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// RunContext holds the parameter values of one workflow run. Values are
// write-once per name; block outputs may be rewritten only by their owning
// block on retry. Scopes are stack-structured: a for_loop pushes a frame
// with its loop variables and resolution searches top-down.
type RunContext struct {
	mu      sync.RWMutex
	frames  []map[string]any
	owners  map[string]string
	secrets map[string]string
}

// Loop variable names bound in a for_loop child scope.
const (
	CurrentItem  = "current_item"
	CurrentIndex = "current_index"
	ParentOutput = "parent_output"
)

// NewRunContext creates a run context seeded with the given root values.
func NewRunContext(values map[string]any) *RunContext {
	root := make(map[string]any, len(values))
	for k, v := range values {
		root[k] = v
	}
	return &RunContext{
		frames:  []map[string]any{root},
		owners:  make(map[string]string),
		secrets: make(map[string]string),
	}
}

// Get resolves a name, searching scope frames top-down.
func (rc *RunContext) Get(name string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	for i := len(rc.frames) - 1; i >= 0; i-- {
		if v, ok := rc.frames[i][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes a value into the current frame. Names are write-once; a
// second write is rejected.
func (rc *RunContext) Set(name string, value any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	top := rc.frames[len(rc.frames)-1]
	if _, ok := top[name]; ok {
		return errors.ErrValidation(name, "parameter is write-once")
	}
	top[name] = value
	return nil
}

// SetOutput records a block output under name. Unlike Set, the owning
// block may rewrite its own output on retry; any other writer is rejected.
func (rc *RunContext) SetOutput(name, ownerLabel string, value any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if owner, ok := rc.owners[name]; ok && owner != ownerLabel {
		return errors.ErrValidation(name,
			fmt.Sprintf("output is owned by block %q", owner))
	}
	rc.owners[name] = ownerLabel
	rc.frames[len(rc.frames)-1][name] = value
	return nil
}

// PushFrame pushes a scope frame with the given bindings.
func (rc *RunContext) PushFrame(bindings map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	frame := make(map[string]any, len(bindings))
	for k, v := range bindings {
		frame[k] = v
	}
	rc.frames = append(rc.frames, frame)
}

// PopFrame pops the top scope frame. The root frame is never popped.
func (rc *RunContext) PopFrame() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.frames) > 1 {
		rc.frames = rc.frames[:len(rc.frames)-1]
	}
}

// RegisterSecret binds a secret value under name. Secrets resolve through
// Secret, never through Get, and are registered with the log redactor.
func (rc *RunContext) RegisterSecret(name, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.secrets[name] = value
}

// Secret returns a secret value by name.
func (rc *RunContext) Secret(name string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.secrets[name]
	return v, ok
}

// SecretValues returns the registered secret values for redaction.
func (rc *RunContext) SecretValues() []string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make([]string, 0, len(rc.secrets))
	for _, v := range rc.secrets {
		out = append(out, v)
	}
	return out
}

// Snapshot returns a flattened read-only copy of all visible values,
// innermost scope winning. Used by the code block evaluator.
func (rc *RunContext) Snapshot() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any)
	for _, frame := range rc.frames {
		for k, v := range frame {
			out[k] = v
		}
	}
	return out
}
