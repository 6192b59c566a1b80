package workflow

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// maxNestingDepth bounds for_loop nesting.
const maxNestingDepth = 5

// Validate checks a workflow definition: unique labels, known kinds,
// bounded nesting, loop bodies only under for_loop, and compilable
// parameter schemas.
func (d *Definition) Validate() error {
	if len(d.Blocks) == 0 {
		return errors.ErrWorkflowGraphInvalid("workflow has no blocks")
	}
	labels := make(map[string]bool)
	if err := validateBlocks(d.Blocks, labels, 0); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, p := range d.ParameterSchema {
		if p.Key == "" {
			return errors.ErrWorkflowGraphInvalid("parameter with empty key")
		}
		if seen[p.Key] {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("duplicate parameter key %q", p.Key))
		}
		seen[p.Key] = true
		switch p.Kind {
		case ParamWorkflow, ParamContext, ParamOutput, ParamSecret:
		default:
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("parameter %q has unknown kind %q", p.Key, p.Kind))
		}
		if p.Kind == ParamSecret && p.SecretName == "" {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("secret parameter %q has no secret_name", p.Key))
		}
		if len(p.Schema) > 0 {
			if _, err := CompileSchema(p.Schema); err != nil {
				return errors.ErrWorkflowGraphInvalid(
					fmt.Sprintf("parameter %q schema does not compile: %v", p.Key, err))
			}
		}
	}
	return nil
}

func validateBlocks(blocks []Block, labels map[string]bool, depth int) error {
	if depth > maxNestingDepth {
		return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("for_loop nesting exceeds %d levels", maxNestingDepth))
	}
	for i := range blocks {
		b := &blocks[i]
		if b.Label == "" {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("block %d has no label", i))
		}
		if labels[b.Label] {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("duplicate block label %q", b.Label))
		}
		labels[b.Label] = true
		if !IsValidBlockKind(b.Kind) {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("block %q has unknown kind %q", b.Label, b.Kind))
		}
		if b.MaxRetries < 0 {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("block %q has negative max_retries", b.Label))
		}
		if b.Kind == BlockForLoop {
			if len(b.Blocks) == 0 {
				return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("for_loop %q has no nested blocks", b.Label))
			}
			if b.LoopOver == "" {
				return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("for_loop %q has no loop_over", b.Label))
			}
			if err := validateBlocks(b.Blocks, labels, depth+1); err != nil {
				return err
			}
		} else if len(b.Blocks) > 0 {
			return errors.ErrWorkflowGraphInvalid(fmt.Sprintf("block %q is not a for_loop but has nested blocks", b.Label))
		}
	}
	return nil
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// ValidateParameters checks submitted run parameters against the schema:
// required parameters present, secrets not supplied inline, per-parameter
// schemas satisfied. Defaults are applied into the returned map.
func (d *Definition) ValidateParameters(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, p := range d.ParameterSchema {
		switch p.Kind {
		case ParamSecret:
			if _, ok := out[p.Key]; ok {
				return nil, errors.ErrValidation(p.Key, "secret parameters cannot be supplied inline")
			}
			continue
		case ParamOutput:
			continue
		}
		v, ok := out[p.Key]
		if !ok {
			if p.Required {
				return nil, errors.ErrParameterUnbound(p.Key)
			}
			if p.DefaultValue != nil {
				out[p.Key] = p.DefaultValue
			}
			continue
		}
		if len(p.Schema) > 0 {
			sch, err := CompileSchema(p.Schema)
			if err != nil {
				return nil, errors.ErrWorkflowGraphInvalid(fmt.Sprintf("parameter %q schema: %v", p.Key, err))
			}
			if err := sch.Validate(v); err != nil {
				return nil, errors.ErrValidation(p.Key, err.Error())
			}
		}
	}
	return out, nil
}
