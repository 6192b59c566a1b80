package variable

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// tmplPattern matches {{ name }} and {{ name | filter }} and
// {{ name | default:fallback }} placeholders. The renderer is a closed
// substitution language: no expressions, no code execution, no I/O.
var tmplPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*(?:\|\s*([a-z]+)(?::([^}]*))?\s*)?\}\}`)

// Render substitutes {{name}} placeholders with run-context values. In
// strict mode an undefined variable fails rendering; otherwise it renders
// empty (or the default filter's fallback).
func (rc *RunContext) Render(template string, strict bool) (string, error) {
	if template == "" || !strings.Contains(template, "{{") {
		return template, nil
	}
	var renderErr error
	out := tmplPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := tmplPattern.FindStringSubmatch(match)
		name, filter, arg := groups[1], groups[2], strings.TrimSpace(groups[3])

		value, ok := rc.Get(name)
		if !ok {
			if filter == "default" {
				return arg
			}
			if strict {
				renderErr = errors.ErrParameterUnbound(name)
			}
			return ""
		}
		rendered, err := applyFilter(value, filter, arg)
		if err != nil {
			renderErr = errors.ErrValidation(name, err.Error())
			return ""
		}
		return rendered
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// applyFilter applies one of the closed filter set. Empty filter is
// identity.
func applyFilter(value any, filter, arg string) (string, error) {
	switch filter {
	case "", "identity":
		return stringify(value), nil
	case "upper":
		return strings.ToUpper(stringify(value)), nil
	case "lower":
		return strings.ToLower(stringify(value)), nil
	case "trim":
		return strings.TrimSpace(stringify(value)), nil
	case "tojson":
		b, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("tojson: %v", err)
		}
		return string(b), nil
	case "length":
		return fmt.Sprintf("%d", lengthOf(value)), nil
	case "default":
		s := stringify(value)
		if s == "" {
			return arg, nil
		}
		return s, nil
	default:
		return "", fmt.Errorf("unknown filter %q", filter)
	}
}

// stringify renders a value for substitution: strings as-is, scalars via
// fmt, everything else as JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func lengthOf(value any) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case nil:
		return 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	default:
		return len(stringify(value))
	}
}

// RenderInputs renders every string-typed value of a block's input map,
// recursing through nested maps and slices. Non-string values pass
// through untouched.
func (rc *RunContext) RenderInputs(inputs map[string]any, strict bool) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		rendered, err := rc.renderValue(v, strict)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (rc *RunContext) renderValue(v any, strict bool) (any, error) {
	switch val := v.(type) {
	case string:
		return rc.Render(val, strict)
	case map[string]any:
		return rc.RenderInputs(val, strict)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := rc.renderValue(item, strict)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
