package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/variable"
)

// evalExpression evaluates a rendered validation expression: a boolean
// literal, a bare variable name, or a single comparison. No code
// execution, no I/O.
func evalExpression(expr string, vars *variable.RunContext) (bool, error) {
	expr = strings.TrimSpace(expr)
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if i := strings.Index(expr, op); i > 0 {
			left := strings.TrimSpace(expr[:i])
			right := strings.TrimSpace(expr[i+len(op):])
			return compare(resolveOperand(left, vars), resolveOperand(right, vars), op)
		}
	}
	switch strings.ToLower(expr) {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	}
	return truthy(resolveOperand(expr, vars)), nil
}

// resolveOperand turns an operand into a comparable value: a quoted or
// numeric literal as itself, otherwise a run-context lookup falling back
// to the raw string.
func resolveOperand(s string, vars *variable.RunContext) any {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if vars != nil {
		if v, ok := vars.Get(s); ok {
			return v
		}
	}
	return s
}

func compare(left, right any, op string) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, rs := fmt.Sprintf("%v", left), fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, errors.ErrValidation("expression", fmt.Sprintf("unknown operator %q", op))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// evalCode runs the code block's restricted query language: a JSON path
// expression evaluated against the run-context snapshot. The snapshot is
// read-only and the evaluation has no filesystem or network access.
func evalCode(ctx context.Context, code string, snapshot map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrTimeout("code block")
	}
	doc, err := json.Marshal(snapshot)
	if err != nil {
		return nil, errors.ErrValidation("code", fmt.Sprintf("snapshot not serializable: %v", err))
	}
	res := gjson.GetBytes(doc, strings.TrimSpace(code))
	if !res.Exists() {
		return nil, errors.ErrValidation("code", fmt.Sprintf("expression %q produced no value", code))
	}
	return res.Value(), nil
}
