package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/variable"
)

func TestEvalExpression(t *testing.T) {
	t.Parallel()

	vars := variable.NewRunContext(map[string]any{
		"count":  float64(5),
		"name":   "ada",
		"empty":  "",
		"flag":   true,
		"items":  []any{"a"},
		"nobody": nil,
	})

	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{"false", false},
		{"", false},
		{"5 >= 3", true},
		{"5 < 3", false},
		{"count == 5", true},
		{"count != 5", false},
		{"count > 10", false},
		{"name == 'ada'", true},
		{`name == "bob"`, false},
		{"name != 'bob'", true},
		{"flag", true},
		{"empty", false},
		{"items", true},
		{"nobody", false},
		// Unknown names fall back to the raw string, which is truthy.
		{"something_else", true},
	}
	for _, tt := range tests {
		got, err := evalExpression(tt.expr, vars)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvalExpression_MixedTypeComparison(t *testing.T) {
	t.Parallel()

	vars := variable.NewRunContext(map[string]any{"status": "completed"})

	// Numeric parsing fails, so both sides compare as strings.
	got, err := evalExpression("status == 'completed'", vars)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = evalExpression("'10' == 10", vars)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalCode_QueriesSnapshot(t *testing.T) {
	t.Parallel()

	snapshot := map[string]any{
		"order": map[string]any{
			"id":    "ord_1",
			"items": []any{"widget", "gadget"},
		},
		"count": float64(2),
	}

	out, err := evalCode(context.Background(), "order.id", snapshot)
	require.NoError(t, err)
	assert.Equal(t, "ord_1", out)

	out, err = evalCode(context.Background(), "order.items.1", snapshot)
	require.NoError(t, err)
	assert.Equal(t, "gadget", out)

	out, err = evalCode(context.Background(), "order.items.#", snapshot)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out)
}

func TestEvalCode_MissingPath(t *testing.T) {
	t.Parallel()

	_, err := evalCode(context.Background(), "nothing.here", map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestEvalCode_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := evalCode(ctx, "a", map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
}
