package variable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

func TestRunContext_GetSearchesFramesTopDown(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(map[string]any{"website": "https://a.test", "shadowed": "root"})

	rc.PushFrame(map[string]any{"shadowed": "loop", CurrentIndex: 0})

	v, ok := rc.Get("shadowed")
	require.True(t, ok)
	assert.Equal(t, "loop", v)

	v, ok = rc.Get("website")
	require.True(t, ok)
	assert.Equal(t, "https://a.test", v)

	_, ok = rc.Get("missing")
	assert.False(t, ok)

	rc.PopFrame()
	v, _ = rc.Get("shadowed")
	assert.Equal(t, "root", v)
}

func TestRunContext_SetIsWriteOnce(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(nil)
	require.NoError(t, rc.Set("name", "first"))

	err := rc.Set("name", "second")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))

	v, _ := rc.Get("name")
	assert.Equal(t, "first", v)
}

func TestRunContext_SetOutputOwnership(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(nil)
	require.NoError(t, rc.SetOutput("login_output", "login", map[string]any{"ok": true}))

	// Owning block may rewrite its output on retry.
	require.NoError(t, rc.SetOutput("login_output", "login", map[string]any{"ok": false}))

	err := rc.SetOutput("login_output", "other_block", "stolen")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `owned by block "login"`)
}

func TestRunContext_RootFrameNeverPopped(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(map[string]any{"keep": 1})
	rc.PopFrame()
	rc.PopFrame()

	v, ok := rc.Get("keep")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRunContext_SecretsInvisibleToGet(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(nil)
	rc.RegisterSecret("password", "hunter2")

	_, ok := rc.Get("password")
	assert.False(t, ok)

	v, ok := rc.Secret("password")
	require.True(t, ok)
	assert.Equal(t, "hunter2", v)

	assert.Equal(t, []string{"hunter2"}, rc.SecretValues())
}

func TestRunContext_SnapshotFlattensInnerWins(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(map[string]any{"a": 1, "b": 2})
	rc.PushFrame(map[string]any{"b": 3, "c": 4})

	snap := rc.Snapshot()
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, snap)
}

func TestRender_Substitution(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(map[string]any{
		"name":  "Ada",
		"items": []any{"a", "b", "c"},
		"count": 7,
	})

	tests := []struct {
		tmpl string
		want string
	}{
		{"hello {{ name }}", "hello Ada"},
		{"{{name}}", "Ada"},
		{"{{ name | upper }}", "ADA"},
		{"{{ name | lower }}", "ada"},
		{"{{ items | length }}", "3"},
		{"{{ items | tojson }}", `["a","b","c"]`},
		{"{{ count }}", "7"},
		{"{{ missing | default:fallback }}", "fallback"},
		{"no placeholders", "no placeholders"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := rc.Render(tt.tmpl, true)
		require.NoError(t, err, tt.tmpl)
		assert.Equal(t, tt.want, got, tt.tmpl)
	}
}

func TestRender_UndefinedVariable(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(nil)

	// Strict mode fails.
	_, err := rc.Render("{{ missing }}", true)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeParameterUnbound))

	// Lenient mode renders empty.
	got, err := rc.Render("[{{ missing }}]", false)
	require.NoError(t, err)
	assert.Equal(t, "[]", got)
}

func TestRender_UnknownFilter(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(map[string]any{"name": "x"})
	_, err := rc.Render("{{ name | reverse }}", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter")
}

func TestRenderInputs_RecursesStructures(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(map[string]any{"url": "https://a.test", "n": 5})

	inputs := map[string]any{
		"target": "{{ url }}/login",
		"nested": map[string]any{"goal": "visit {{ url }}"},
		"list":   []any{"{{ n }}", 42, map[string]any{"k": "{{ url }}"}},
		"number": 3,
	}

	out, err := rc.RenderInputs(inputs, true)
	require.NoError(t, err)
	assert.Equal(t, "https://a.test/login", out["target"])
	assert.Equal(t, "visit https://a.test", out["nested"].(map[string]any)["goal"])

	list := out["list"].([]any)
	assert.Equal(t, "5", list[0])
	assert.Equal(t, 42, list[1])
	assert.Equal(t, "https://a.test", list[2].(map[string]any)["k"])
	assert.Equal(t, 3, out["number"])
}
