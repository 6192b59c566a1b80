package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStructured_JSON(t *testing.T) {
	t.Parallel()

	out := parseStructured([]byte(`  {"total": 3, "items": ["a"]}`))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), m["total"])

	out = parseStructured([]byte(`[1, 2, 3]`))
	arr, ok := out.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 3)
}

func TestParseStructured_CSV(t *testing.T) {
	t.Parallel()

	out := parseStructured([]byte("name,age\nada,36\ngrace,45\n"))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	rows, ok := m["rows"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, "ada", rows[0]["name"])
	assert.Equal(t, "45", rows[1]["age"])
}

func TestParseStructured_PlainText(t *testing.T) {
	t.Parallel()

	out := parseStructured([]byte("just a note"))
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "just a note", m["text"])

	// A single line with commas but no newline is not CSV.
	out = parseStructured([]byte("a,b,c"))
	m = out.(map[string]any)
	assert.Equal(t, "a,b,c", m["text"])
}

func TestExtractPDFText(t *testing.T) {
	t.Parallel()

	pdf := []byte("%PDF-1.4\n" +
		"1 0 obj << /Type /Page >> endobj\n" +
		"2 0 obj << /Type /Page >> endobj\n" +
		"stream\nBT (Hello) Tj (World) Tj ET\nendstream\n" +
		"stream\nBT (Second \\(page\\)) Tj ET\nendstream\n")

	text, pages := extractPDFText(pdf)
	assert.Equal(t, 2, pages)
	assert.Equal(t, "Hello World Second (page)", text)
}

func TestExtractPDFText_NoTextObjects(t *testing.T) {
	t.Parallel()

	text, pages := extractPDFText([]byte("%PDF-1.4\n1 0 obj << /Type/Page >> endobj\n"))
	assert.Equal(t, 1, pages)
	assert.Empty(t, text)
}

func TestTextRuns_Escapes(t *testing.T) {
	t.Parallel()

	runs := textRuns([]byte(`BT (line\none) Tj (tab\there) Tj (lit\\eral) Tj ET`))
	require.Len(t, runs, 3)
	assert.Equal(t, "line\none", runs[0])
	assert.Equal(t, "tab\there", runs[1])
	assert.Equal(t, `lit\eral`, runs[2])
}
