package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func lint(t *testing.T, path string) error {
	t.Helper()
	cmd := newWorkflowLintCmd()
	cmd.SetArgs([]string{path})
	return cmd.Execute()
}

func TestWorkflowLint_ValidYAML(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "wf.yaml", `
blocks:
  - label: open_page
    block_type: goto_url
    inputs:
      url: https://example.test
  - label: grab_rows
    block_type: extraction
    inputs:
      data_extraction_goal: collect the table rows
parameters:
  - key: city
    parameter_type: workflow_parameter
    required: true
`)
	require.NoError(t, lint(t, path))
}

func TestWorkflowLint_ValidJSON(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "wf.json", `{
  "blocks": [
    {"label": "wait_a_bit", "block_type": "wait", "inputs": {"seconds": 2}}
  ]
}`)
	require.NoError(t, lint(t, path))
}

func TestWorkflowLint_InvalidGraph(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "wf.yaml", `
blocks:
  - label: step
    block_type: wait
  - label: step
    block_type: wait
`)
	err := lint(t, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestWorkflowLint_UnknownBlockKind(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "wf.yaml", `
blocks:
  - label: step
    block_type: teleport
`)
	err := lint(t, path)
	require.Error(t, err)
}

func TestWorkflowLint_UnparseableFile(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, "wf.yaml", "blocks: [\x00")
	err := lint(t, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestWorkflowLint_MissingFile(t *testing.T) {
	t.Parallel()

	err := lint(t, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
