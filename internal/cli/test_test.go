package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const soloScenario = `
name: solo
description: "One author types alone"
peers: [alice]
flow:
  - peer: alice
    create: true
  - peer: alice
    insert: { pos: 0, text: "hi" }
  - sync: true
assertions:
  - type: text
    peer: alice
    expect: "%s"
`

func writeScenario(t *testing.T, dir, name, expect string) {
	t.Helper()
	content := fmt.Sprintf(soloScenario, expect)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0644))
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "solo", "hi")

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ solo")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "solo", "bye")

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	assert.Equal(t, 1, response.Data.Failed)
	require.Len(t, response.Data.Scenarios, 1)
	got := response.Data.Scenarios[0]
	assert.False(t, got.Pass)
	assert.Equal(t, map[string]string{"alice": "hi"}, got.Texts)
	assert.True(t, got.Converged)
	assert.Equal(t, GoldenNone, got.Golden)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], `want "bye"`)
}

func TestTestCommandFailingScenarioListsTexts(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "solo", "bye")

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ solo\n")
	assert.Contains(t, out, `    alice: "hi"`)
	assert.NotContains(t, out, "peers diverged")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
	assert.NotContains(t, out, "All scenarios passed")
}

func TestTestCommandGoldenStateJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "solo", "hi")

	decode := func(out string) ScenarioResult {
		var response struct {
			Status string     `json:"status"`
			Data   TestResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &response))
		assert.Equal(t, "ok", response.Status)
		require.Len(t, response.Data.Scenarios, 1)
		return response.Data.Scenarios[0]
	}

	out, err := executeTest(t, "json", dir, "--update")
	require.NoError(t, err)
	assert.Equal(t, GoldenUpdated, decode(out).Golden)

	out, err = executeTest(t, "json", dir)
	require.NoError(t, err)
	assert.Equal(t, GoldenMatch, decode(out).Golden)
}

func TestTestCommandGoldenLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "solo", "hi")

	out, err := executeTest(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	golden, err := os.ReadFile(goldenFilePath(filepath.Join(dir, "solo.yaml")))
	require.NoError(t, err)
	assert.Contains(t, string(golden), "scenario: solo\n")
	assert.Contains(t, string(golden), `alice insert 0 "hi"`)

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenFilePath(filepath.Join(dir, "solo.yaml")), []byte("scenario: solo\n"), 0644))
	out, err = executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace differs from solo.golden")
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0644))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "load: invalid scenario: description is required")
}

func TestTestHelpText(t *testing.T) {
	out, err := executeTest(t, "text", "--help")
	require.NoError(t, err)

	assert.Contains(t, out, "editing-session")
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "scenarios-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "late-joiner.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "late-prune.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "two-peers.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "late-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	for _, f := range files {
		base := filepath.Base(f)
		assert.True(t, len(base) >= 5 && base[:5] == "late-", "Expected file to start with 'late-': %s", f)
	}
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestGoldenFilePath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"/path/to/scenario.yaml", "/path/to/golden/scenario.golden"},
		{"/path/to/scenario.yml", "/path/to/golden/scenario.golden"},
		{"scenarios/test.yaml", "scenarios/golden/test.golden"},
	}

	for _, tc := range testCases {
		result := goldenFilePath(tc.input)
		assert.Equal(t, tc.expected, result)
	}
}

func TestConverged(t *testing.T) {
	assert.True(t, converged(nil))
	assert.True(t, converged(map[string]string{"alice": "x"}))
	assert.True(t, converged(map[string]string{"alice": "x", "bob": "x"}))
	assert.False(t, converged(map[string]string{"alice": "x", "bob": "y"}))
	assert.False(t, converged(map[string]string{"alice": "", "bob": "y"}))
}

func TestCheckGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "solo.golden")

	state, err := checkGolden(path, []byte("trace\n"), false)
	require.NoError(t, err)
	assert.Equal(t, GoldenNone, state)

	state, err = checkGolden(path, []byte("trace\n"), true)
	require.NoError(t, err)
	assert.Equal(t, GoldenUpdated, state)

	state, err = checkGolden(path, []byte("trace\n"), false)
	require.NoError(t, err)
	assert.Equal(t, GoldenMatch, state)

	state, err = checkGolden(path, []byte("other\n"), false)
	require.Error(t, err)
	assert.Equal(t, GoldenMismatch, state)
}
