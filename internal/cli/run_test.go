package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aardvark/internal/document"
)

// writeNodeConfig writes a key and an in-memory config listening on an
// ephemeral port, and returns the config path.
func writeNodeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "node.key")

	keygen := NewKeygenCommand(&RootOptions{Format: "text"})
	keygen.SetOut(&bytes.Buffer{})
	keygen.SetArgs([]string{"--out", keyPath})
	require.NoError(t, keygen.Execute())

	cfg := "key_path: " + keyPath + "\ntransport:\n  listen: 127.0.0.1:0\nlog:\n  level: error\n"
	path := filepath.Join(dir, "aardvark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func executeRun(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRunRequiresCreateOrJoin(t *testing.T) {
	_, err := executeRun(t, "", "-c", writeNodeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[create join]")
}

func TestRunMissingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aardvark.yaml")
	require.NoError(t, os.WriteFile(path, []byte("key_path: "+filepath.Join(dir, "none.key")+"\n"), 0o644))

	_, err := executeRun(t, "", "-c", path, "--create")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load key")
}

func TestRunInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aardvark.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  operations: mongo\n"), 0o644))

	_, err := executeRun(t, "", "-c", path, "--create")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRunInvalidDocumentID(t *testing.T) {
	_, err := executeRun(t, "", "-c", writeNodeConfig(t), "--join", "zz")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid document id")
}

func TestRunAppliesEditsFromStdin(t *testing.T) {
	out, err := executeRun(t, "i 0 hello\nd 0 1\np\nbogus\ni x y\n", "-c", writeNodeConfig(t), "--create")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "document: "), out)
	assert.Contains(t, out, `+ 0 "hello" (local)`)
	assert.Contains(t, out, "- 0 1 (local)")
	assert.Contains(t, out, "\nello\n")
	assert.Contains(t, out, `error: unknown command "bogus"`)
	assert.Contains(t, out, `error: strconv.Atoi: parsing "x"`)
}

func TestRunNormalisesInput(t *testing.T) {
	out, err := executeRun(t, "i 0 e\u0301\np\nq\ni 0 ignored\n", "-c", writeNodeConfig(t), "--create")
	require.NoError(t, err)

	assert.Contains(t, out, "\n\u00e9\n")
	assert.NotContains(t, out, "ignored")
}

func TestFormatEvent(t *testing.T) {
	insert := document.Event{Kind: document.TextInserted, Pos: 2, Text: "ab", Remote: true}
	remove := document.Event{Kind: document.RangeDeleted, Start: 1, End: 3}

	assert.Equal(t, `+ 2 "ab" (remote)`, formatEvent(insert, "text"))
	assert.Equal(t, "- 1 3 (local)", formatEvent(remove, "text"))

	var line eventLine
	require.NoError(t, json.Unmarshal([]byte(formatEvent(insert, "json")), &line))
	assert.Equal(t, eventLine{Kind: "text-inserted", Pos: 2, Text: "ab", Remote: true}, line)

	require.NoError(t, json.Unmarshal([]byte(formatEvent(remove, "json")), &line))
	assert.Equal(t, "range-deleted", line.Kind)
	assert.Equal(t, 3, line.End)
}
