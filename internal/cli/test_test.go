package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenarioTestdata = filepath.Join("..", "harness", "testdata")

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	// the root command silences these for its subcommands
	cmd.SilenceUsage, cmd.SilenceErrors = true, true
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// copyScenario copies a scenario, and its golden file when withGolden is
// set, into a fresh scenarios directory.
func copyScenario(t *testing.T, name string, withGolden bool) string {
	t.Helper()
	dir := t.TempDir()
	data, err := os.ReadFile(filepath.Join(scenarioTestdata, "scenarios", name+".yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), data, 0o644))
	if withGolden {
		golden, err := os.ReadFile(filepath.Join(scenarioTestdata, "golden", name+".golden"))
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", name+".golden"), golden, 0o644))
	}
	return dir
}

func TestTest_AllScenariosPass(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join(scenarioTestdata, "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ dept_paging")
	assert.Contains(t, out, "✓ emp_gateway")
	assert.Contains(t, out, "Test Summary: 5 passed, 0 failed, 5 total")
}

func TestTest_FilterJSON(t *testing.T) {
	out, err := runTestCmd(t, "json", filepath.Join(scenarioTestdata, "scenarios"), "--filter", "dept_*")
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, 3, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.Contains(t, s.Name, "dept_")
	}
}

func TestTest_NoScenarios(t *testing.T) {
	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTest_MissingDirectory(t *testing.T) {
	_, err := runTestCmd(t, "text", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_GoldenMatchesHarness(t *testing.T) {
	dir := copyScenario(t, "dept_paging", true)
	out, err := runTestCmd(t, "text", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ dept_paging")
}

func TestTest_UpdateThenMismatch(t *testing.T) {
	dir := copyScenario(t, "dept_update", false)
	golden := filepath.Join(dir, "golden", "dept_update.golden")

	out, err := runTestCmd(t, "text", dir, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(golden updated)")
	require.FileExists(t, golden)

	_, err = runTestCmd(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	out, err = runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: bad\nflow:\n  - op: teleport\n"), 0o644))

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
