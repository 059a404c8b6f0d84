package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func editData(t *testing.T, out string) editResult {
	t.Helper()
	var resp struct {
		Status string     `json:"status"`
		Data   editResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestUpdate_Gateway(t *testing.T) {
	tests := []struct {
		name      string
		scope     string
		lock      bool
		committed bool
	}{
		{"stateless", "stateless", false, false},
		{"transactional", "transactional", false, true},
		{"transactional locked", "transactional", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, newGateway(t), tt.scope)

			args := []string{"--format", "json", "update", dir, "emp", "--where", "deptno=20", "--where", "sal<3000", "--set", "sal=3100"}
			if tt.lock {
				args = append(args, "--lock")
			}
			out, err := execute(t, args...)
			require.NoError(t, err)
			assert.Equal(t, editResult{Action: "updated", Records: 2, Committed: tt.committed}, editData(t, out))

			out, err = execute(t, "--format", "json", "query", dir, "emp", "--where", "sal=3100")
			require.NoError(t, err)
			assert.Equal(t, []string{"SMITH", "JONES"}, column(t, tableData(t, out), "ename"))
		})
	}
}

func TestUpdate_SetNull(t *testing.T) {
	dir := writeConfig(t, newGateway(t), "stateless")

	out, err := execute(t, "update", dir, "people", "--where", "empno=7499", "--set", "comm=null")
	require.NoError(t, err)
	assert.Equal(t, "updated 1 record(s)\n", out)

	out, err = execute(t, "--format", "json", "query", dir, "people", "--where", "comm=null", "--where", "job=SALESMAN")
	require.NoError(t, err)
	assert.Equal(t, []string{"ALLEN"}, column(t, tableData(t, out), "ename"))
}

func TestUpdate_NoMatch(t *testing.T) {
	dir := writeConfig(t, newGateway(t), "stateless")

	out, err := execute(t, "--format", "json", "update", dir, "emp", "--where", "empno=1", "--set", "sal=1")
	require.NoError(t, err)
	assert.Equal(t, 0, editData(t, out).Records)
}

func TestDelete_Gateway(t *testing.T) {
	dir := writeConfig(t, newGateway(t), "transactional")

	out, err := execute(t, "delete", dir, "emp", "--where", "empno=7934")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 record(s), committed\n", out)

	out, err = execute(t, "--format", "json", "query", dir, "emp", "--where", "deptno=10")
	require.NoError(t, err)
	assert.Equal(t, []string{"CLARK", "KING"}, column(t, tableData(t, out), "ename"))
}

func TestDelete_Memory(t *testing.T) {
	dir := writeConfig(t, "http://127.0.0.1:1", "stateless")

	out, err := execute(t, "--format", "json", "delete", dir, "dept", "--where", "deptno>15")
	require.NoError(t, err)
	assert.Equal(t, editResult{Action: "deleted", Records: 2}, editData(t, out))
}

func TestEdit_Errors(t *testing.T) {
	dir := writeConfig(t, "http://127.0.0.1:1", "stateless")

	tests := []struct {
		name string
		args []string
	}{
		{"update without set", []string{"update", dir, "dept", "--where", "deptno=10"}},
		{"update without where", []string{"update", dir, "dept", "--set", "loc=X"}},
		{"delete without where", []string{"delete", dir, "dept"}},
		{"bad assignment", []string{"update", dir, "dept", "--where", "deptno=10", "--set", "=X"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestUpdate_ReadOnlySourceRefused(t *testing.T) {
	gw := newGateway(t)
	dir := writeConfig(t, gw, "stateless")
	appendConfig(t, dir, `datasource: rich: {
	kind:       "query"
	connection: "gw"
	sql:        "select empno, ename, sal from emp"
}
`)

	out, err := execute(t, "update", dir, "rich", "--where", "empno=7369", "--set", "sal=1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E303]")
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"sal=3100", "comm = null", "loc='20'", "dname=R&D"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sal": int64(3100), "comm": nil, "loc": "20", "dname": "R&D"}, got)

	_, err = parseAssignments([]string{"sal"})
	assert.Error(t, err)
}
