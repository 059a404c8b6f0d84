package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
source:
  name: dept
  columns: [deptno, dname]
  rows:
    - [10, ACCOUNTING]
flow:
  - op: query
    where:
      - {column: deptno, op: "=", value: 10}
  - op: fetch
    expect: {ok: true, length: 1}
assertions:
  - type: trace_contains
    action: fetch
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, BackendMemory, scenario.Backend)
	assert.Equal(t, []string{"deptno", "dname"}, scenario.Source.Columns)
	assert.Equal(t, []any{10, "ACCOUNTING"}, scenario.Source.Rows[0])
	require.Len(t, scenario.Flow, 2)
	assert.Equal(t, "=", scenario.Flow[0].Where[0].Op)
	assert.Equal(t, 10, scenario.Flow[0].Where[0].Value)
	require.NotNil(t, scenario.Flow[1].Expect.Length)
	assert.Equal(t, 1, *scenario.Flow[1].Expect.Length)
	assert.Nil(t, scenario.Flow[1].Expect.Eof)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		_, err := LoadScenario(f)
		assert.NoError(t, err, f)
	}
}

func TestParseScenario_Invalid(t *testing.T) {
	const source = "source:\n  name: t\n  columns: [id]\n"
	const flow = "flow:\n  - op: query\n"
	const asserts = "assertions:\n  - type: trace_contains\n    action: query\n"
	const head = "name: n\ndescription: d\n"

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", head + source + flow + asserts + "assertion: []\n", "field assertion not found"},
		{"missing name", "description: d\n" + source + flow + asserts, "name is required"},
		{"missing description", "name: n\n" + source + flow + asserts, "description is required"},
		{"missing source name", head + "source:\n  columns: [id]\n" + flow + asserts, "source.name is required"},
		{"memory without columns", head + "source:\n  name: t\n" + flow + asserts, "source.columns"},
		{"long row", head + source + "  rows: [[1, 2]]\n" + flow + asserts, "source.rows[0]"},
		{"unknown backend", head + "backend: ldap\n" + source + flow + asserts, "unknown backend"},
		{"gateway without table", head + "backend: gateway\nsource:\n  name: t\n" + flow + asserts, "source.table is required"},
		{"gateway query without sql", head + "backend: gateway\nsource:\n  name: t\n  kind: query\n" + flow + asserts, "source.sql is required"},
		{"gateway unknown kind", head + "backend: gateway\nsource:\n  name: t\n  kind: view\n" + flow + asserts, "unknown kind"},
		{"empty flow", head + source + "flow: []\n" + asserts, "flow list is required"},
		{"empty assertions", head + source + flow + "assertions: []\n", "assertions list is required"},
		{"unknown op", head + source + "flow:\n  - op: jump\n" + asserts, `unknown op "jump"`},
		{"commit on memory", head + source + "flow:\n  - op: commit\n" + asserts, "needs the gateway backend"},
		{"set without values", head + source + "flow:\n  - op: set\n" + asserts, "values are required"},
		{"concurrent without key", head + source + "flow:\n  - op: concurrent\n    values: {id: 1}\n" + asserts, "key and values"},
		{"memory composite key", head + source + "flow:\n  - op: concurrent\n    key: {a: 1, b: 2}\n    values: {id: 1}\n" + asserts, "one column"},
		{"negative index", head + source + "flow:\n  - op: lock\n    index: -1\n" + asserts, "index must be non-negative"},
		{"condition without op", head + source + "flow:\n  - op: query\n    where: [{column: id}]\n" + asserts, "column and op are required"},
		{"unknown error", head + source + "flow:\n  - op: flush\n    expect: {error: boom}\n" + asserts, `unknown error "boom"`},
		{"assertion without type", head + source + flow + "assertions:\n  - action: query\n", "type is required"},
		{"unknown assertion", head + source + flow + "assertions:\n  - type: vibes\n", "unknown assertion type"},
		{"order without actions", head + source + flow + "assertions:\n  - type: trace_order\n", "actions list is required"},
		{"count without action", head + source + flow + "assertions:\n  - type: trace_count\n", "action is required"},
		{"negative count", head + source + flow + "assertions:\n  - type: trace_count\n    action: query\n    count: -1\n", "count must be non-negative"},
		{"final state without where", head + source + flow + "assertions:\n  - type: final_state\n", "where is required"},
		{"cache without column", head + source + flow + "assertions:\n  - type: cache\n", "column is required"},
		{"unknown kind", head + source + flow + "assertions:\n  - type: trace_contains\n    action: query\n    kind: event\n", "unknown event kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
