package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/wrapper"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.addOp("query", nil, "ok", nil)
	r.addRequest("select", nil)
	r.addOp("fetch", nil, "ok", map[string]any{"id": 1})
	r.addOp("fetch", nil, "eof", nil)
	r.addRequest("batch", nil)
	r.addOp("flush", nil, "ok", nil)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "fetch"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "batch", Kind: EventRequest}))
	assert.Error(t, assertTraceContains(trace, Assertion{Action: "batch", Kind: EventOp}))

	err := assertTraceContains(trace, Assertion{Action: "lock"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "[6] op flush ok")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()
	tests := []struct {
		name    string
		actions []string
		kind    string
		wantErr string
	}{
		{"in order", []string{"query", "fetch", "flush"}, "", ""},
		{"requests", []string{"select", "batch"}, EventRequest, ""},
		{"reversed", []string{"flush", "query"}, "", "should be before"},
		{"missing", []string{"query", "lock"}, "", "missing action: lock"},
		{"kind filter", []string{"query", "batch"}, EventOp, "missing action: batch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(trace, Assertion{Actions: tt.actions, Kind: tt.kind})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "fetch", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "lock", Count: 0}))
	err := assertTraceCount(trace, Assertion{Action: "fetch", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestAssertFinalStateAndCache(t *testing.T) {
	ctx := context.Background()
	table := datasource.NewTable([]string{"id", "name"}, []any{1, "one"}, []any{2, "two"})
	source := datasource.NewMemoryTable("t", table, nil)
	w := wrapper.New(source, nil, nil)
	require.NoError(t, w.Query(ctx, nil))
	_, err := w.Fetch(ctx)
	require.NoError(t, err)

	tests := []struct {
		name    string
		a       Assertion
		wantErr string
	}{
		{"row matches", Assertion{Where: map[string]any{"id": 2}, Expect: map[string]any{"name": "two"}}, ""},
		{"numbers by value", Assertion{Where: map[string]any{"id": int64(1)}, Expect: map[string]any{"id": 1.0}}, ""},
		{"value differs", Assertion{Where: map[string]any{"id": 2}, Expect: map[string]any{"name": "deux"}}, "name = two, want deux"},
		{"missing column", Assertion{Where: map[string]any{"id": 2}, Expect: map[string]any{"age": 3}}, "age missing"},
		{"row not found", Assertion{Where: map[string]any{"id": 3}, Expect: map[string]any{"name": "x"}}, "row not found"},
		{"row gone", Assertion{Where: map[string]any{"id": 3}}, ""},
		{"row still there", Assertion{Where: map[string]any{"id": 1}}, "no row in t where id=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, source, tt.a)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	// the probe leaves the wrapper's result set alone
	r, err := w.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Value("id"))

	assert.NoError(t, assertCache(w, Assertion{Column: "id", Values: []any{1, 2}}))
	assert.Error(t, assertCache(w, Assertion{Column: "id", Values: []any{2, 1}}))
	assert.Error(t, assertCache(w, Assertion{Column: "id", Values: []any{1}}))
}

func TestEvaluateAssertions_NeedsContext(t *testing.T) {
	result := NewResult()
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, Where: map[string]any{"id": 1}},
		{Type: AssertCache, Column: "id"},
		{Type: "bogus"},
	}, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "requires a data source")
	assert.Contains(t, errs[1], "requires a wrapper")
	assert.Contains(t, errs[2], "unknown assertion type")
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(nil, nil))
	assert.False(t, valuesEqual(nil, 0))
	assert.True(t, valuesEqual(int64(3100), 3100))
	assert.True(t, valuesEqual("a", "a"))
	assert.False(t, valuesEqual("a", 1))
	assert.True(t, valuesEqual([]any{1}, []any{1}))
}
