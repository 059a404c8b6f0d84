package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wrapper"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", event.Seq, event.Type, event.Action, event.Outcome)
		}
	}
	return buf.String()
}

// matches reports whether event is an occurrence of action, restricted to
// kind when set.
func matches(event TraceEvent, action, kind string) bool {
	if kind != "" && event.Type != kind {
		return false
	}
	return event.Action == action
}

// assertTraceContains checks that the trace holds the action.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matches(event, assertion.Action, assertion.Kind) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s", assertion.Action),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// first position of each expected action, 1-indexed
	positions := make(map[string]int)
	for i, event := range trace {
		for _, expected := range assertion.Actions {
			if matches(event, expected, assertion.Kind) && positions[expected] == 0 {
				positions[expected] = i + 1
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev, curr := assertion.Actions[i-1], assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, assertion.Action, assertion.Kind) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState queries a clone of the source for the row selected by
// where and subset-matches it. An empty expect asserts there is no such
// row.
func assertFinalState(ctx context.Context, source datasource.DataSource, assertion Assertion) error {
	where := filter.NewStructure()
	for _, k := range sortedKeys(assertion.Where) {
		where.And(filter.Equals(k).SetConstraint(assertion.Where[k]), "")
	}

	probe := source.Clone()
	defer probe.CloseCursor(ctx)
	if err := probe.Query(ctx, where); err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s", source.Name()),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	page, err := probe.Fetch(ctx)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("fetch %s", source.Name()),
			Actual:   fmt.Sprintf("fetch error: %v", err),
		}
	}

	desc := formatWhereClause(assertion.Where)
	if len(assertion.Expect) == 0 {
		if len(page) > 0 {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("no row in %s where %s", source.Name(), desc),
				Actual:   fmt.Sprintf("found %s", page[0]),
			}
		}
		return nil
	}
	if len(page) == 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", source.Name(), desc),
			Actual:   "row not found",
		}
	}
	if diff := subsetDiff(page[0].Values(), assertion.Expect); diff != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s to match", source.Name(), desc),
			Actual:   diff,
		}
	}
	return nil
}

// assertCache compares one column of the cache, in order.
func assertCache(w *wrapper.Wrapper, assertion Assertion) error {
	actual := make([]any, w.Length())
	for i := range actual {
		actual[i] = w.Get(i).Value(assertion.Column)
	}
	equal := len(actual) == len(assertion.Values)
	for i := 0; equal && i < len(actual); i++ {
		equal = valuesEqual(actual[i], assertion.Values[i])
	}
	if !equal {
		return &AssertionError{
			Type:     AssertCache,
			Expected: fmt.Sprintf("%s = %v", assertion.Column, assertion.Values),
			Actual:   fmt.Sprintf("%s = %v", assertion.Column, actual),
		}
	}
	return nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// subsetDiff describes the expected values actual does not hold; empty
// when all match. Extra keys in actual are ignored.
func subsetDiff(actual, expected map[string]any) string {
	var diffs []string
	for _, k := range sortedKeys(expected) {
		got, ok := actual[strings.ToLower(k)]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s missing", k))
		case !valuesEqual(got, expected[k]):
			diffs = append(diffs, fmt.Sprintf("%s = %s, want %s", k, record.Format(got), record.Format(expected[k])))
		}
	}
	sort.Strings(diffs)
	return strings.Join(diffs, "; ")
}

// valuesEqual compares a data source value with a YAML value. Numbers
// compare by value whatever their Go type.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if c, ok := filter.Compare(actual, expected); ok {
		return c == 0
	}
	return reflect.DeepEqual(actual, expected)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Source  datasource.DataSource
	Wrapper *wrapper.Wrapper
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Source == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a data source", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Source, assertion)
			}
		case AssertCache:
			if actx == nil || actx.Wrapper == nil {
				err = fmt.Errorf("assertion[%d]: cache requires a wrapper", i)
			} else {
				err = assertCache(actx.Wrapper, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
