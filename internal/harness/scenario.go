package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted session against one data source: a flow of
// wrapper operations followed by assertions on the trace, the cache and
// the backend's final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend is "memory" (default) or "gateway".
	Backend string `yaml:"backend,omitempty"`

	// Scope is the gateway session scope (stateless, transactional).
	Scope string `yaml:"scope,omitempty"`

	// Setup holds SQL statements run on the gateway database before the
	// flow.
	Setup []string `yaml:"setup,omitempty"`

	Source SourceSpec `yaml:"source"`

	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// SourceSpec configures the data source under test.
type SourceSpec struct {
	Name string `yaml:"name"`

	// Kind is the gateway source variant: table (default), query, rest.
	Kind string `yaml:"kind,omitempty"`

	// Table is the backend table. It is also the table changed by
	// concurrent steps.
	Table string `yaml:"table,omitempty"`

	SQL    string `yaml:"sql,omitempty"`
	Source string `yaml:"source,omitempty"`

	Columns    []string `yaml:"columns,omitempty"`
	PrimaryKey []string `yaml:"primaryKey,omitempty"`
	Sorting    string   `yaml:"sorting,omitempty"`
	ArrayFetch int      `yaml:"arrayfetch,omitempty"`
	Returning  []string `yaml:"returning,omitempty"`

	// Rows seed a memory backend.
	Rows [][]any `yaml:"rows,omitempty"`
}

// Step is one wrapper operation.
type Step struct {
	Op string `yaml:"op"`

	// Index addresses a cached record (set, insert, update, delete, lock,
	// refresh).
	Index int `yaml:"index,omitempty"`

	// Count is the number of fetches (fetch) or rows to prefetch.
	Count int `yaml:"count,omitempty"`

	// Offset is the prefetch offset from the high-water mark.
	Offset int `yaml:"offset,omitempty"`

	// Where filters a query.
	Where []Condition `yaml:"where,omitempty"`

	// Key identifies the backend row a concurrent step changes.
	Key map[string]any `yaml:"key,omitempty"`

	// Values are assigned by set, create and concurrent steps.
	Values map[string]any `yaml:"values,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Condition is one filter entry of a query step.
type Condition struct {
	Column string `yaml:"column"`
	Op     string `yaml:"op"`
	Value  any    `yaml:"value,omitempty"`

	// Join is "and" (default) or "or".
	Join string `yaml:"join,omitempty"`
}

// Expect checks the outcome of a step.
type Expect struct {
	// OK is the boolean outcome of record operations and the error-free
	// outcome of query, fetch and flush.
	OK *bool `yaml:"ok,omitempty"`

	// Error is the expected error category: violation, rejected,
	// transport or misuse.
	Error string `yaml:"error,omitempty"`

	Length *int `yaml:"length,omitempty"`
	Eof    *bool `yaml:"eof,omitempty"`
	Dirty  *int `yaml:"dirty,omitempty"`

	// Values is a subset match on the record at the step's index.
	Values map[string]any `yaml:"values,omitempty"`
}

// Assertion validates the trace, the cache or the backend after the flow.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count,
	// final_state, cache.
	Type string `yaml:"type"`

	// Action names an op or a request action (trace_*).
	Action string `yaml:"action,omitempty"`

	// Kind restricts trace assertions to "op" or "request" events.
	Kind string `yaml:"kind,omitempty"`

	Actions []string `yaml:"actions,omitempty"`
	Count   int      `yaml:"count,omitempty"`

	// Where and Expect select and subset-match a backend row
	// (final_state). An empty Expect asserts the row is gone.
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Column and Values list one column of the cache in order (cache).
	Column string `yaml:"column,omitempty"`
	Values []any  `yaml:"values,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertCache         = "cache"
)

// Backends.
const (
	BackendMemory  = "memory"
	BackendGateway = "gateway"
)

var knownOps = map[string]bool{
	"query": true, "fetch": true, "prefetch": true, "set": true, "create": true,
	"insert": true, "update": true, "delete": true, "lock": true, "refresh": true,
	"flush": true, "clear": true, "commit": true, "rollback": true, "concurrent": true,
}

var knownErrors = map[string]bool{"violation": true, "rejected": true, "transport": true, "misuse": true}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Backend == "" {
		scenario.Backend = BackendMemory
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if err := validateSource(s); err != nil {
		return err
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if !knownOps[step.Op] {
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}
		switch step.Op {
		case "commit", "rollback":
			if s.Backend != BackendGateway {
				return fmt.Errorf("flow[%d]: %s needs the gateway backend", i, step.Op)
			}
		case "set", "create":
			if len(step.Values) == 0 {
				return fmt.Errorf("flow[%d]: values are required for %s", i, step.Op)
			}
		case "concurrent":
			if len(step.Key) == 0 || len(step.Values) == 0 {
				return fmt.Errorf("flow[%d]: key and values are required for concurrent", i)
			}
			if s.Backend == BackendMemory && len(step.Key) != 1 {
				return fmt.Errorf("flow[%d]: memory rows are keyed by one column", i)
			}
		}
		if step.Index < 0 {
			return fmt.Errorf("flow[%d]: index must be non-negative", i)
		}
		for j, c := range step.Where {
			if c.Column == "" || c.Op == "" {
				return fmt.Errorf("flow[%d].where[%d]: column and op are required", i, j)
			}
		}
		if step.Expect != nil && step.Expect.Error != "" && !knownErrors[step.Expect.Error] {
			return fmt.Errorf("flow[%d].expect: unknown error %q", i, step.Expect.Error)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateSource(s *Scenario) error {
	src := s.Source
	if src.Name == "" {
		return fmt.Errorf("source.name is required")
	}
	switch s.Backend {
	case BackendMemory:
		if len(src.Columns) == 0 {
			return fmt.Errorf("source.columns are required for the memory backend")
		}
		for i, row := range src.Rows {
			if len(row) > len(src.Columns) {
				return fmt.Errorf("source.rows[%d]: %d values for %d columns", i, len(row), len(src.Columns))
			}
		}
	case BackendGateway:
		switch src.Kind {
		case "", "table":
			if src.Table == "" {
				return fmt.Errorf("source.table is required")
			}
		case "query":
			if src.SQL == "" {
				return fmt.Errorf("source.sql is required")
			}
		case "rest":
			if src.Source == "" {
				return fmt.Errorf("source.source is required")
			}
		default:
			return fmt.Errorf("source.kind: unknown kind %q", src.Kind)
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	for _, step := range s.Flow {
		if step.Op == "concurrent" && s.Backend == BackendGateway && src.Table == "" {
			return fmt.Errorf("source.table is required for concurrent steps")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
	case AssertCache:
		if a.Column == "" {
			return fmt.Errorf("assertions[%d]: column is required for cache", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Kind != "" && a.Kind != EventOp && a.Kind != EventRequest {
		return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Kind)
	}
	return nil
}
