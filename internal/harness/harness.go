package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wrapper"
)

// Harness runs one scenario: a wrapper over the scenario's data source.
type Harness struct {
	scenario *Scenario
	backend  *backend
	wrapper  *wrapper.Wrapper
	result   *Result
	logger   *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger logs data source and gateway activity to logger. Logs are
// discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh backend: a memory table seeded from
// the scenario, or a gateway over a new demo database. An error means the
// scenario could not run; failed expectations are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		result:   NewResult(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	ctx := context.Background()
	b, err := openBackend(ctx, scenario, h.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	defer b.close(ctx)
	h.backend = b
	h.wrapper = wrapper.New(b.source, nil, h.logger)

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Op, err)
		}
		b.drain(h.result)
	}

	actx := &AssertionContext{Ctx: ctx, Source: b.source, Wrapper: h.wrapper}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// execute runs one step. Failing operations are part of the trace; only
// scenario mistakes (bad index, bad filter) are returned.
func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	w := h.wrapper
	index := step.Index
	var outcome string
	var values map[string]any

	switch step.Op {
	case "query":
		where, err := buildFilter(step.Where)
		if err != nil {
			return err
		}
		outcome = outcomeOf(w.Query(ctx, where))

	case "fetch":
		n := max(step.Count, 1)
		for j := 0; j < n; j++ {
			r, err := w.Fetch(ctx)
			switch {
			case err != nil:
				outcome = outcomeOf(err)
			case r == nil:
				outcome = "eof"
			default:
				outcome = "ok"
				values = r.Values()
			}
			if j < n-1 {
				h.result.addOp(step.Op, nil, outcome, values)
				values = nil
			}
		}
		h.result.addOp(step.Op, nil, outcome, values)
		return h.check(i, step, outcome, index)

	case "prefetch":
		_, err := w.Prefetch(ctx, step.Offset, step.Count)
		outcome = outcomeOf(err)

	case "set":
		r, err := h.record(index)
		if err != nil {
			return err
		}
		for _, c := range sortedKeys(step.Values) {
			r.SetValue(c, step.Values[c])
		}
		outcome, values = "ok", step.Values

	case "create":
		r := w.Create(nil, false)
		for _, c := range sortedKeys(step.Values) {
			r.SetValue(c, step.Values[c])
		}
		index = w.Position() - 1
		outcome, values = "ok", step.Values

	case "insert", "update", "delete", "lock", "refresh":
		r, err := h.record(index)
		if err != nil {
			return err
		}
		var ok bool
		switch step.Op {
		case "insert":
			ok = w.Insert(ctx, r)
		case "update":
			ok = w.Update(ctx, r)
		case "delete":
			ok = w.Delete(ctx, r)
		case "lock":
			ok = w.Lock(ctx, r)
		case "refresh":
			ok = w.Refresh(ctx, r)
		}
		outcome = boolOutcome(ok)
		if step.Op != "delete" {
			values = r.Values()
		}

	case "flush":
		_, err := w.Flush(ctx)
		outcome = outcomeOf(err)

	case "clear":
		w.Clear(ctx)
		outcome = "ok"

	case "commit", "rollback":
		conn := h.backend.conn
		resp := conn.Commit(ctx)
		if step.Op == "rollback" {
			resp = conn.Rollback(ctx)
		}
		outcome = boolOutcome(resp.Success)

	case "concurrent":
		if err := h.backend.concurrent(ctx, h.scenario.Source.Table, step.Key, step.Values); err != nil {
			return err
		}
		outcome, values = "ok", step.Values

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	var at *int
	if usesIndex(step.Op) {
		at = &index
	}
	h.result.addOp(step.Op, at, outcome, values)
	h.logger.Info("flow step completed", "step", i, "op", step.Op, "outcome", outcome)
	return h.check(i, step, outcome, index)
}

func (h *Harness) record(i int) (*record.Record, error) {
	r := h.wrapper.Get(i)
	if r == nil {
		return nil, fmt.Errorf("no record at index %d (cache holds %d)", i, h.wrapper.Length())
	}
	return r, nil
}

// check evaluates the step's expect clause. Values are matched against
// the record at index.
func (h *Harness) check(i int, step Step, outcome string, index int) error {
	e := step.Expect
	if e == nil {
		return nil
	}
	w := h.wrapper
	fail := func(format string, args ...any) {
		h.result.AddError(fmt.Sprintf("flow[%d] (%s): ", i, step.Op) + fmt.Sprintf(format, args...))
	}

	if e.OK != nil && *e.OK != (outcome == "ok" || outcome == "eof") {
		fail("expected ok=%v, got %s", *e.OK, outcome)
	}
	if e.Error != "" && e.Error != outcome {
		fail("expected error %s, got %s", e.Error, outcome)
	}
	if e.Length != nil && *e.Length != w.Length() {
		fail("expected cache length %d, got %d", *e.Length, w.Length())
	}
	if e.Eof != nil && *e.Eof != w.Eof() {
		fail("expected eof=%v, got %v", *e.Eof, w.Eof())
	}
	if e.Dirty != nil && *e.Dirty != len(w.Dirty()) {
		fail("expected %d dirty records, got %d", *e.Dirty, len(w.Dirty()))
	}
	if len(e.Values) > 0 {
		r := w.Get(index)
		if r == nil {
			fail("no record at index %d", index)
			return nil
		}
		if diff := subsetDiff(r.Values(), e.Values); diff != "" {
			fail("record %d: %s", index, diff)
		}
	}
	return nil
}

func usesIndex(op string) bool {
	switch op {
	case "set", "create", "insert", "update", "delete", "lock", "refresh":
		return true
	}
	return false
}

func boolOutcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// outcomeOf names the category of a data source error.
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var de *datasource.Error
	if errors.As(err, &de) {
		return strings.ToLower(string(de.Code))
	}
	if errors.Is(err, wrapper.ErrRejected) {
		return "rejected"
	}
	return "failed"
}

// buildFilter turns scenario conditions into a filter structure.
func buildFilter(conds []Condition) (*filter.Structure, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	where := filter.NewStructure()
	for i, c := range conds {
		p, err := filter.New(filter.Op(strings.ToLower(c.Op)), c.Column)
		if err != nil {
			return nil, fmt.Errorf("where[%d]: %w", i, err)
		}
		if list, ok := c.Value.([]any); ok {
			p.SetConstraint(list...)
		} else if c.Value != nil {
			p.SetConstraint(c.Value)
		}
		join, err := filter.ParseCombinator(c.Join)
		if err != nil {
			return nil, fmt.Errorf("where[%d]: join %q: %w", i, c.Join, err)
		}
		if join == filter.Or {
			where.Or(p, "")
		} else {
			where.And(p, "")
		}
	}
	return where, nil
}
