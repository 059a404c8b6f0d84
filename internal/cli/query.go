package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formsql/internal/config"
	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/filter"
	"github.com/roach88/formsql/internal/gateway"
	"github.com/roach88/formsql/internal/wrapper"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Where   []string
	Or      bool
	Sorting string
	Limit   int
	All     bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <config-dir> <datasource>",
		Short: "Query a configured data source",
		Long: `Query a data source declared in a CUE configuration and print the
rows as a table.

Conditions are column, operator and value: =, !=, <, <=, >, >= or ~ (like).
The value null matches missing values.

Examples:
  formsql query ./config emp
  formsql query ./config emp --where "sal>2900" --sorting "sal desc"
  formsql query ./config dept --where "loc=null" --all --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Where, "where", "w", nil, "condition as column<op>value (repeatable)")
	cmd.Flags().BoolVar(&opts.Or, "or", false, "join conditions with or instead of and")
	cmd.Flags().StringVar(&opts.Sorting, "sorting", "", "order by clause, overrides the configured sorting")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum rows to print")
	cmd.Flags().BoolVar(&opts.All, "all", false, "print every row")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, dir, name string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	where, err := buildWhere(opts.Where, opts.Or)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid condition", err)
	}

	o, err := openSource(ctx, opts.RootOptions, dir, name)
	if err != nil {
		return err
	}
	defer o.close(ctx)

	if opts.Sorting != "" {
		o.source.SetSorting(opts.Sorting)
	}
	w := wrapper.New(o.source, nil, opts.logger())
	if err := w.Query(ctx, where); err != nil {
		_ = formatter.Error("E301", err.Error(), nil)
		return WrapExitError(ExitFailure, "query failed", err)
	}

	var rows [][]string
	if opts.All {
		rows, err = w.Copy(ctx, true, true)
	} else {
		if err = fetchN(ctx, w, opts.Limit); err == nil {
			rows, err = w.Copy(ctx, true, false)
		}
	}
	if err != nil {
		_ = formatter.Error("E302", err.Error(), nil)
		return WrapExitError(ExitFailure, "fetch failed", err)
	}
	formatter.VerboseLog("%d rows from %s (eof=%v)", len(rows)-1, name, w.Eof())
	return formatter.Table(rows)
}

// fetchN hands out up to n records.
func fetchN(ctx context.Context, w *wrapper.Wrapper, n int) error {
	for w.Position() < n {
		r, err := w.Fetch(ctx)
		if err != nil || r == nil {
			return err
		}
	}
	return nil
}

// opened is a connected configuration and one of its data sources.
type opened struct {
	rt     *config.Runtime
	spec   config.DataSource
	source datasource.DataSource
}

// close disconnects every connection of the configuration.
func (o *opened) close(ctx context.Context) { o.rt.Close(context.WithoutCancel(ctx)) }

// connection returns the connection the data source uses, nil for memory
// sources.
func (o *opened) connection() *gateway.Connection {
	c, _ := o.rt.Pool.Get(o.spec.Connection)
	return c
}

// openSource loads the configuration in dir and returns the named data
// source with its connection, if any, connected.
func openSource(ctx context.Context, opts *RootOptions, dir, name string) (*opened, error) {
	cfg, errs := config.Load(dir)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "load configuration", errs[0])
	}
	spec, ok := cfg.DataSource(name)
	if !ok {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown datasource %q", name))
	}
	rt, err := config.Build(cfg, config.BuildOptions{Logger: opts.logger()})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "build configuration", err)
	}
	o := &opened{rt: rt, spec: spec}
	o.source, _ = rt.Source(name)
	if conn := o.connection(); conn != nil {
		if resp := conn.Connect(ctx); !resp.Success {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("connect %s: %s", conn.Name(), resp.Message))
		}
	}
	return o, nil
}

// buildWhere parses conditions into a filter structure, nil when there
// are none.
func buildWhere(conditions []string, or bool) (*filter.Structure, error) {
	if len(conditions) == 0 {
		return nil, nil
	}
	s := filter.NewStructure()
	for _, c := range conditions {
		f, err := parseCondition(c)
		if err != nil {
			return nil, err
		}
		if or {
			s.Or(f, "")
		} else {
			s.And(f, "")
		}
	}
	return s, nil
}

// parseCondition parses column<op>value. The operator is the first run of
// comparison characters.
func parseCondition(s string) (filter.Filter, error) {
	i := strings.IndexAny(s, "=!<>~")
	if i <= 0 {
		return nil, fmt.Errorf("condition %q: want column<op>value", s)
	}
	column := strings.TrimSpace(s[:i])
	rest := s[i:]

	var op filter.Op
	n := 2
	switch {
	case strings.HasPrefix(rest, ">="):
		op = filter.OpGreaterEqual
	case strings.HasPrefix(rest, "<="):
		op = filter.OpLessEqual
	case strings.HasPrefix(rest, "!="), strings.HasPrefix(rest, "<>"):
		op = filter.OpNotEquals
	case strings.HasPrefix(rest, "="):
		op, n = filter.OpEquals, 1
	case strings.HasPrefix(rest, ">"):
		op, n = filter.OpGreater, 1
	case strings.HasPrefix(rest, "<"):
		op, n = filter.OpLess, 1
	case strings.HasPrefix(rest, "~"):
		op, n = filter.OpLike, 1
	default:
		return nil, fmt.Errorf("condition %q: unknown operator", s)
	}
	rest = rest[n:]

	value := parseLiteral(strings.TrimSpace(rest))
	if value == nil {
		switch op {
		case filter.OpEquals:
			op = filter.OpNull
		case filter.OpNotEquals:
			op = filter.OpNotNull
		default:
			return nil, fmt.Errorf("condition %q: null only compares with = or !=", s)
		}
	}

	p, err := filter.New(op, column)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", s, err)
	}
	if value == nil {
		return p, nil
	}
	return p.SetConstraint(value), nil
}

// parseLiteral reads an integer, a float, null or a string. Quotes force
// a string.
func parseLiteral(s string) any {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if strings.EqualFold(s, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
