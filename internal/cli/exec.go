package cli

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formsql/internal/bind"
	"github.com/roach88/formsql/internal/config"
	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wire"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Binds    []string
	Rollback bool
}

var readOnlySQL = regexp.MustCompile(`(?i)^\s*(select|with)\b`)

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <config-dir> <connection> <sql>",
		Short: "Execute a statement on a configured connection",
		Long: `Execute one SQL statement through the gateway.

Statements producing rows print them as a table; other statements print
the number of rows written. Placeholders are bound with --bind.
Transactional connections are committed afterwards unless --rollback is
given.

Examples:
  formsql exec ./config demo "select ename from emp where deptno = :d" --bind d=20
  formsql exec ./config demo "update emp set comm = 0 where comm is null"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Binds, "bind", "b", nil, "bind value as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Rollback, "rollback", false, "roll a transactional session back instead of committing")

	return cmd
}

func runExec(cmd *cobra.Command, opts *ExecOptions, dir, name, sql string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	values, err := parseAssignments(opts.Binds)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid bind value", err)
	}
	binds := make([]bind.BindValue, 0, len(values))
	for _, b := range sortedNames(values) {
		binds = append(binds, bind.New(b, values[b]))
	}
	if err := bind.Validate(binds); err != nil {
		return WrapExitError(ExitCommandError, "invalid bind value", err)
	}

	cfg, errs := config.Load(dir)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "load configuration", errs[0])
	}
	if _, ok := cfg.Connection(name); !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown connection %q", name))
	}
	rt, err := config.Build(cfg, config.BuildOptions{Logger: opts.logger()})
	if err != nil {
		return WrapExitError(ExitCommandError, "build configuration", err)
	}
	defer rt.Close(context.WithoutCancel(ctx))

	conn, _ := rt.Pool.Get(name)
	if resp := conn.Connect(ctx); !resp.Success {
		return NewExitError(ExitCommandError, fmt.Sprintf("connect %s: %s", name, resp.Message))
	}

	req := &wire.Procedure{SQL: sql, BindValues: binds, Patch: !readOnlySQL.MatchString(sql)}
	resp := req.Execute(ctx, conn)
	if !resp.Success {
		if conn.Transactional() {
			conn.Rollback(ctx)
		}
		_ = formatter.Error(strings.ToUpper(resp.Outcome.String()), resp.Message, resp.Violations)
		return NewExitError(ExitFailure, "statement rejected: "+resp.Message)
	}

	if conn.Transactional() {
		end := conn.Commit
		if opts.Rollback {
			end = conn.Rollback
		}
		if r := end(ctx); !r.Success {
			return NewExitError(ExitFailure, "end transaction: "+r.Message)
		}
	}

	if len(resp.Columns) > 0 {
		rows := [][]string{resp.Columns}
		for _, row := range resp.Rows {
			out := make([]string, len(row))
			for i, v := range row {
				out[i] = record.Format(v)
			}
			rows = append(rows, out)
		}
		return formatter.Table(rows)
	}
	return formatter.Success(execResult{Writes: resp.Writes})
}

type execResult struct {
	Writes int64 `json:"writes"`
}

func (r execResult) String() string { return fmt.Sprintf("%d row(s) written", r.Writes) }

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
