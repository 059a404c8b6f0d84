package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/formsql/internal/record"
	"github.com/roach88/formsql/internal/wrapper"
)

// EditOptions holds flags for the update and delete commands.
type EditOptions struct {
	*RootOptions
	Where []string
	Or    bool
	Set   []string
	Lock  bool
}

// editResult reports the records an edit flushed.
type editResult struct {
	Action    string `json:"action"`
	Records   int    `json:"records"`
	Committed bool   `json:"committed"`
}

func (r editResult) String() string {
	s := fmt.Sprintf("%s %d record(s)", r.Action, r.Records)
	if r.Committed {
		s += ", committed"
	}
	return s
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <config-dir> <datasource>",
		Short: "Update the rows matching a condition",
		Long: `Update every row of a data source that matches the conditions.

Rows are fetched, changed and flushed in one batch. Unless --lock is
given the gateway checks every other column against the fetched values,
so a row changed by someone else is rejected instead of overwritten.
Transactional connections are committed after a successful flush.

Examples:
  formsql update ./config emp --where empno=7566 --set sal=3100
  formsql update ./config emp --where "job=CLERK" --set comm=null --lock`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(opts.Set) == 0 {
				return NewExitError(ExitCommandError, "at least one --set is required")
			}
			return runEdit(cmd, opts, args[0], args[1], "updated")
		},
	}
	editFlags(cmd, opts)
	cmd.Flags().StringArrayVarP(&opts.Set, "set", "s", nil, "assignment as column=value (repeatable)")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <config-dir> <datasource>",
		Short: "Delete the rows matching a condition",
		Long: `Delete every row of a data source that matches the conditions, with
the same optimistic checks as update.

Examples:
  formsql delete ./config dept --where deptno=40`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd, opts, args[0], args[1], "deleted")
		},
	}
	editFlags(cmd, opts)
	return cmd
}

func editFlags(cmd *cobra.Command, opts *EditOptions) {
	cmd.Flags().StringArrayVarP(&opts.Where, "where", "w", nil, "condition as column<op>value (repeatable, required)")
	cmd.Flags().BoolVar(&opts.Or, "or", false, "join conditions with or instead of and")
	cmd.Flags().BoolVar(&opts.Lock, "lock", false, "lock each row before changing it")
}

// parseAssignments parses column=value pairs.
func parseAssignments(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, s := range sets {
		column, value, ok := strings.Cut(s, "=")
		column = strings.TrimSpace(column)
		if !ok || column == "" {
			return nil, fmt.Errorf("assignment %q: want column=value", s)
		}
		out[column] = parseLiteral(strings.TrimSpace(value))
	}
	return out, nil
}

func runEdit(cmd *cobra.Command, opts *EditOptions, dir, name, action string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if len(opts.Where) == 0 {
		return NewExitError(ExitCommandError, "at least one --where is required")
	}
	where, err := buildWhere(opts.Where, opts.Or)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid condition", err)
	}
	sets, err := parseAssignments(opts.Set)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid assignment", err)
	}

	o, err := openSource(ctx, opts.RootOptions, dir, name)
	if err != nil {
		return err
	}
	defer o.close(ctx)
	conn := o.connection()

	fail := func(code string, err error) error {
		if conn != nil && conn.Transactional() {
			conn.Rollback(ctx)
		}
		_ = formatter.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, action+" failed", err)
	}

	w := wrapper.New(o.source, nil, opts.logger())
	if err := w.Query(ctx, where); err != nil {
		return fail("E301", err)
	}
	var matched []*record.Record
	for {
		r, err := w.Fetch(ctx)
		if err != nil {
			return fail("E302", err)
		}
		if r == nil {
			break
		}
		matched = append(matched, r)
	}

	for _, r := range matched {
		if opts.Lock && !w.Lock(ctx, r) {
			return fail("E304", recordError(r, "lock"))
		}
		ok := false
		if action == "deleted" {
			ok = w.Delete(ctx, r)
		} else {
			for column, value := range sets {
				r.SetValue(column, value)
			}
			ok = w.Update(ctx, r)
		}
		if !ok {
			return fail("E303", recordError(r, action))
		}
	}

	flushed, err := w.Flush(ctx)
	if err != nil {
		return fail("E305", err)
	}

	result := editResult{Action: action, Records: len(flushed)}
	if conn != nil && conn.Transactional() {
		if resp := conn.Commit(ctx); !resp.Success {
			return fail("E306", fmt.Errorf("commit: %s", resp.Message))
		}
		result.Committed = true
	}
	formatter.VerboseLog("%s: %d matched, %d flushed", name, len(matched), len(flushed))
	return formatter.Success(result)
}

// recordError describes why an operation on r was refused.
func recordError(r *record.Record, op string) error {
	if resp := r.Response(); resp != nil && resp.Message != "" {
		return fmt.Errorf("%s record %s: %s", op, r, resp.Message)
	}
	return fmt.Errorf("%s record %s refused", op, r)
}
