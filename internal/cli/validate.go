package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/formsql/internal/config"
)

// ValidationIssue is one configuration error.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Connections []string          `json:"connections,omitempty"`
	DataSources []string          `json:"datasources,omitempty"`
	Errors      []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-dir>",
		Short: "Validate a configuration without connecting",
		Long: `Validate the CUE configuration in a directory.

Every file is checked against the connection and data source schema and
the references between them are resolved. Nothing is contacted.

Exit codes:
  0 - Configuration valid
  1 - Configuration invalid
  2 - Command error (missing directory, no CUE files)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, errs := config.Load(dir)
	if cfg == nil && len(errs) > 0 {
		issue := toIssue(errs[0])
		if isCommandError(issue.Code) {
			_ = formatter.Error(issue.Code, issue.Message, nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
		}
	}
	if len(errs) > 0 {
		issues := make([]ValidationIssue, len(errs))
		for i, err := range errs {
			issues[i] = toIssue(err)
		}
		return outputValidationErrors(formatter, issues)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", cfg.FileCount, dir)
	result := ValidationResult{Valid: true}
	for _, c := range cfg.Connections {
		result.Connections = append(result.Connections, c.Name)
	}
	for _, d := range cfg.DataSources {
		result.DataSources = append(result.DataSources, d.Name)
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Configuration valid (%d connection(s), %d datasource(s))\n",
		len(result.Connections), len(result.DataSources))
	return nil
}

// isCommandError reports codes that mean the directory could not be read
// at all, as opposed to a configuration that failed validation.
func isCommandError(code string) bool {
	switch code {
	case config.ErrCodeNotFound, config.ErrCodeNoFiles, config.ErrCodeScanError:
		return true
	}
	return false
}

func toIssue(err error) ValidationIssue {
	var le *config.LoadError
	if !errors.As(err, &le) {
		return ValidationIssue{Code: config.ErrCodeGeneric, Message: err.Error()}
	}
	issue := ValidationIssue{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		issue.File = le.Pos.Filename()
		issue.Line = le.Pos.Line()
	}
	return issue
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error:  &CLIError{Code: issues[0].Code, Message: issues[0].Message},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s line %d\n", issue.File, issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
