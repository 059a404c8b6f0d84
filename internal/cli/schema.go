package cli

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/roach88/formsql/internal/config"
	"github.com/roach88/formsql/internal/wire"
)

// schemaTypes are the documents the schema command describes.
var schemaTypes = map[string]reflect.Type{
	"connect":    reflect.TypeFor[wire.ConnectBody](),
	"select":     reflect.TypeFor[wire.SelectBody](),
	"cursor":     reflect.TypeFor[wire.CursorBody](),
	"dml":        reflect.TypeFor[wire.DMLBody](),
	"exec":       reflect.TypeFor[wire.ExecBody](),
	"ping":       reflect.TypeFor[wire.PingBody](),
	"batch":      reflect.TypeFor[wire.BatchBody](),
	"response":   reflect.TypeFor[wire.Payload](),
	"connection": reflect.TypeFor[config.Connection](),
	"datasource": reflect.TypeFor[config.DataSource](),
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [document...]",
		Short: "Print JSON Schemas of the gateway protocol",
		Long: `Print the JSON Schema of gateway request bodies, the response payload
and the configuration entries. Without arguments the document names are
listed.

Examples:
  formsql schema
  formsql schema select response`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runSchema(opts *RootOptions, names []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	known := make([]string, 0, len(schemaTypes))
	for name := range schemaTypes {
		known = append(known, name)
	}
	slices.Sort(known)

	if len(names) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(known)
		}
		for _, name := range known {
			fmt.Fprintln(formatter.Writer, name)
		}
		return nil
	}

	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := reflectSchema(name)
		if err != nil {
			_ = formatter.Error(config.ErrCodeGeneric, err.Error(), known)
			return NewExitError(ExitCommandError, err.Error())
		}
		out[name] = s
	}

	enc := json.NewEncoder(formatter.Writer)
	enc.SetIndent("", "  ")
	if len(names) == 1 {
		return enc.Encode(out[names[0]])
	}
	return enc.Encode(out)
}

// reflectSchema generates the schema of a named document. Nested types
// go to $defs since batch steps and filter specs are recursive.
func reflectSchema(name string) (*jsonschema.Schema, error) {
	t, ok := schemaTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown document %q", name)
	}
	r := jsonschema.Reflector{Anonymous: true, ExpandedStruct: true}
	return r.ReflectFromType(t), nil
}
