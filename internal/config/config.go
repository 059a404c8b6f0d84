// Package config loads formsql configuration from CUE files and builds
// the connections and data sources it describes.
//
// A configuration directory holds one CUE package with two top-level
// structs:
//
//	connection: demo: {
//		url:      "http://localhost:8080"
//		username: "scott"
//		scope:    "transactional"
//	}
//
//	datasource: emp: {
//		kind:       "table"
//		connection: "demo"
//		table:      "emp"
//		primaryKey: ["empno"]
//		sorting:    "empno"
//	}
//
// Every file is unified with an embedded schema, so type errors are
// reported with CUE positions.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/formsql/internal/gateway"
)

const schemaFile = "schema.cue"

//go:embed schema.cue
var schemaSource string

// Kinds of data source.
const (
	KindMemory = "memory"
	KindTable  = "table"
	KindQuery  = "query"
	KindRest   = "rest"
)

// Error codes (E001-E009 loading, E2xx configuration).
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"

	ErrCodeSchema          = "E201" // value does not match the schema
	ErrCodeUnknownConn     = "E202" // data source names a missing connection
	ErrCodeMissingTarget   = "E203" // table, sql or source missing for the kind
	ErrCodeInvalidDuration = "E204" // keepalive is not a duration
	ErrCodeNoConnection    = "E205" // remote data source without connection
	ErrCodeRowShape        = "E206" // memory row longer than its columns
)

// LoadError is a configuration error, with a CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Connection configures one gateway connection.
type Connection struct {
	Name       string            `json:"-"`
	URL        string            `json:"url"`
	Username   string            `json:"username"`
	Secret     string            `json:"secret"`
	Auth       string            `json:"auth"`
	Scope      string            `json:"scope"`
	Rate       float64           `json:"rate"`
	Burst      int               `json:"burst"`
	KeepAlive  string            `json:"keepalive"`
	ClientInfo map[string]string `json:"clientinfo"`
}

// DataSource configures one data source.
type DataSource struct {
	Name       string   `json:"-"`
	Kind       string   `json:"kind"`
	Connection string   `json:"connection"`
	Table      string   `json:"table"`
	SQL        string   `json:"sql"`
	Source     string   `json:"source"`
	Columns    []string `json:"columns"`
	PrimaryKey []string `json:"primaryKey"`
	Sorting    string   `json:"sorting"`
	ArrayFetch int      `json:"arrayfetch"`
	Returning  []string `json:"returning"`
	Rows       [][]any  `json:"rows"`
}

// Config is a loaded configuration.
type Config struct {
	Connections []Connection
	DataSources []DataSource

	// Value is the unified CUE value.
	Value     cue.Value
	FileCount int
}

// Connection returns the named connection.
func (c *Config) Connection(name string) (Connection, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return Connection{}, false
}

// DataSource returns the named data source.
func (c *Config) DataSource(name string) (DataSource, bool) {
	for _, ds := range c.DataSources {
		if ds.Name == name {
			return ds, true
		}
	}
	return DataSource{}, false
}

// Load reads every CUE file of dir. All configuration errors are
// collected; a nil Config means nothing could be loaded.
func Load(dir string) (*Config, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("scanning %s: %v", dir, err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	if err := instances[0].Err; err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", err)}}
	}
	value := ctx.BuildInstance(instances[0])
	cfg, errs := decode(ctx, value)
	if cfg != nil {
		cfg.FileCount = len(files)
	}
	return cfg, errs
}

// LoadString loads a configuration from CUE source text.
func LoadString(src, filename string) (*Config, []error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(src, cue.Filename(filename))
	return decode(ctx, value)
}

func decode(ctx *cue.Context, value cue.Value) (*Config, []error) {
	if err := value.Err(); err != nil {
		return nil, []error{cueError(ErrCodeBuildFailed, err, value)}
	}
	schema := ctx.CompileString(schemaSource, cue.Filename(schemaFile))
	value = schema.Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, []error{cueError(ErrCodeSchema, err, value)}
	}

	cfg := &Config{Value: value}
	var errs []error

	iter, err := value.LookupPath(cue.ParsePath("connection")).Fields()
	if err == nil {
		for iter.Next() {
			var c Connection
			if err := iter.Value().Decode(&c); err != nil {
				errs = append(errs, cueError(ErrCodeSchema, err, iter.Value()))
				continue
			}
			c.Name = iter.Selector().Unquoted()
			if c.KeepAlive != "" {
				if _, err := time.ParseDuration(c.KeepAlive); err != nil {
					errs = append(errs, &LoadError{Code: ErrCodeInvalidDuration,
						Message: fmt.Sprintf("connection %s: keepalive: %v", c.Name, err), Pos: iter.Value().Pos()})
					continue
				}
			}
			cfg.Connections = append(cfg.Connections, c)
		}
	}

	iter, err = value.LookupPath(cue.ParsePath("datasource")).Fields()
	if err == nil {
		for iter.Next() {
			var d DataSource
			if err := iter.Value().Decode(&d); err != nil {
				errs = append(errs, cueError(ErrCodeSchema, err, iter.Value()))
				continue
			}
			d.Name = iter.Selector().Unquoted()
			if err := cfg.check(d); err != nil {
				err.Pos = iter.Value().Pos()
				errs = append(errs, err)
				continue
			}
			cfg.DataSources = append(cfg.DataSources, d)
		}
	}

	sort.Slice(cfg.Connections, func(i, j int) bool { return cfg.Connections[i].Name < cfg.Connections[j].Name })
	sort.Slice(cfg.DataSources, func(i, j int) bool { return cfg.DataSources[i].Name < cfg.DataSources[j].Name })
	return cfg, errs
}

// check validates the cross references of a data source.
func (c *Config) check(d DataSource) *LoadError {
	fail := func(code, format string, args ...any) *LoadError {
		return &LoadError{Code: code, Message: fmt.Sprintf("datasource %s: ", d.Name) + fmt.Sprintf(format, args...)}
	}
	if d.Kind == KindMemory {
		for i, row := range d.Rows {
			if len(row) > len(d.Columns) {
				return fail(ErrCodeRowShape, "row %d has %d values for %d columns", i, len(row), len(d.Columns))
			}
		}
		return nil
	}
	if d.Connection == "" {
		return fail(ErrCodeNoConnection, "%s source needs a connection", d.Kind)
	}
	if _, ok := c.Connection(d.Connection); !ok {
		return fail(ErrCodeUnknownConn, "unknown connection %q", d.Connection)
	}
	switch {
	case d.Kind == KindTable && d.Table == "":
		return fail(ErrCodeMissingTarget, "table is required")
	case d.Kind == KindQuery && d.SQL == "":
		return fail(ErrCodeMissingTarget, "sql is required")
	case d.Kind == KindRest && d.Source == "":
		return fail(ErrCodeMissingTarget, "source is required")
	}
	return nil
}

// Options converts the connection to gateway options.
func (c Connection) Options() (gateway.Options, error) {
	scope, err := gateway.ParseScope(c.Scope)
	if err != nil {
		return gateway.Options{}, err
	}
	opts := gateway.Options{
		URL:        c.URL,
		Username:   c.Username,
		Secret:     c.Secret,
		AuthMethod: c.Auth,
		Scope:      scope,
		ClientInfo: c.ClientInfo,
		Rate:       c.Rate,
		Burst:      c.Burst,
	}
	if c.KeepAlive != "" {
		d, err := time.ParseDuration(c.KeepAlive)
		if err != nil {
			return gateway.Options{}, err
		}
		opts.KeepAliveTimeout = d
	}
	return opts, nil
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// cueError converts a CUE error. The message keeps every distinct detail
// line, and the position is the first one outside the embedded schema,
// falling back to the position of the value being checked.
func cueError(code string, err error, at cue.Value) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error(), Pos: at.Pos()}
	}
	le := &LoadError{Code: code}
	var msgs []string
	var schemaPos token.Pos
	for _, e := range errs {
		if m := e.Error(); !slices.Contains(msgs, m) {
			msgs = append(msgs, m)
		}
		for _, pos := range cueerrors.Positions(e) {
			switch {
			case le.Pos.IsValid():
			case filepath.Base(pos.Filename()) == schemaFile:
				if !schemaPos.IsValid() {
					schemaPos = pos
				}
			default:
				le.Pos = pos
			}
		}
	}
	le.Message = strings.Join(msgs, "; ")
	if !le.Pos.IsValid() {
		le.Pos = at.Pos()
	}
	if !le.Pos.IsValid() {
		le.Pos = schemaPos
	}
	return le
}

// IsLoadError reports whether err is a *LoadError with the given code.
func IsLoadError(err error, code string) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == code
}
