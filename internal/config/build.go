package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/formsql/internal/datasource"
	"github.com/roach88/formsql/internal/gateway"
)

// Runtime holds the connections and data sources of a configuration.
type Runtime struct {
	Pool    *gateway.Pool
	Sources map[string]datasource.DataSource
	names   []string
}

// BuildOptions are passed to every connection Build creates.
type BuildOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Build creates a disconnected Connection per configured connection and
// a DataSource per configured data source.
func Build(cfg *Config, opts BuildOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Pool: gateway.NewPool(logger), Sources: make(map[string]datasource.DataSource)}

	for _, c := range cfg.Connections {
		o, err := c.Options()
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", c.Name, err)
		}
		o.HTTPClient, o.Logger = opts.HTTPClient, logger
		if err := rt.Pool.Add(gateway.New(c.Name, o)); err != nil {
			return nil, err
		}
	}

	for _, d := range cfg.DataSources {
		ds, err := rt.source(d, logger)
		if err != nil {
			return nil, fmt.Errorf("datasource %s: %w", d.Name, err)
		}
		ds.SetColumns(d.Columns...)
		ds.SetPrimaryKey(d.PrimaryKey...)
		ds.SetSorting(d.Sorting)
		if d.ArrayFetch > 0 {
			ds.SetArrayFetch(d.ArrayFetch)
		}
		rt.Sources[d.Name] = ds
		rt.names = append(rt.names, d.Name)
	}
	return rt, nil
}

func (rt *Runtime) source(d DataSource, logger *slog.Logger) (datasource.DataSource, error) {
	if d.Kind == KindMemory {
		return datasource.NewMemoryTable(d.Name, datasource.NewTable(d.Columns, d.Rows...), logger), nil
	}
	conn, ok := rt.Pool.Get(d.Connection)
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", d.Connection)
	}
	switch d.Kind {
	case KindTable:
		t := datasource.NewDatabaseTable(d.Name, d.Table, conn, logger)
		t.SetReturning(d.Returning...)
		return t, nil
	case KindQuery:
		return datasource.NewQueryTable(d.Name, d.SQL, conn, logger), nil
	case KindRest:
		s := datasource.NewRestSource(d.Name, d.Source, conn, logger)
		s.SetReturning(d.Returning...)
		return s, nil
	}
	return nil, fmt.Errorf("unknown kind %q", d.Kind)
}

// Source returns the named data source.
func (rt *Runtime) Source(name string) (datasource.DataSource, bool) {
	ds, ok := rt.Sources[name]
	return ds, ok
}

// Names returns the data source names in configuration order.
func (rt *Runtime) Names() []string { return append([]string(nil), rt.names...) }

// Connect connects every connection.
func (rt *Runtime) Connect(ctx context.Context) error { return rt.Pool.ConnectAll(ctx) }

// Close disconnects every connection.
func (rt *Runtime) Close(ctx context.Context) { rt.Pool.Close(ctx) }
