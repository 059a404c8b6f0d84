package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/formsql/internal/sqlgw"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	DB      string
	Demo    bool
	Timeout time.Duration
	Sources map[string]string
	Users   map[string]string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development gateway over SQLite",
		Long: `Run a REST SQL gateway over a SQLite database.

The gateway speaks the same protocol as a production gateway: sessions,
cursors, DML with optimistic-lock assertions, batches and transactional
sessions. It is meant for development and tests.

Examples:
  formsql serve --demo
  formsql serve --db app.db --addr :9090 --source employees=emp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.DB, "db", "formsql.db", "SQLite database path")
	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "create the demo dept and emp tables")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", sqlgw.DefaultTimeout, "idle session timeout")
	cmd.Flags().StringToStringVar(&opts.Sources, "source", nil, "named source as name=table or name=select")
	cmd.Flags().StringToStringVar(&opts.Users, "user", nil, "accepted user as name=secret (default: any)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	logger := opts.logger()

	db, err := sqlgw.Open(opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer db.Close()

	if opts.Demo {
		if err := sqlgw.SeedDemo(ctx, db); err != nil {
			return WrapExitError(ExitCommandError, "seed demo tables", err)
		}
	}

	gw := sqlgw.New(db, sqlgw.Options{
		Timeout: opts.Timeout,
		Users:   opts.Users,
		Sources: opts.Sources,
		Logger:  logger,
	})
	defer gw.Close()

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           gw,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reap(ctx, gw, opts.Timeout)

	serverErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "Starting gateway", "addr", opts.Addr, "db", opts.DB)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "server error", err)
		}
	case <-ctx.Done():
		logger.InfoContext(ctx, "Shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}
	return nil
}

// reap expires idle sessions until ctx is done.
func reap(ctx context.Context, gw *sqlgw.Server, timeout time.Duration) {
	t := time.NewTicker(max(timeout/4, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			gw.Reap()
		}
	}
}
