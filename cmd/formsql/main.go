// Command formsql queries and edits backend tables through a REST SQL
// gateway, and serves a development gateway over SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/formsql/internal/cli"
)

func main() {
	err := cli.NewRootCommand().ExecuteContext(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "formsql: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
