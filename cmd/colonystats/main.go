// Command colonystats runs dragon test-score analyses: YAML pipelines, ad
// hoc descriptive tables, reshapes, model fits and model comparisons.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

var (
	exitFunc = os.Exit
	version  = "dev"
)

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	a := &app{stdout: stdout, stderr: stderr, getenv: getenv}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := a.close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "colonystats:", err)
		return 1
	}
	return 0
}
