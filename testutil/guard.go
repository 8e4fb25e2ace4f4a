// Package testutil holds test helpers that enforce the package layering:
// the numerical core (table, formula, model, inference) stays free of
// storage, transport and presentation dependencies.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoTransitiveDependency runs `go list -deps pattern` and fails t when
// any listed package matches forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	out, err := goListDeps(pattern)
	if err != nil {
		t.Fatalf("go list failed: %v\n%s", err, out)
	}
	fail(t, "forbidden transitive dependency", reason, matching(strings.Split(string(out), "\n"), forbidden))
}

// AssertNoDirectImports parses the non-test Go files of dir (not its
// subdirectories) and fails t when an import matches forbidden.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, err := directImports(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	fail(t, "forbidden direct import", reason, viols)
}

// StorageImport matches the artifact store, the storage backends and the
// database and cloud drivers behind them.
func StorageImport(path string) bool {
	switch {
	case strings.HasSuffix(path, "/internal/blob"), strings.Contains(path, "/internal/blob/"),
		strings.Contains(path, "/internal/infra/"), strings.Contains(path, "/internal/source"):
		return true
	}
	for _, p := range []string{"github.com/aws/", "github.com/jackc/", "modernc.org/sqlite", "database/sql"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// PresentationImport matches plotting, terminal styling and the report and
// pipeline layers built on them.
func PresentationImport(path string) bool {
	for _, p := range []string{"gonum.org/v1/plot", "github.com/charmbracelet/", "html/template"} {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, p := range []string{"/internal/figure", "/internal/report", "/internal/pipeline"} {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// CoreImport is forbidden in the numerical core.
func CoreImport(path string) bool { return StorageImport(path) || PresentationImport(path) }

var goListDeps = func(pattern string) ([]byte, error) {
	return exec.Command("go", "list", "-deps", pattern).CombinedOutput()
}

func matching(paths []string, forbidden func(string) bool) []string {
	var out []string
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" && forbidden(p) {
			out = append(out, p)
		}
	}
	return out
}

func directImports(dir string, forbidden func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			if p := strings.Trim(imp.Path.Value, `"`); forbidden(p) {
				viols = append(viols, p+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalf interface {
	Fatalf(format string, args ...any)
}

func fail(t fatalf, what, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("%s (%s):\n%s", what, reason, strings.Join(viols, "\n"))
	}
}
