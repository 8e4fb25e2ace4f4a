package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"colonystats/internal/blob"
	"colonystats/internal/source"
	"colonystats/internal/telemetry"
)

// app carries the process-wide state shared by the subcommands.
type app struct {
	stdout, stderr io.Writer
	getenv         func(string) string

	logLevel    string
	logFormat   string
	metricsFile string
	traceFile   string

	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracing   *telemetry.Tracing
	traceOut  *os.File
	store     blob.Store
	storeOpen bool
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "colonystats",
		Short:         "Analyse dragon test scores with mixed models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default $"+telemetry.EnvLogLevel+" or info)")
	pf.StringVar(&a.logFormat, "log-format", "", "text or json (default $"+telemetry.EnvLogFormat+" or text)")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	pf.StringVar(&a.traceFile, "trace-file", "", "export trace spans as JSON to this file")

	root.AddCommand(
		a.runCommand(),
		a.describeCommand(),
		a.reshapeCommand(),
		a.fitCommand(),
		a.compareCommand(),
		a.simulateCommand(),
		a.importCommand(),
	)
	return root
}

func (a *app) setup() error {
	logger, err := telemetry.LoggerFromEnv(a.stderr, a.getenv, a.logLevel, a.logFormat)
	if err != nil {
		return err
	}
	a.logger = logger
	if a.metricsFile != "" {
		a.metrics = telemetry.NewMetrics()
	}
	if a.traceFile != "" {
		f, err := os.Create(a.traceFile)
		if err != nil {
			return fmt.Errorf("trace file: %w", err)
		}
		a.traceOut = f
		if a.tracing, err = telemetry.NewTracing(f, version); err != nil {
			return err
		}
	}
	return nil
}

// close flushes metrics and spans; it runs after every command, failed or
// not.
func (a *app) close(ctx context.Context) error {
	var errs []string
	if a.metrics != nil {
		if err := a.metrics.WriteTextfile(a.metricsFile); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err.Error())
	}
	if a.traceOut != nil {
		if err := a.traceOut.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %s", strings.Join(errs, "; "))
	}
	return nil
}

// blobStore opens the COLONYSTATS_BLOB_* store on first use.
func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	if a.storeOpen {
		return a.store, nil
	}
	st, err := blob.Open(ctx, blob.ConfigFromEnv(a.getenv))
	if err != nil {
		return nil, err
	}
	a.store, a.storeOpen = st, true
	return st, nil
}

func (a *app) loader(ctx context.Context, specs ...source.Spec) (source.Loader, error) {
	l := source.Loader{Logger: a.logger, Getenv: a.getenv}
	for _, s := range specs {
		if s.Kind != source.KindBlob {
			continue
		}
		st, err := a.blobStore(ctx)
		if err != nil {
			return l, err
		}
		l.Store = st
		break
	}
	return l, nil
}

// specFlags binds the flags that select a table location. With a non-empty
// prefix the flags are named <prefix>-kind, <prefix>-path and so on.
type specFlags struct {
	kind, path, key, dsn, table, query, delimiter string
	strings                                       []string
	seed                                          uint64
	perSite                                       int
	missing                                       float64
}

func flagName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "-" + name
}

func (f *specFlags) register(cmd *cobra.Command, prefix string, simulate bool) {
	fs := cmd.Flags()
	fs.StringVar(&f.kind, flagName(prefix, "kind"), "", "csv, blob, sqlite, postgres or simulate (inferred when empty)")
	fs.StringVar(&f.path, flagName(prefix, "path"), "", "CSV or SQLite file")
	fs.StringVar(&f.key, flagName(prefix, "key"), "", "object key in the artifact store")
	fs.StringVar(&f.dsn, flagName(prefix, "dsn"), "", "PostgreSQL connection string")
	fs.StringVar(&f.table, flagName(prefix, "table"), "", "SQL table")
	fs.StringVar(&f.delimiter, flagName(prefix, "delimiter"), "", "CSV delimiter")
	if prefix == "" {
		fs.StringVar(&f.query, "query", "", "SQL query instead of a table")
		fs.StringSliceVar(&f.strings, "strings", nil, "columns kept as strings")
	}
	if simulate {
		fs.Uint64Var(&f.seed, "seed", 1, "simulation seed")
		fs.IntVar(&f.perSite, "per-site", 0, "dragons per site (default 20)")
		fs.Float64Var(&f.missing, "missing-rate", 0, "probability that a score is missing")
	}
}

func (f *specFlags) spec() (source.Spec, error) {
	s := source.Spec{
		Kind:      source.Kind(strings.ToLower(f.kind)),
		Path:      f.path,
		Key:       f.key,
		DSN:       f.dsn,
		Table:     f.table,
		Query:     f.query,
		Delimiter: f.delimiter,
		Strings:   f.strings,
		Simulate:  source.SimulateOptions{Seed: f.seed, PerSite: f.perSite, MissingRate: f.missing},
	}
	if s.Kind == "" {
		switch {
		case f.dsn != "":
			s.Kind = source.KindPostgres
		case f.key != "":
			s.Kind = source.KindBlob
		case f.path != "":
			switch strings.ToLower(filepath.Ext(f.path)) {
			case ".db", ".sqlite", ".sqlite3":
				s.Kind = source.KindSQLite
			default:
				s.Kind = source.KindCSV
			}
		default:
			return s, fmt.Errorf("no table location given")
		}
	}
	return s, s.Validate()
}
