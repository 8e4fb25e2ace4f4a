// Package source loads observation tables from CSV files, artifact stores,
// SQLite and PostgreSQL, writes them back, and simulates the dragons study.
package source

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"colonystats/internal/blob"
	"colonystats/internal/infra/persistence/postgres"
	"colonystats/internal/infra/persistence/sqlite"
	"colonystats/internal/table"
)

// Kind names a source backend.
type Kind string

const (
	KindCSV      Kind = "csv"
	KindBlob     Kind = "blob"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindSimulate Kind = "simulate"
)

// Environment variables consulted when a spec leaves the location empty.
const (
	EnvSQLitePath  = "COLONYSTATS_SQLITE_PATH"
	EnvPostgresDSN = "COLONYSTATS_POSTGRES_DSN"
)

// Spec describes where a table comes from.
type Spec struct {
	Kind Kind `yaml:"kind" validate:"required,oneof=csv blob sqlite postgres simulate"`
	// Path is the CSV file (csv) or database file (sqlite).
	Path string `yaml:"path" validate:"required_if=Kind csv"`
	// Key is the object key (blob).
	Key string `yaml:"key" validate:"required_if=Kind blob"`
	// DSN is the connection string (postgres).
	DSN string `yaml:"dsn"`
	// Table or Query selects the rows (sqlite, postgres).
	Table string `yaml:"table"`
	Query string `yaml:"query"`
	// Delimiter is a single character; empty means ',' (or tab for .tsv).
	Delimiter string          `yaml:"delimiter" validate:"omitempty,len=1"`
	Strings   []string        `yaml:"strings"`
	Simulate  SimulateOptions `yaml:"simulate"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the spec without touching the backend.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("source: invalid field %s (%s %s)", verrs[0].Field(), verrs[0].Tag(), verrs[0].Param())
		}
		return fmt.Errorf("source: %w", err)
	}
	if (s.Kind == KindSQLite || s.Kind == KindPostgres) && s.Table == "" && s.Query == "" {
		return fmt.Errorf("source: %s needs a table or a query", s.Kind)
	}
	return nil
}

// Describe is a one-line description for logs.
func (s Spec) Describe() string {
	switch s.Kind {
	case KindCSV:
		return "csv:" + s.Path
	case KindBlob:
		return "blob:" + s.Key
	case KindSQLite, KindPostgres:
		if s.Query != "" {
			return string(s.Kind) + ":query"
		}
		return string(s.Kind) + ":" + s.Table
	case KindSimulate:
		return fmt.Sprintf("simulate:seed=%d", s.Simulate.Seed)
	}
	return string(s.Kind)
}

func (s Spec) delimiter(name string) rune {
	if s.Delimiter != "" {
		r, _ := utf8.DecodeRuneInString(s.Delimiter)
		return r
	}
	if strings.HasSuffix(strings.ToLower(name), ".tsv") {
		return '\t'
	}
	return ','
}

// Loader resolves specs. Store is required for blob specs.
type Loader struct {
	Store  blob.Store
	Logger *slog.Logger
	Getenv func(string) string
}

func (l Loader) getenv(k string) string {
	if l.Getenv != nil {
		return l.Getenv(k)
	}
	return os.Getenv(k)
}

func (l Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Load reads the table described by spec.
func (l Loader) Load(ctx context.Context, spec Spec) (*table.Table, error) {
	start := time.Now()
	t, err := l.load(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", spec.Describe(), err)
	}
	l.logger().Info("table loaded", "source", spec.Describe(), "rows", t.Len(), "columns", t.Width(), "duration", time.Since(start))
	return t, nil
}

func (l Loader) load(ctx context.Context, spec Spec) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindCSV:
		f, err := os.Open(spec.Path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return ReadCSV(f, CSVOptions{Delimiter: spec.delimiter(spec.Path), Strings: spec.Strings})
	case KindBlob:
		if l.Store == nil {
			return nil, fmt.Errorf("no artifact store configured")
		}
		_, rc, err := l.Store.Get(ctx, spec.Key)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()
		return ReadCSV(rc, CSVOptions{Delimiter: spec.delimiter(spec.Key), Strings: spec.Strings})
	case KindSQLite, KindPostgres:
		query := spec.Query
		if query == "" {
			var err error
			if query, err = TableQuery(spec.Table); err != nil {
				return nil, err
			}
		}
		db, _, err := l.open(ctx, spec)
		if err != nil {
			return nil, err
		}
		defer func() { _ = db.Close() }()
		return ReadSQL(ctx, db, query, spec.Strings)
	case KindSimulate:
		return Simulate(spec.Simulate), nil
	}
	return nil, fmt.Errorf("unknown source kind %q", spec.Kind)
}

// Save writes t to the location of spec: a CSV file, an object in the
// store, or a (replaced) SQL table.
func (l Loader) Save(ctx context.Context, spec Spec, t *table.Table) error {
	var err error
	switch spec.Kind {
	case KindCSV:
		var buf bytes.Buffer
		if err = WriteCSV(&buf, t, spec.delimiter(spec.Path)); err == nil {
			err = os.WriteFile(spec.Path, buf.Bytes(), 0o644)
		}
	case KindBlob:
		if l.Store == nil {
			return fmt.Errorf("save %s: no artifact store configured", spec.Describe())
		}
		_, err = PutCSV(ctx, l.Store, spec.Key, t)
	case KindSQLite, KindPostgres:
		db, dialect, oerr := l.open(ctx, spec)
		if oerr != nil {
			return fmt.Errorf("save %s: %w", spec.Describe(), oerr)
		}
		defer func() { _ = db.Close() }()
		err = WriteSQL(ctx, db, dialect, spec.Table, t, true)
	default:
		err = fmt.Errorf("cannot save to %q", spec.Kind)
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", spec.Describe(), err)
	}
	l.logger().Info("table saved", "target", spec.Describe(), "rows", t.Len())
	return nil
}

// PutCSV stores t as CSV under key, replacing any previous object.
func PutCSV(ctx context.Context, st blob.Store, key string, t *table.Table) (blob.Info, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, t, ','); err != nil {
		return blob.Info{}, err
	}
	return st.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: "text/csv",
		Overwrite:   true,
		Metadata:    map[string]string{"rows": fmt.Sprint(t.Len()), "columns": fmt.Sprint(t.Width())},
	})
}

func (l Loader) open(ctx context.Context, spec Spec) (*sql.DB, Dialect, error) {
	if spec.Kind == KindPostgres {
		dsn := spec.DSN
		if dsn == "" {
			dsn = l.getenv(EnvPostgresDSN)
		}
		db, err := postgres.Open(ctx, dsn)
		return db, Postgres, err
	}
	path := spec.Path
	if path == "" {
		path = l.getenv(EnvSQLitePath)
	}
	db, err := sqlite.Open(ctx, path)
	return db, SQLite, err
}
