package source

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"colonystats/internal/table"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name        string
	FloatType   string
	StringType  string
	Placeholder func(i int) string
}

var (
	SQLite = Dialect{
		Name:        "sqlite",
		FloatType:   "REAL",
		StringType:  "TEXT",
		Placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:        "postgres",
		FloatType:   "DOUBLE PRECISION",
		StringType:  "TEXT",
		Placeholder: func(i int) string { return "$" + strconv.Itoa(i) },
	}
)

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// quoteIdent double-quotes a column or table name.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// TableQuery returns SELECT * for a validated table name.
func TableQuery(name string) (string, error) {
	if !identRE.MatchString(name) {
		return "", fmt.Errorf("source: invalid table name %q", name)
	}
	return "SELECT * FROM " + quoteIdent(name), nil
}

// ReadSQL runs query and converts the result to a table. Numeric columns
// (integers, floats and numeric text) become Float columns unless listed in
// strs; NULL is missing.
func ReadSQL(ctx context.Context, db *sql.DB, query string, strs []string) (*table.Table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("source: query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("source: columns: %w", err)
	}
	values := make([][]any, len(names))
	dest := make([]any, len(names))
	for rows.Next() {
		row := make([]any, len(names))
		for j := range row {
			dest[j] = &row[j]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("source: scan: %w", err)
		}
		for j, v := range row {
			values[j] = append(values[j], v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: rows: %w", err)
	}
	force := toSet(strs)
	cols := make([]*table.Column, len(names))
	for j, name := range names {
		cols[j] = sqlColumn(name, values[j], force[name])
	}
	t, err := table.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return t, nil
}

func sqlColumn(name string, values []any, forceString bool) *table.Column {
	if !forceString {
		nums := make([]float64, len(values))
		numeric := true
		for i, v := range values {
			f, ok := sqlFloat(v)
			if !ok {
				numeric = false
				break
			}
			nums[i] = f
		}
		if numeric {
			return table.NewFloats(name, nums)
		}
	}
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = sqlString(v)
	}
	return table.NewStrings(name, strs)
}

func sqlFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return math.NaN(), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func sqlString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// WriteSQL creates table name from t and inserts every row in one
// transaction. With replace an existing table is dropped first.
func WriteSQL(ctx context.Context, db *sql.DB, d Dialect, name string, t *table.Table, replace bool) error {
	if !identRE.MatchString(name) {
		return fmt.Errorf("source: invalid table name %q", name)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("source: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if replace {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
			return fmt.Errorf("source: drop %s: %w", name, err)
		}
	}
	cols := t.Columns()
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	quoted := make([]string, len(cols))
	for j, c := range cols {
		typ := d.StringType
		if c.Kind() == table.Float {
			typ = d.FloatType
		}
		quoted[j] = quoteIdent(c.Name())
		defs[j] = quoted[j] + " " + typ
		marks[j] = d.Placeholder(j + 1)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("source: create %s: %w", name, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("source: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	args := make([]any, len(cols))
	for i := 0; i < t.Len(); i++ {
		for j, c := range cols {
			switch {
			case c.Missing(i):
				args[j] = nil
			case c.Kind() == table.Float:
				args[j] = c.Num(i)
			default:
				args[j] = c.Str(i)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("source: insert row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("source: commit: %w", err)
	}
	return nil
}
