package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"colonystats/internal/table"
)

// DefaultNA lists the cell values read as missing.
var DefaultNA = []string{"", "NA", "NaN", "nan", "N/A", "null"}

// CSVOptions controls ReadCSV.
type CSVOptions struct {
	// Delimiter defaults to ','.
	Delimiter rune
	// Strings names columns kept as strings even when every value parses
	// as a number (subject ids like "0042").
	Strings []string
	// NA overrides DefaultNA.
	NA []string
}

// ReadCSV reads a table with a header row. A column becomes a Float column
// when every non-missing value parses as a number, and a String column
// otherwise.
func ReadCSV(r io.Reader, opts CSVOptions) (*table.Table, error) {
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("source: empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("source: read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	cells := make([][]string, len(header))
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source: read csv: %w", err)
		}
		for j := range header {
			cells[j] = append(cells[j], strings.TrimSpace(rec[j]))
		}
	}
	na := opts.NA
	if na == nil {
		na = DefaultNA
	}
	return buildTable(header, cells, toSet(na), toSet(opts.Strings))
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

// buildTable infers a kind for every column of raw cell text.
func buildTable(header []string, cells [][]string, na, forceString map[string]bool) (*table.Table, error) {
	cols := make([]*table.Column, len(header))
	for j, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("V%d", j+1)
		}
		if nums, ok := parseFloats(cells[j], na); ok && !forceString[name] {
			cols[j] = table.NewFloats(name, nums)
			continue
		}
		strs := make([]string, len(cells[j]))
		for i, v := range cells[j] {
			if !na[v] {
				strs[i] = v
			}
		}
		cols[j] = table.NewStrings(name, strs)
	}
	t, err := table.New(cols...)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return t, nil
}

// parseFloats parses every value, treating NA tokens as NaN. It fails when
// any other value is not a number or when the column is entirely missing.
func parseFloats(values []string, na map[string]bool) ([]float64, bool) {
	out := make([]float64, len(values))
	seen := false
	for i, v := range values {
		if na[v] {
			out[i] = math.NaN()
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsInf(f, 0) {
			return nil, false
		}
		out[i] = f
		seen = true
	}
	return out, seen || len(values) == 0
}

// WriteCSV writes t with a header row; missing values are written as NA.
func WriteCSV(w io.Writer, t *table.Table, delimiter rune) error {
	cw := csv.NewWriter(w)
	if delimiter != 0 {
		cw.Comma = delimiter
	}
	if err := cw.Write(t.Names()); err != nil {
		return err
	}
	cols := t.Columns()
	rec := make([]string, len(cols))
	for i := 0; i < t.Len(); i++ {
		for j, c := range cols {
			switch {
			case c.Missing(i):
				rec[j] = "NA"
			case c.Kind() == table.Float:
				rec[j] = strconv.FormatFloat(c.Num(i), 'g', -1, 64)
			default:
				rec[j] = c.Str(i)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
