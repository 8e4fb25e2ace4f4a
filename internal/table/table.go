// Package table provides the immutable columnar table that every stage of the
// analysis pipeline passes along: loading produces one, reshaping and
// aggregation derive new ones, and model fitting reads a snapshot of one.
//
// Tables never change after construction. Operations return a new table that
// may share columns with its parent.
package table

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Table is an ordered set of equally long named columns.
type Table struct {
	cols  []*Column
	index map[string]int
	rows  int
}

// New assembles a table from columns. All columns must have the same length
// and distinct names.
func New(cols ...*Column) (*Table, error) {
	t := &Table{cols: make([]*Column, 0, len(cols)), index: make(map[string]int, len(cols))}
	for i, c := range cols {
		if c == nil {
			return nil, fmt.Errorf("table: column %d is nil", i)
		}
		if _, dup := t.index[c.name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, c.name)
		}
		if i == 0 {
			t.rows = c.Len()
		} else if c.Len() != t.rows {
			return nil, fmt.Errorf("%w: %q has %d rows, want %d", ErrLength, c.name, c.Len(), t.rows)
		}
		t.index[c.name] = len(t.cols)
		t.cols = append(t.cols, c)
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return t.rows }

// Width returns the number of columns.
func (t *Table) Width() int { return len(t.cols) }

// Names returns the column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.cols))
	for i, c := range t.cols {
		out[i] = c.name
	}
	return out
}

// Has reports whether the table has a column with the given name.
func (t *Table) Has(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, error) {
	i, ok := t.index[name]
	if !ok {
		return nil, noColumn(name)
	}
	return t.cols[i], nil
}

// Columns returns the columns in order.
func (t *Table) Columns() []*Column {
	out := make([]*Column, len(t.cols))
	copy(out, t.cols)
	return out
}

// Require checks that every name exists, returning the first missing one.
func (t *Table) Require(names ...string) error {
	for _, n := range names {
		if !t.Has(n) {
			return noColumn(n)
		}
	}
	return nil
}

// Row returns a read-only view of row i.
func (t *Table) Row(i int) Row { return Row{t: t, i: i} }

// Select keeps the named columns in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	cols := make([]*Column, 0, len(names))
	for _, n := range names {
		c, err := t.Column(n)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return New(cols...)
}

// Drop removes the named columns. Unknown names are an error.
func (t *Table) Drop(names ...string) (*Table, error) {
	if err := t.Require(names...); err != nil {
		return nil, err
	}
	skip := make(map[string]struct{}, len(names))
	for _, n := range names {
		skip[n] = struct{}{}
	}
	cols := make([]*Column, 0, len(t.cols))
	for _, c := range t.cols {
		if _, ok := skip[c.name]; !ok {
			cols = append(cols, c)
		}
	}
	return New(cols...)
}

// Rename returns a table whose column from is called to.
func (t *Table) Rename(from, to string) (*Table, error) {
	i, ok := t.index[from]
	if !ok {
		return nil, noColumn(from)
	}
	cols := t.Columns()
	cols[i] = cols[i].renamed(to)
	return New(cols...)
}

// WithColumn appends c, or replaces the column of the same name in place.
func (t *Table) WithColumn(c *Column) (*Table, error) {
	if len(t.cols) > 0 && c.Len() != t.rows {
		return nil, fmt.Errorf("%w: %q has %d rows, want %d", ErrLength, c.name, c.Len(), t.rows)
	}
	cols := t.Columns()
	if i, ok := t.index[c.name]; ok {
		cols[i] = c
	} else {
		cols = append(cols, c)
	}
	return New(cols...)
}

// Take returns the rows at the given indices, in that order.
func (t *Table) Take(idx []int) *Table {
	cols := make([]*Column, len(t.cols))
	for i, c := range t.cols {
		cols[i] = c.take(idx)
	}
	out, _ := New(cols...)
	if len(cols) == 0 {
		out.rows = len(idx)
	}
	return out
}

// Filter keeps the rows for which keep returns true.
func (t *Table) Filter(keep func(Row) bool) *Table {
	idx := make([]int, 0, t.rows)
	for i := 0; i < t.rows; i++ {
		if keep(t.Row(i)) {
			idx = append(idx, i)
		}
	}
	return t.Take(idx)
}

// DeriveFloat adds (or replaces) a float column computed from each row.
func (t *Table) DeriveFloat(name string, fn func(Row) float64) (*Table, error) {
	vals := make([]float64, t.rows)
	for i := range vals {
		vals[i] = fn(t.Row(i))
	}
	return t.WithColumn(&Column{name: name, kind: Float, nums: vals})
}

// DeriveString adds (or replaces) a string column computed from each row.
func (t *Table) DeriveString(name string, fn func(Row) string) (*Table, error) {
	vals := make([]string, t.rows)
	for i := range vals {
		vals[i] = fn(t.Row(i))
	}
	return t.WithColumn(&Column{name: name, kind: String, strs: vals})
}

// SortBy orders rows by the named columns (stable). Float columns sort
// numerically, string columns lexically; missing values sort last.
func (t *Table) SortBy(names ...string) (*Table, error) {
	cols := make([]*Column, len(names))
	for i, n := range names {
		c, err := t.Column(n)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	idx := make([]int, t.rows)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for _, c := range cols {
			if cmp := compareCell(c, idx[a], idx[b]); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	return t.Take(idx), nil
}

func compareCell(c *Column, i, j int) int {
	mi, mj := c.Missing(i), c.Missing(j)
	switch {
	case mi && mj:
		return 0
	case mi:
		return 1
	case mj:
		return -1
	}
	if c.kind == Float {
		a, b := c.nums[i], c.nums[j]
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}
	return strings.Compare(c.strs[i], c.strs[j])
}

// SameRows reports whether a and b hold the same columns (by name and kind,
// in any order) and the same multiset of rows.
func SameRows(a, b *Table) bool {
	if a.Width() != b.Width() || a.Len() != b.Len() {
		return false
	}
	names := a.Names()
	sort.Strings(names)
	for _, n := range names {
		ca, _ := a.Column(n)
		cb, err := b.Column(n)
		if err != nil || ca.kind != cb.kind {
			return false
		}
	}
	counts := make(map[string]int, a.Len())
	for i := 0; i < a.Len(); i++ {
		counts[rowKey(a, names, i)]++
	}
	for i := 0; i < b.Len(); i++ {
		k := rowKey(b, names, i)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}

func rowKey(t *Table, names []string, i int) string {
	parts := make([]string, len(names))
	for j, n := range names {
		c, _ := t.Column(n)
		parts[j] = c.Str(i)
	}
	return tupleKey(parts)
}

// tupleKey encodes a tuple of labels so that distinct tuples never collide,
// whatever characters the labels contain.
func tupleKey(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Row is a read-only view of one table row.
type Row struct {
	t *Table
	i int
}

// Index returns the row position in its table.
func (r Row) Index() int { return r.i }

// Str returns the named value as text, or "" when the column does not exist.
func (r Row) Str(name string) string {
	c, err := r.t.Column(name)
	if err != nil {
		return ""
	}
	return c.Str(r.i)
}

// Num returns the named value as a number, or NaN when it is missing, not
// numeric, or the column does not exist.
func (r Row) Num(name string) float64 {
	c, err := r.t.Column(name)
	if err != nil {
		return math.NaN()
	}
	return c.Num(r.i)
}

// Missing reports whether the named value is missing or the column absent.
func (r Row) Missing(name string) bool {
	c, err := r.t.Column(name)
	if err != nil {
		return true
	}
	return c.Missing(r.i)
}
