package table

import (
	"fmt"
	"math"
)

type wideConfig struct {
	aggregate Reducer
}

// WideOption customises LongToWide.
type WideOption func(*wideConfig)

// WithAggregate reduces repeated (key, pivot) cells instead of failing.
func WithAggregate(r Reducer) WideOption {
	return func(c *wideConfig) { c.aggregate = r }
}

// LongToWide groups rows by keys and spreads value into one column per
// distinct pivot value, in order of first appearance. Columns other than
// keys, pivot and value are dropped. A (key, pivot) pair seen more than once
// is a *DuplicateKeyError unless WithAggregate is given. A row whose pivot
// value is missing has no column to go to and fails with ErrMissingPivot.
// Cells with no matching row are missing.
func LongToWide(t *Table, keys []string, pivot, value string, opts ...WideOption) (*Table, error) {
	var cfg wideConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := t.Require(append(append([]string{}, keys...), pivot, value)...); err != nil {
		return nil, err
	}
	pivotCol, _ := t.Column(pivot)
	valueCol, _ := t.Column(value)
	if cfg.aggregate != "" {
		if err := cfg.aggregate.validate(); err != nil {
			return nil, err
		}
		if valueCol.kind != Float && cfg.aggregate != Count {
			return nil, kindMismatch(value, Float, valueCol.kind)
		}
	}

	for r := 0; r < t.Len(); r++ {
		if pivotCol.Missing(r) {
			return nil, fmt.Errorf("%w: %q in row %d", ErrMissingPivot, pivot, r)
		}
	}

	levels := pivotCol.Distinct()
	levelIndex := make(map[string]int, len(levels))
	for i, l := range levels {
		for _, k := range keys {
			if l == k {
				return nil, fmt.Errorf("table: pivot level %q collides with key column", l)
			}
		}
		levelIndex[l] = i
	}

	g, err := t.GroupBy(keys...)
	if err != nil {
		return nil, err
	}

	// cells[group][level] holds the row indices feeding that cell.
	cells := make([][][]int, len(g.groups))
	for gi, grp := range g.groups {
		cells[gi] = make([][]int, len(levels))
		for _, r := range grp.rows {
			li := levelIndex[pivotCol.Str(r)]
			cells[gi][li] = append(cells[gi][li], r)
		}
	}

	out := make([]*Column, 0, len(keys)+len(levels))
	first := make([]int, len(g.groups))
	for gi, grp := range g.groups {
		first[gi] = grp.rows[0]
	}
	for _, k := range keys {
		c, _ := t.Column(k)
		out = append(out, c.take(first))
	}

	for li, level := range levels {
		switch {
		case cfg.aggregate != "":
			vals := make([]float64, len(g.groups))
			for gi := range g.groups {
				rows := cells[gi][li]
				if len(rows) == 0 {
					vals[gi] = math.NaN()
					continue
				}
				vals[gi] = reduceRows(cfg.aggregate, valueCol, rows)
			}
			out = append(out, &Column{name: level, kind: Float, nums: vals})
		case valueCol.kind == Float:
			vals := make([]float64, len(g.groups))
			for gi, grp := range g.groups {
				rows := cells[gi][li]
				if err := singleCell(keys, grp.key, level, rows); err != nil {
					return nil, err
				}
				vals[gi] = math.NaN()
				if len(rows) == 1 {
					vals[gi] = valueCol.nums[rows[0]]
				}
			}
			out = append(out, &Column{name: level, kind: Float, nums: vals})
		default:
			vals := make([]string, len(g.groups))
			for gi, grp := range g.groups {
				rows := cells[gi][li]
				if err := singleCell(keys, grp.key, level, rows); err != nil {
					return nil, err
				}
				if len(rows) == 1 {
					vals[gi] = valueCol.strs[rows[0]]
				}
			}
			out = append(out, &Column{name: level, kind: String, strs: vals})
		}
	}
	return New(out...)
}

func singleCell(keys, values []string, level string, rows []int) error {
	if len(rows) <= 1 {
		return nil
	}
	return &DuplicateKeyError{
		Keys:   append([]string(nil), keys...),
		Values: append([]string(nil), values...),
		Pivot:  level,
		Count:  len(rows),
	}
}

type longConfig struct {
	dropMissing bool
}

// LongOption customises WideToLong.
type LongOption func(*longConfig)

// DropMissing skips cells whose value is missing.
func DropMissing() LongOption {
	return func(c *longConfig) { c.dropMissing = true }
}

// WideToLong is the inverse of LongToWide: each row yields one output row per
// value column, carrying the keys, the value column name under pivotName and
// the cell under valueName. Value columns must share a kind. The pivot column
// is always a string column.
func WideToLong(t *Table, keys, values []string, pivotName, valueName string, opts ...LongOption) (*Table, error) {
	var cfg longConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("table: no value columns to gather")
	}
	if pivotName == valueName {
		return nil, fmt.Errorf("table: pivot and value names are both %q", pivotName)
	}
	for _, k := range keys {
		if k == pivotName || k == valueName {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, k)
		}
	}
	if err := t.Require(append(append([]string{}, keys...), values...)...); err != nil {
		return nil, err
	}
	valueCols := make([]*Column, len(values))
	for i, v := range values {
		valueCols[i], _ = t.Column(v)
		if valueCols[i].kind != valueCols[0].kind {
			return nil, kindMismatch(v, valueCols[0].kind, valueCols[i].kind)
		}
	}
	kind := valueCols[0].kind

	var (
		src    []int
		pivots []string
		nums   []float64
		strs   []string
	)
	for r := 0; r < t.rows; r++ {
		for i, vc := range valueCols {
			if cfg.dropMissing && vc.Missing(r) {
				continue
			}
			src = append(src, r)
			pivots = append(pivots, values[i])
			if kind == Float {
				nums = append(nums, vc.nums[r])
			} else {
				strs = append(strs, vc.strs[r])
			}
		}
	}

	out := make([]*Column, 0, len(keys)+2)
	for _, k := range keys {
		c, _ := t.Column(k)
		out = append(out, c.take(src))
	}
	out = append(out, &Column{name: pivotName, kind: String, strs: pivots})
	if kind == Float {
		out = append(out, &Column{name: valueName, kind: Float, nums: nums})
	} else {
		out = append(out, &Column{name: valueName, kind: String, strs: strs})
	}
	return New(out...)
}

func gather(c *Column, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = c.Num(r)
	}
	return out
}

// reduceRows applies r to the given rows of c. Count works on any kind.
func reduceRows(r Reducer, c *Column, rows []int) float64 {
	if r == Count {
		n := 0
		for _, row := range rows {
			if !c.Missing(row) {
				n++
			}
		}
		return float64(n)
	}
	return r.Reduce(gather(c, rows))
}
