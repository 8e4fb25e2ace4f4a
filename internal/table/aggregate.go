package table

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Reducer names a reduction over the non-missing values of a group.
type Reducer string

const (
	Mean   Reducer = "mean"
	SD     Reducer = "sd"
	Count  Reducer = "count"
	Sum    Reducer = "sum"
	Min    Reducer = "min"
	Max    Reducer = "max"
	Median Reducer = "median"
)

func (r Reducer) validate() error {
	switch r {
	case Mean, SD, Count, Sum, Min, Max, Median:
		return nil
	default:
		return fmt.Errorf("table: unknown reducer %q", string(r))
	}
}

// Reduce applies r to vals, skipping NaN. An empty input yields NaN for every
// reducer except Count and Sum, which yield 0.
func (r Reducer) Reduce(vals []float64) float64 {
	xs := present(vals)
	switch r {
	case Count:
		return float64(len(xs))
	case Sum:
		s := 0.0
		for _, v := range xs {
			s += v
		}
		return s
	}
	if len(xs) == 0 {
		return math.NaN()
	}
	switch r {
	case Mean:
		return stat.Mean(xs, nil)
	case SD:
		if len(xs) < 2 {
			return math.NaN()
		}
		return stat.StdDev(xs, nil)
	case Min:
		m := xs[0]
		for _, v := range xs[1:] {
			m = math.Min(m, v)
		}
		return m
	case Max:
		m := xs[0]
		for _, v := range xs[1:] {
			m = math.Max(m, v)
		}
		return m
	case Median:
		sort.Float64s(xs)
		return Quantile(xs, 0.5)
	}
	return math.NaN()
}

func present(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// Quantile returns the p-quantile of sorted using linear interpolation
// between order statistics (Hyndman-Fan type 7).
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Aggregation computes Reducer over Column and names the result As (default
// "<column>_<reducer>").
type Aggregation struct {
	Column  string
	Reducer Reducer
	As      string
}

func (a Aggregation) name() string {
	if a.As != "" {
		return a.As
	}
	return a.Column + "_" + string(a.Reducer)
}

// Grouped is a table partitioned by key columns.
type Grouped struct {
	t      *Table
	keys   []string
	groups []group
}

type group struct {
	key  []string
	rows []int
}

// GroupBy partitions rows by the values of keys, in order of first
// appearance. With no keys the whole table is one group.
func (t *Table) GroupBy(keys ...string) (*Grouped, error) {
	cols := make([]*Column, len(keys))
	for i, k := range keys {
		c, err := t.Column(k)
		if err != nil {
			return nil, err
		}
		cols[i] = c
	}
	g := &Grouped{t: t, keys: append([]string(nil), keys...)}
	index := make(map[string]int)
	for r := 0; r < t.rows; r++ {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = c.Str(r)
		}
		k := tupleKey(vals)
		gi, ok := index[k]
		if !ok {
			gi = len(g.groups)
			index[k] = gi
			g.groups = append(g.groups, group{key: vals})
		}
		g.groups[gi].rows = append(g.groups[gi].rows, r)
	}
	return g, nil
}

// Len returns the number of groups.
func (g *Grouped) Len() int { return len(g.groups) }

// Key returns the key values of group i.
func (g *Grouped) Key(i int) []string { return append([]string(nil), g.groups[i].key...) }

// Rows returns the row indices of group i.
func (g *Grouped) Rows(i int) []int { return append([]int(nil), g.groups[i].rows...) }

func (g *Grouped) reduce(aggs []Aggregation) ([][]float64, error) {
	out := make([][]float64, len(aggs))
	for ai, a := range aggs {
		if err := a.Reducer.validate(); err != nil {
			return nil, err
		}
		c, err := g.t.Column(a.Column)
		if err != nil {
			return nil, err
		}
		if c.kind != Float && a.Reducer != Count {
			return nil, kindMismatch(a.Column, Float, c.kind)
		}
		vals := make([]float64, len(g.groups))
		for gi, grp := range g.groups {
			vals[gi] = reduceRows(a.Reducer, c, grp.rows)
		}
		out[ai] = vals
	}
	return out, nil
}

// Collapse returns one row per group: the key columns followed by one
// column per aggregation.
func (g *Grouped) Collapse(aggs ...Aggregation) (*Table, error) {
	reduced, err := g.reduce(aggs)
	if err != nil {
		return nil, err
	}
	first := make([]int, len(g.groups))
	for i, grp := range g.groups {
		first[i] = grp.rows[0]
	}
	cols := make([]*Column, 0, len(g.keys)+len(aggs))
	for _, k := range g.keys {
		c, _ := g.t.Column(k)
		cols = append(cols, c.take(first))
	}
	for ai, a := range aggs {
		cols = append(cols, &Column{name: a.name(), kind: Float, nums: reduced[ai]})
	}
	return New(cols...)
}

// Broadcast returns the original rows with one extra column per aggregation;
// every row of a group receives that group's value.
func (g *Grouped) Broadcast(aggs ...Aggregation) (*Table, error) {
	reduced, err := g.reduce(aggs)
	if err != nil {
		return nil, err
	}
	out := g.t
	for ai, a := range aggs {
		vals := make([]float64, g.t.rows)
		for gi, grp := range g.groups {
			for _, r := range grp.rows {
				vals[r] = reduced[ai][gi]
			}
		}
		if out, err = out.WithColumn(&Column{name: a.name(), kind: Float, nums: vals}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Standardize adds column as holding z-scores of column. The mean and
// standard deviation are computed once per partition (once overall when
// groupBy is empty) and applied to every row of that partition. A partition
// with zero or undefined spread yields NaN.
func (t *Table) Standardize(column, as string, groupBy ...string) (*Table, error) {
	c, err := t.Column(column)
	if err != nil {
		return nil, err
	}
	if c.kind != Float {
		return nil, kindMismatch(column, Float, c.kind)
	}
	g, err := t.GroupBy(groupBy...)
	if err != nil {
		return nil, err
	}
	z := make([]float64, t.rows)
	for _, grp := range g.groups {
		xs := present(gather(c, grp.rows))
		mean, sd := math.NaN(), math.NaN()
		if len(xs) > 1 {
			mean, sd = stat.MeanStdDev(xs, nil)
		}
		for _, r := range grp.rows {
			if sd == 0 || math.IsNaN(sd) {
				z[r] = math.NaN()
				continue
			}
			z[r] = (c.nums[r] - mean) / sd
		}
	}
	if as == "" {
		as = column
	}
	return t.WithColumn(&Column{name: as, kind: Float, nums: z})
}
