package table

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Describe summarises column per group: n, mean, sd, se, min, q25, median,
// q75 and max over the non-missing values.
func (t *Table) Describe(column string, groupBy ...string) (*Table, error) {
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
	stats := []string{"n", "mean", "sd", "se", "min", "q25", "median", "q75", "max"}
	vals := make([][]float64, len(stats))
	for i := range vals {
		vals[i] = make([]float64, len(g.groups))
	}
	for gi, grp := range g.groups {
		xs := present(gather(c, grp.rows))
		sort.Float64s(xs)
		n := float64(len(xs))
		mean, sd := math.NaN(), math.NaN()
		if len(xs) > 0 {
			mean = stat.Mean(xs, nil)
		}
		if len(xs) > 1 {
			sd = stat.StdDev(xs, nil)
		}
		row := []float64{
			n, mean, sd, sd / math.Sqrt(n),
			Quantile(xs, 0), Quantile(xs, 0.25), Quantile(xs, 0.5), Quantile(xs, 0.75), Quantile(xs, 1),
		}
		for i := range stats {
			vals[i][gi] = row[i]
		}
	}
	first := make([]int, len(g.groups))
	for i, grp := range g.groups {
		first[i] = grp.rows[0]
	}
	cols := make([]*Column, 0, len(groupBy)+len(stats))
	for _, k := range groupBy {
		kc, _ := t.Column(k)
		cols = append(cols, kc.take(first))
	}
	for i, s := range stats {
		cols = append(cols, &Column{name: s, kind: Float, nums: vals[i]})
	}
	return New(cols...)
}

// MeanCI returns a percentile bootstrap confidence interval for the mean of
// values (missing values ignored), drawing resamples with a PCG source seeded
// by seed so that repeated calls agree.
func MeanCI(values []float64, level float64, resamples int, seed uint64) (lo, hi float64, err error) {
	if level <= 0 || level >= 1 {
		return 0, 0, fmt.Errorf("table: confidence level %v outside (0, 1)", level)
	}
	xs := present(values)
	if len(xs) == 0 {
		return math.NaN(), math.NaN(), nil
	}
	if resamples <= 0 {
		resamples = 1000
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	means := make([]float64, resamples)
	for b := range means {
		s := 0.0
		for range xs {
			s += xs[rng.IntN(len(xs))]
		}
		means[b] = s / float64(len(xs))
	}
	sort.Float64s(means)
	alpha := (1 - level) / 2
	return Quantile(means, alpha), Quantile(means, 1-alpha), nil
}
