package inference

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"colonystats/internal/model"
	"colonystats/internal/table"
)

// Adjustment is a multiple-comparison correction.
type Adjustment string

const (
	Tukey      Adjustment = "tukey"
	Bonferroni Adjustment = "bonferroni"
	Holm       Adjustment = "holm"
	Sidak      Adjustment = "sidak"
	NoAdjust   Adjustment = "none"
)

// ParseAdjustment resolves a correction name; empty selects Tukey.
func ParseAdjustment(s string) (Adjustment, error) {
	switch a := Adjustment(s); a {
	case "":
		return Tukey, nil
	case Tukey, Bonferroni, Holm, Sidak, NoAdjust:
		return a, nil
	}
	return "", fmt.Errorf("inference: unknown adjustment %q", s)
}

// MarginalMean is the estimated marginal mean of one factor level on the
// linear predictor scale.
type MarginalMean struct {
	Level    string  `json:"level"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
}

// Contrast is the difference between two factor levels.
type Contrast struct {
	Level1    string  `json:"level1"`
	Level2    string  `json:"level2"`
	Estimate  float64 `json:"estimate"`
	SE        float64 `json:"se"`
	Statistic float64 `json:"statistic"`
	DF        float64 `json:"df"`
	P         float64 `json:"p"`
}

// Name labels the contrast "a - b".
func (c Contrast) Name() string { return c.Level1 + " - " + c.Level2 }

// ContrastSet holds the marginal means of a factor and all their pairwise
// differences.
type ContrastSet struct {
	Factor     string         `json:"factor"`
	Adjustment Adjustment     `json:"adjustment"`
	Means      []MarginalMean `json:"means"`
	Contrasts  []Contrast     `json:"contrasts"`
}

const meanLevel = 0.95

// PairwiseContrasts compares every pair of levels of the categorical fixed
// effect factor. Means are taken over a reference grid with numeric
// covariates at their sample mean and other factors weighted equally.
// Contrasts run in level order (first minus later).
func PairwiseContrasts(m *model.Fitted, factor string, adjust Adjustment) (*ContrastSet, error) {
	if adjust == "" {
		adjust = Tukey
	}
	if _, err := ParseAdjustment(string(adjust)); err != nil {
		return nil, err
	}
	levels, ok := m.FactorLevels(factor)
	if !ok || !inFixed(m, factor) {
		return nil, fmt.Errorf("inference: %q is not a categorical fixed effect of %s", factor, m.Formula())
	}
	rows, err := referenceGrid(m, factor, levels)
	if err != nil {
		return nil, err
	}
	x, err := m.DesignFor(rows.table)
	if err != nil {
		return nil, err
	}
	_, p := x.Dims()
	beta := mat.NewVecDense(p, m.Coef())
	v := m.VCov()

	// Row l of weights averages the grid rows of level l.
	weights := mat.NewDense(len(levels), p, nil)
	for l := range levels {
		for _, r := range rows.byLevel[l] {
			for a := 0; a < p; a++ {
				weights.Set(l, a, weights.At(l, a)+x.At(r, a)/float64(len(rows.byLevel[l])))
			}
		}
	}
	df := residualDF(m)
	crit := critical(meanLevel, df)
	out := &ContrastSet{Factor: factor, Adjustment: adjust}
	for l, name := range levels {
		w := weights.RowView(l)
		est := mat.Dot(w, beta)
		se := math.Sqrt(mat.Inner(w, v, w))
		out.Means = append(out.Means, MarginalMean{Level: name, Estimate: est, SE: se, Lower: est - crit*se, Upper: est + crit*se})
	}
	for i := 0; i < len(levels); i++ {
		for j := i + 1; j < len(levels); j++ {
			d := mat.NewVecDense(p, nil)
			d.SubVec(weights.RowView(i), weights.RowView(j))
			est := mat.Dot(d, beta)
			se := math.Sqrt(mat.Inner(d, v, d))
			s := est / se
			out.Contrasts = append(out.Contrasts, Contrast{
				Level1:    levels[i],
				Level2:    levels[j],
				Estimate:  est,
				SE:        se,
				Statistic: s,
				DF:        df,
				P:         twoSided(s, df),
			})
		}
	}
	adjustP(out.Contrasts, adjust, len(levels))
	return out, nil
}

func inFixed(m *model.Fitted, v string) bool {
	for _, t := range m.Formula().Fixed {
		for _, tv := range t.Vars {
			if tv == v {
				return true
			}
		}
	}
	return false
}

type refGrid struct {
	table   *table.Table
	byLevel [][]int
}

// referenceGrid crosses the levels of factor with every combination of the
// other fixed factors; numeric covariates are held at their mean.
func referenceGrid(m *model.Fitted, factor string, levels []string) (*refGrid, error) {
	data := m.Data()
	var factors []string
	var numeric []string
	seen := map[string]bool{factor: true}
	for _, t := range m.Formula().Fixed {
		for _, v := range t.Vars {
			if seen[v] {
				continue
			}
			seen[v] = true
			c, err := data.Column(v)
			if err != nil {
				return nil, err
			}
			if c.Kind() == table.String {
				factors = append(factors, v)
			} else {
				numeric = append(numeric, v)
			}
		}
	}
	sort.Strings(factors)
	combos := [][]string{nil}
	for _, f := range factors {
		fl, _ := m.FactorLevels(f)
		var next [][]string
		for _, c := range combos {
			for _, l := range fl {
				next = append(next, append(append([]string(nil), c...), l))
			}
		}
		combos = next
	}

	g := &refGrid{byLevel: make([][]int, len(levels))}
	target := make([]string, 0, len(levels)*len(combos))
	others := make([][]string, len(factors))
	for l, name := range levels {
		for _, c := range combos {
			g.byLevel[l] = append(g.byLevel[l], len(target))
			target = append(target, name)
			for fi := range factors {
				others[fi] = append(others[fi], c[fi])
			}
		}
	}
	cols := []*table.Column{table.NewStrings(factor, target)}
	for fi, f := range factors {
		cols = append(cols, table.NewStrings(f, others[fi]))
	}
	for _, v := range numeric {
		c, _ := data.Column(v)
		mean := stat.Mean(c.Floats(), nil)
		vals := make([]float64, len(target))
		for i := range vals {
			vals[i] = mean
		}
		cols = append(cols, table.NewFloats(v, vals))
	}
	t, err := table.New(cols...)
	if err != nil {
		return nil, err
	}
	g.table = t
	return g, nil
}

// adjustP applies the correction in place. k is the number of means, used
// by the studentized range.
func adjustP(cs []Contrast, adjust Adjustment, k int) {
	n := float64(len(cs))
	switch adjust {
	case Tukey:
		for i := range cs {
			cs[i].P = 1 - ptukey(math.Abs(cs[i].Statistic)*math.Sqrt2, float64(k), cs[i].DF)
		}
	case Bonferroni:
		for i := range cs {
			cs[i].P = math.Min(1, cs[i].P*n)
		}
	case Sidak:
		for i := range cs {
			cs[i].P = 1 - math.Pow(1-cs[i].P, n)
		}
	case Holm:
		order := make([]int, len(cs))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return cs[order[a]].P < cs[order[b]].P })
		running := 0.0
		for rank, i := range order {
			adj := math.Min(1, (n-float64(rank))*cs[i].P)
			running = math.Max(running, adj)
			cs[i].P = running
		}
	}
	for i := range cs {
		cs[i].P = math.Max(0, math.Min(1, cs[i].P))
	}
}
