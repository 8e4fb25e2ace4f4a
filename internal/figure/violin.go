package figure

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"colonystats/internal/table"
)

const (
	violinHalfWidth = 0.4
	violinGrid      = 64
	jitterWidth     = 0.15
)

// Violin draws a Gaussian kernel density outline of y for every level of x,
// mirrored around the level's position, with the observations overlaid as
// jittered points.
func Violin(t *table.Table, x, y string, opts Options) ([]byte, error) {
	opts = opts.withDefaults(x, y)
	yc, err := numeric(t, y)
	if err != nil {
		return nil, err
	}
	levels, rows, err := groups(t, x)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	p := newPlot(opts)
	var names []string
	for _, lv := range levels {
		vals := present(yc, rows[lv])
		if len(vals) == 0 {
			continue
		}
		pos := float64(len(names))
		col := colorAt(len(names))
		names = append(names, lv)
		if outline := violinOutline(vals, pos); outline != nil {
			poly, err := plotter.NewPolygon(outline)
			if err != nil {
				return nil, fmt.Errorf("figure: %w", err)
			}
			poly.Color = fade(col)
			poly.LineStyle.Color = col
			p.Add(poly)
		}
		pts := make(plotter.XYs, len(vals))
		for i, v := range vals {
			pts[i] = plotter.XY{X: pos + (rng.Float64()-0.5)*2*jitterWidth, Y: v}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("figure: %w", err)
		}
		sc.GlyphStyle.Color = col
		sc.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(sc)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("figure: no observed %s values", y)
	}
	p.NominalX(names...)
	return render(p, opts)
}

// violinOutline returns the closed outline of the density of vals scaled to
// violinHalfWidth around pos, or nil when fewer than two distinct values
// exist.
func violinOutline(vals []float64, pos float64) plotter.XYs {
	h := SilvermanBandwidth(vals)
	if h <= 0 {
		return nil
	}
	lo, hi := minMax(vals)
	lo, hi = lo-3*h, hi+3*h
	ys := make([]float64, violinGrid)
	dens := make([]float64, violinGrid)
	peak := 0.0
	for i := range ys {
		ys[i] = lo + (hi-lo)*float64(i)/float64(violinGrid-1)
		dens[i] = KDE(vals, h, ys[i])
		peak = math.Max(peak, dens[i])
	}
	out := make(plotter.XYs, 0, 2*violinGrid)
	for i := range ys {
		out = append(out, plotter.XY{X: pos + violinHalfWidth*dens[i]/peak, Y: ys[i]})
	}
	for i := violinGrid - 1; i >= 0; i-- {
		out = append(out, plotter.XY{X: pos - violinHalfWidth*dens[i]/peak, Y: ys[i]})
	}
	return out
}

// SilvermanBandwidth is the rule-of-thumb Gaussian kernel bandwidth
// 0.9 * min(sd, IQR/1.34) * n^(-1/5). It returns 0 for fewer than two values
// or a degenerate sample.
func SilvermanBandwidth(vals []float64) float64 {
	n := len(vals)
	if n < 2 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	sd := stat.StdDev(sorted, nil)
	iqr := stat.Quantile(0.75, stat.Empirical, sorted, nil) - stat.Quantile(0.25, stat.Empirical, sorted, nil)
	spread := sd
	if iqr > 0 && iqr/1.34 < spread {
		spread = iqr / 1.34
	}
	if spread <= 0 || math.IsNaN(spread) {
		return 0
	}
	return 0.9 * spread * math.Pow(float64(n), -0.2)
}

// KDE evaluates the Gaussian kernel density estimate of vals at y.
func KDE(vals []float64, h, y float64) float64 {
	var s float64
	for _, v := range vals {
		z := (y - v) / h
		s += math.Exp(-0.5 * z * z)
	}
	return s / (float64(len(vals)) * h * math.Sqrt(2*math.Pi))
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
