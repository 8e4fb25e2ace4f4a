package figure

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"colonystats/internal/table"
)

// BootstrapResamples is the number of resamples behind each bar's interval.
const BootstrapResamples = 1000

// intervals pairs bar positions with asymmetric error extents.
type intervals struct {
	plotter.XYs
	plotter.YErrors
}

// Bar draws the mean of y for every level of x with a 95% percentile
// bootstrap interval. Levels without any observed y are omitted.
func Bar(t *table.Table, x, y string, opts Options) ([]byte, error) {
	opts = opts.withDefaults(x, y)
	yc, err := numeric(t, y)
	if err != nil {
		return nil, err
	}
	levels, rows, err := groups(t, x)
	if err != nil {
		return nil, err
	}
	var (
		names []string
		means plotter.Values
		ci    intervals
	)
	for _, lv := range levels {
		vals := present(yc, rows[lv])
		if len(vals) == 0 {
			continue
		}
		m := stat.Mean(vals, nil)
		lo, hi, err := table.MeanCI(vals, 0.95, BootstrapResamples, opts.Seed)
		if err != nil {
			return nil, fmt.Errorf("figure: %w", err)
		}
		ci.XYs = append(ci.XYs, plotter.XY{X: float64(len(names)), Y: m})
		ci.YErrors = append(ci.YErrors, struct{ Low, High float64 }{m - lo, hi - m})
		names = append(names, lv)
		means = append(means, m)
	}
	if len(means) == 0 {
		return nil, fmt.Errorf("figure: no observed %s values", y)
	}
	p := newPlot(opts)
	bars, err := plotter.NewBarChart(means, vg.Points(18))
	if err != nil {
		return nil, fmt.Errorf("figure: %w", err)
	}
	bars.Color = colorAt(0)
	bars.LineStyle.Width = 0
	errs, err := plotter.NewYErrorBars(ci)
	if err != nil {
		return nil, fmt.Errorf("figure: %w", err)
	}
	p.Add(bars, errs)
	p.NominalX(names...)
	return render(p, opts)
}
