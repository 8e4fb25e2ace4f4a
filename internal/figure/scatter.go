package figure

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"colonystats/internal/model"
	"colonystats/internal/table"
)

// Scatter plots y against x. With a group column the points are coloured by
// group; with fit an ordinary least squares line is added per group, or
// once over all points when group is empty.
func Scatter(t *table.Table, x, y, group string, fit bool, opts Options) ([]byte, error) {
	opts = opts.withDefaults(x, y)
	p := newPlot(opts)
	if err := addScatter(p, t, x, y, group, fit); err != nil {
		return nil, err
	}
	return render(p, opts)
}

func addScatter(p *plot.Plot, t *table.Table, x, y, group string, fit bool) error {
	xc, err := numeric(t, x)
	if err != nil {
		return err
	}
	yc, err := numeric(t, y)
	if err != nil {
		return err
	}
	levels, rows, err := groups(t, group)
	if err != nil {
		return err
	}
	drawn := 0
	for gi, lv := range levels {
		pts := pairs(xc, yc, rows[lv])
		if len(pts) == 0 {
			continue
		}
		col := colorAt(gi)
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("figure: %w", err)
		}
		sc.GlyphStyle.Color = col
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
		if group != "" {
			p.Legend.Add(lv, sc)
		}
		drawn++
		if !fit {
			continue
		}
		if line := olsLine(pts); line != nil {
			l, err := plotter.NewLine(line)
			if err != nil {
				return fmt.Errorf("figure: %w", err)
			}
			l.LineStyle.Color = col
			l.LineStyle.Width = vg.Points(1.5)
			p.Add(l)
		}
	}
	if drawn == 0 {
		return fmt.Errorf("figure: no complete (%s, %s) pairs", x, y)
	}
	return nil
}

func pairs(xc, yc *table.Column, rows []int) plotter.XYs {
	out := make(plotter.XYs, 0, len(rows))
	for _, i := range rows {
		xv, yv := xc.Num(i), yc.Num(i)
		if math.IsNaN(xv) || math.IsNaN(yv) {
			continue
		}
		out = append(out, plotter.XY{X: xv, Y: yv})
	}
	return out
}

// olsLine spans the observed x range with the least squares fit of pts, or
// returns nil when x does not vary.
func olsLine(pts plotter.XYs) plotter.XYs {
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, pt := range pts {
		xs[i], ys[i] = pt.X, pt.Y
	}
	lo, hi := minMax(xs)
	if len(pts) < 2 || hi <= lo {
		return nil
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	return plotter.XYs{{X: lo, Y: alpha + beta*lo}, {X: hi, Y: alpha + beta*hi}}
}

// Facet draws one scatter-with-fit panel of y against x per level of facet,
// laid out row-major in cols columns with aligned data areas. A non-empty
// title prefixes each panel title.
func Facet(t *table.Table, facet, x, y string, cols int, opts Options) ([]byte, error) {
	opts = opts.withDefaults(x, y)
	levels, rows, err := groups(t, facet)
	if err != nil {
		return nil, err
	}
	if facet == "" || len(levels) == 0 {
		return nil, fmt.Errorf("figure: facet column %q has no levels", facet)
	}
	if cols <= 0 {
		cols = int(math.Ceil(math.Sqrt(float64(len(levels)))))
	}
	cols = min(cols, len(levels))
	nrows := (len(levels) + cols - 1) / cols
	grid := make([][]*plot.Plot, nrows)
	for r := range grid {
		grid[r] = make([]*plot.Plot, cols)
	}
	for i, lv := range levels {
		panel := opts
		panel.Title = lv
		if opts.Title != "" {
			panel.Title = opts.Title + ": " + lv
		}
		p := newPlot(panel)
		if err := addScatter(p, t.Take(rows[lv]), x, y, "", true); err != nil {
			return nil, fmt.Errorf("figure: panel %s: %w", lv, err)
		}
		grid[i/cols][i%cols] = p
	}
	canvas, err := draw.NewFormattedCanvas(opts.Width*vg.Length(cols)/2, opts.Height*vg.Length(nrows)/2, string(opts.Format))
	if err != nil {
		return nil, fmt.Errorf("figure: %w", err)
	}
	tiles := draw.Tiles{Rows: nrows, Cols: cols, PadX: vg.Millimeter, PadY: vg.Millimeter, PadTop: vg.Millimeter, PadBottom: vg.Millimeter, PadLeft: vg.Millimeter, PadRight: vg.Millimeter}
	canvases := plot.Align(grid, tiles, draw.New(canvas))
	for r, row := range grid {
		for c, p := range row {
			if p != nil {
				p.Draw(canvases[r][c])
			}
		}
	}
	return encode(canvas)
}

// Predictions overlays the fitted values of m on the observed response,
// plotted against the numeric column x. Fitted values include the
// conditional modes of mixed models, so with group set to a grouping factor
// each group gets its own prediction line.
func Predictions(m *model.Fitted, x, group string, opts Options) ([]byte, error) {
	data := m.Data()
	y := m.Formula().Response
	opts = opts.withDefaults(x, y)
	if opts.Title == "" {
		opts.Title = m.Formula().String()
	}
	xc, err := numeric(data, x)
	if err != nil {
		return nil, err
	}
	yc, err := numeric(data, y)
	if err != nil {
		return nil, err
	}
	fitted := m.FittedValues()
	levels, rows, err := groups(data, group)
	if err != nil {
		return nil, err
	}
	p := newPlot(opts)
	for gi, lv := range levels {
		idx := rows[lv]
		if len(idx) == 0 {
			continue
		}
		col := colorAt(gi)
		sc, err := plotter.NewScatter(pairs(xc, yc, idx))
		if err != nil {
			return nil, fmt.Errorf("figure: %w", err)
		}
		sc.GlyphStyle.Color = fade(col)
		sc.GlyphStyle.Radius = vg.Points(1.5)
		pred := make(plotter.XYs, len(idx))
		for k, i := range idx {
			pred[k] = plotter.XY{X: xc.Num(i), Y: fitted[i]}
		}
		sort.SliceStable(pred, func(a, b int) bool { return pred[a].X < pred[b].X })
		line, err := plotter.NewLine(pred)
		if err != nil {
			return nil, fmt.Errorf("figure: %w", err)
		}
		line.LineStyle.Color = col
		line.LineStyle.Width = vg.Points(1.5)
		p.Add(sc, line)
		if group != "" && len(levels) <= 12 {
			p.Legend.Add(lv, line)
		}
	}
	return render(p, opts)
}
