// Package figure renders the exploratory and model figures of an analysis as
// PNG or SVG bytes using gonum/plot. Rendering never mutates its input and
// jitter and bootstrap draws are seeded, so the same call produces the same
// image.
package figure

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"math"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"colonystats/internal/table"
)

// Format is an output encoding.
type Format string

const (
	PNG Format = "png"
	SVG Format = "svg"
)

// ParseFormat accepts "png" and "svg" (case-insensitive, optional dot).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.TrimPrefix(strings.ToLower(s), ".")); f {
	case "":
		return PNG, nil
	case PNG, SVG:
		return f, nil
	}
	return "", fmt.Errorf("figure: unsupported format %q", s)
}

// ContentType is the MIME type of the encoding.
func (f Format) ContentType() string {
	if f == SVG {
		return "image/svg+xml"
	}
	return "image/png"
}

// Options controls labelling and output. Zero values select defaults: PNG,
// 16x12 cm, axis labels taken from the column names.
type Options struct {
	Title  string    `yaml:"title"`
	XLabel string    `yaml:"x_label"`
	YLabel string    `yaml:"y_label"`
	Format Format    `yaml:"format" validate:"omitempty,oneof=png svg"`
	Width  vg.Length `yaml:"width" validate:"gte=0"`
	Height vg.Length `yaml:"height" validate:"gte=0"`
	// Seed drives jitter and bootstrap resampling.
	Seed uint64 `yaml:"seed"`
}

func (o Options) withDefaults(x, y string) Options {
	if o.Format == "" {
		o.Format = PNG
	}
	if o.Width <= 0 {
		o.Width = 16 * vg.Centimeter
	}
	if o.Height <= 0 {
		o.Height = 12 * vg.Centimeter
	}
	if o.XLabel == "" {
		o.XLabel = x
	}
	if o.YLabel == "" {
		o.YLabel = y
	}
	return o
}

func newPlot(o Options) *plot.Plot {
	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = o.XLabel
	p.Y.Label.Text = o.YLabel
	p.Legend.Top = true
	return p
}

func render(p *plot.Plot, o Options) ([]byte, error) {
	wt, err := p.WriterTo(o.Width, o.Height, string(o.Format))
	if err != nil {
		return nil, fmt.Errorf("figure: %w", err)
	}
	return encode(wt)
}

func colorAt(i int) color.Color { return plotutil.Color(i) }

// numeric returns the float column name, failing for string columns.
func numeric(t *table.Table, name string) (*table.Column, error) {
	c, err := t.Column(name)
	if err != nil {
		return nil, fmt.Errorf("figure: %w", err)
	}
	if c.Kind() != table.Float {
		return nil, fmt.Errorf("figure: column %q: %w", name, table.ErrKindMismatch)
	}
	return c, nil
}

// groups splits the rows of t by the values of column by. An empty name puts
// every row in one unnamed group. Rows with a missing group are dropped.
func groups(t *table.Table, by string) ([]string, map[string][]int, error) {
	if by == "" {
		idx := make([]int, t.Len())
		for i := range idx {
			idx[i] = i
		}
		return []string{""}, map[string][]int{"": idx}, nil
	}
	c, err := t.Column(by)
	if err != nil {
		return nil, nil, fmt.Errorf("figure: %w", err)
	}
	levels := c.Levels()
	rows := make(map[string][]int, len(levels))
	for i := 0; i < c.Len(); i++ {
		if !c.Missing(i) {
			rows[c.Str(i)] = append(rows[c.Str(i)], i)
		}
	}
	return levels, rows, nil
}

func present(c *table.Column, rows []int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, i := range rows {
		if v := c.Num(i); !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// fade returns c with reduced opacity for filled areas.
func fade(c color.Color) color.Color {
	r, g, b, _ := c.RGBA()
	return color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 90}
}

func encode(c io.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("figure: encode: %w", err)
	}
	return buf.Bytes(), nil
}
