// Package report assembles analysis results into a document of titled
// tables and renders it as text, JSON, CSV or HTML.
package report

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"colonystats/internal/inference"
	"colonystats/internal/model"
	"colonystats/internal/table"
)

// Kind classifies a section.
type Kind string

const (
	KindDescriptives  Kind = "descriptives"
	KindTable         Kind = "table"
	KindModel         Kind = "model"
	KindCoefficients  Kind = "coefficients"
	KindRandomEffects Kind = "random_effects"
	KindIntervals     Kind = "intervals"
	KindTermTests     Kind = "term_tests"
	KindComparison    Kind = "comparison"
	KindMeans         Kind = "marginal_means"
	KindContrasts     Kind = "contrasts"
	KindWarnings      Kind = "warnings"
	KindFigure        Kind = "figure"
)

// Section is one titled table. Cells are preformatted strings so every
// renderer shows the same values.
type Section struct {
	Title   string     `json:"title"`
	Kind    Kind       `json:"kind"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Notes   []string   `json:"notes,omitempty"`
}

// Document is an ordered list of sections.
type Document struct {
	Title    string    `json:"title"`
	RunID    string    `json:"run_id,omitempty"`
	Created  time.Time `json:"created"`
	Sections []Section `json:"sections"`
}

// New starts an empty document.
func New(title, runID string) *Document {
	return &Document{Title: title, RunID: runID, Created: time.Now().UTC()}
}

// Add appends a section.
func (d *Document) Add(s Section) { d.Sections = append(d.Sections, s) }

// Warnings collects the notes of every warnings section.
func (d *Document) Warnings() []string {
	var out []string
	for _, s := range d.Sections {
		if s.Kind == KindWarnings {
			out = append(out, s.Notes...)
		}
	}
	return out
}

// AddTable appends t verbatim. Float cells use up to four decimals.
func (d *Document) AddTable(title string, kind Kind, t *table.Table) {
	s := Section{Title: title, Kind: kind, Columns: t.Names()}
	cols := t.Columns()
	for i := 0; i < t.Len(); i++ {
		row := make([]string, len(cols))
		for j, c := range cols {
			switch {
			case c.Missing(i):
				row[j] = "NA"
			case c.Kind() == table.Float:
				row[j] = trimFloat(c.Num(i))
			default:
				row[j] = c.Str(i)
			}
		}
		s.Rows = append(s.Rows, row)
	}
	d.Add(s)
}

func trimFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// AddModel appends the fit summary, coefficient table with 95% intervals,
// variance components (mixed models) and any fit warnings of m.
func (d *Document) AddModel(name string, m *model.Fitted) error {
	d.Add(Section{
		Title:   name,
		Kind:    KindModel,
		Columns: []string{"formula", "model", "family", "method", "n", "npar", "logLik", "deviance", "AIC", "BIC"},
		Rows: [][]string{{
			m.Formula().String(), m.Kind().String(), m.Family().String(), methodLabel(m),
			strconv.Itoa(m.NumObs()), strconv.Itoa(m.NumParams()),
			Num(m.LogLik()), Num(m.Deviance()), Num(m.AIC()), Num(m.BIC()),
		}},
	})
	coefs := inference.Coefficients(m)
	ivs, err := inference.ConfidenceIntervals(m, 0.95)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	cs := Section{Title: name + ": fixed effects", Kind: KindCoefficients,
		Columns: []string{"term", "estimate", "SE", "stat", "value", "df", "p", "lower", "upper"}}
	for i, c := range coefs {
		cs.Rows = append(cs.Rows, []string{
			c.Name, Num(c.Estimate), Num(c.SE), c.StatName, Num(c.Statistic), dfCell(c.DF), pCell(c.P),
			Num(ivs[i].Lower), Num(ivs[i].Upper),
		})
		if c.Name != "(Intercept)" {
			cs.Notes = append(cs.Notes, c.Name+": "+EffectString(c, ivs[i]))
		}
	}
	d.Add(cs)
	if vcs := m.VarianceComponents(); len(vcs) > 0 {
		rs := Section{Title: name + ": variance components", Kind: KindRandomEffects,
			Columns: []string{"group", "term", "variance", "SD"}}
		for _, vc := range vcs {
			rs.Rows = append(rs.Rows, []string{vc.Group, vc.Column, num(vc.Variance, 3), num(vc.SD, 3)})
		}
		for g, n := range m.GroupLevels() {
			rs.Notes = append(rs.Notes, fmt.Sprintf("%s: %d levels", g, n))
		}
		sort.Strings(rs.Notes)
		d.Add(rs)
	}
	d.AddWarnings(name, m.Warnings())
	return nil
}

func methodLabel(m *model.Fitted) string {
	switch m.Kind() {
	case model.KindOLS:
		return "least squares"
	case model.KindLMM:
		return m.Method().String()
	case model.KindGLMM:
		return "ML (Laplace)"
	}
	return "ML"
}

// AddIntervals appends Wald confidence intervals.
func (d *Document) AddIntervals(title string, ivs []inference.Interval) {
	s := Section{Title: title, Kind: KindIntervals, Columns: []string{"term", "estimate", "level", "lower", "upper"}}
	for _, iv := range ivs {
		s.Rows = append(s.Rows, []string{iv.Term, Num(iv.Estimate), strconv.FormatFloat(iv.Level, 'f', -1, 64), Num(iv.Lower), Num(iv.Upper)})
	}
	d.Add(s)
}

// AddTermTests appends per-term significance tests.
func (d *Document) AddTermTests(title string, tests []inference.TermTest) {
	s := Section{Title: title, Kind: KindTermTests, Columns: []string{"term", "method", "statistic", "df", "den df", "p"}}
	for _, tt := range tests {
		den := ""
		if tt.DenDF > 0 {
			den = dfCell(tt.DenDF)
		}
		s.Rows = append(s.Rows, []string{tt.Term, string(tt.Method), Num(tt.Statistic), strconv.Itoa(tt.DF), den, pCell(tt.P)})
	}
	d.Add(s)
}

// AddComparison appends a likelihood-ratio comparison as a two-row table.
func (d *Document) AddComparison(title string, c *inference.Comparison) {
	s := Section{Title: title, Kind: KindComparison,
		Columns: []string{"model", "npar", "AIC", "BIC", "logLik", "deviance", "Chisq", "df", "p"}}
	s.Rows = [][]string{
		{c.Reduced.Formula, strconv.Itoa(c.Reduced.NPar), Num(c.Reduced.AIC), Num(c.Reduced.BIC), Num(c.Reduced.LogLik), Num(c.Reduced.Deviance), "", "", ""},
		{c.Full.Formula, strconv.Itoa(c.Full.NPar), Num(c.Full.AIC), Num(c.Full.BIC), Num(c.Full.LogLik), Num(c.Full.Deviance), Num(c.ChiSq), strconv.Itoa(c.DF), pCell(c.P)},
	}
	s.Notes = append(s.Notes, fmt.Sprintf("chi2(%d) = %s, %s", c.DF, Num(c.ChiSq), FormatP(c.P)))
	if c.Refitted {
		s.Notes = append(s.Notes, "REML fits were refitted with ML before comparison")
	}
	d.Add(s)
}

// AddContrasts appends the marginal means and the pairwise contrasts.
func (d *Document) AddContrasts(title string, cs *inference.ContrastSet) {
	ms := Section{Title: title + ": marginal means", Kind: KindMeans, Columns: []string{cs.Factor, "emmean", "SE", "lower", "upper"}}
	for _, m := range cs.Means {
		ms.Rows = append(ms.Rows, []string{m.Level, Num(m.Estimate), Num(m.SE), Num(m.Lower), Num(m.Upper)})
	}
	d.Add(ms)
	s := Section{Title: title + ": contrasts", Kind: KindContrasts, Columns: []string{"contrast", "estimate", "SE", "df", "ratio", "p"}}
	for _, c := range cs.Contrasts {
		s.Rows = append(s.Rows, []string{c.Name(), Num(c.Estimate), Num(c.SE), dfCell(c.DF), Num(c.Statistic), pCell(c.P)})
	}
	s.Notes = []string{fmt.Sprintf("P value adjustment: %s method for %d tests", cs.Adjustment, len(cs.Contrasts))}
	d.Add(s)
}

// AddWarnings appends one warnings section for source unless ws is empty.
func (d *Document) AddWarnings(source string, ws []error) {
	if len(ws) == 0 {
		return
	}
	s := Section{Title: source + ": warnings", Kind: KindWarnings}
	for _, w := range ws {
		var sing *model.SingularFitWarning
		if errors.As(w, &sing) {
			s.Notes = append(s.Notes, "boundary (singular) fit: "+w.Error())
			continue
		}
		s.Notes = append(s.Notes, w.Error())
	}
	d.Add(s)
}

// AddFigure records a published figure.
func (d *Document) AddFigure(title, key, url string) {
	d.Add(Section{Title: title, Kind: KindFigure, Columns: []string{"key", "url"}, Rows: [][]string{{key, url}}})
}
