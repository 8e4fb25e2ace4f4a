package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"colonystats/internal/figure"
	"colonystats/internal/formula"
	"colonystats/internal/inference"
	"colonystats/internal/model"
	"colonystats/internal/report"
	"colonystats/internal/table"
	"colonystats/internal/telemetry"
)

// state is what steps read and write during one run.
type state struct {
	tables    map[string]*table.Table
	models    map[string]*model.Fitted
	doc       *report.Document
	pub       report.Publisher
	artifacts []report.Artifact
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// outcome of one step.
type outcome struct {
	rows     int
	warnings []string
}

func (s *state) table(name string) (*table.Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("no table named %q", name)
	}
	return t, nil
}

// store keeps t under the step's output name, or replaces its input.
func (s *state) store(st Step, t *table.Table) outcome {
	name := st.Output
	if name == "" {
		name = st.input()
	}
	s.tables[name] = t
	return outcome{rows: t.Len()}
}

func (s *state) exec(ctx context.Context, st Step, label string) (outcome, error) {
	switch st.Kind {
	case StepDerive:
		return s.derive(st)
	case StepStandardize:
		t, err := s.table(st.input())
		if err != nil {
			return outcome{}, err
		}
		as := st.As
		if as == "" {
			as = st.Column + "_z"
		}
		out, err := t.Standardize(st.Column, as, st.GroupBy...)
		if err != nil {
			return outcome{}, err
		}
		return s.store(st, out), nil
	case StepFilter:
		return s.filter(st)
	case StepAggregate:
		return s.aggregate(st)
	case StepReshape:
		return s.reshape(st)
	case StepDescribe:
		t, err := s.table(st.input())
		if err != nil {
			return outcome{}, err
		}
		d, err := t.Describe(st.Column, st.GroupBy...)
		if err != nil {
			return outcome{}, err
		}
		s.doc.AddTable(label, report.KindDescriptives, d)
		if st.Output != "" {
			s.tables[st.Output] = d
		}
		return outcome{rows: d.Len()}, nil
	case StepPlot:
		return s.plot(ctx, st, label)
	case StepFit:
		return s.fit(ctx, st, label)
	case StepAnova:
		m := s.models[st.Model]
		method, err := inference.ParseTestMethod(st.Test)
		if err != nil {
			return outcome{}, err
		}
		tests, err := inference.SignificanceTest(ctx, m, method)
		if err != nil {
			return outcome{}, err
		}
		s.doc.AddTermTests(label, tests)
		return outcome{rows: len(tests)}, nil
	case StepConfint:
		return s.confint(st, label)
	case StepCompare:
		cmp, err := inference.Compare(ctx, s.models[st.Models[0]], s.models[st.Models[1]])
		if err != nil {
			return outcome{}, err
		}
		s.doc.AddComparison(label, cmp)
		return outcome{rows: 2}, nil
	case StepContrasts:
		adj, err := inference.ParseAdjustment(st.Adjust)
		if err != nil {
			return outcome{}, err
		}
		cs, err := inference.PairwiseContrasts(s.models[st.Model], st.Factor, adj)
		if err != nil {
			return outcome{}, err
		}
		s.doc.AddContrasts(label, cs)
		return outcome{rows: len(cs.Contrasts)}, nil
	}
	return outcome{}, fmt.Errorf("unknown step kind %q", st.Kind)
}

func (s *state) derive(st Step) (outcome, error) {
	t, err := s.table(st.input())
	if err != nil {
		return outcome{}, err
	}
	var out *table.Table
	switch st.Op {
	case "concat":
		sep := st.Separator
		if sep == "" {
			sep = "_"
		}
		if err := t.Require(st.Columns...); err != nil {
			return outcome{}, err
		}
		out, err = t.DeriveString(st.As, func(r table.Row) string {
			parts := make([]string, len(st.Columns))
			for i, c := range st.Columns {
				if r.Missing(c) {
					return ""
				}
				parts[i] = r.Str(c)
			}
			return strings.Join(parts, sep)
		})
	case "log", "sqrt", "add", "multiply":
		if err := t.Require(st.Column); err != nil {
			return outcome{}, err
		}
		k := 0.0
		if st.Op == "add" || st.Op == "multiply" {
			if k, err = strconv.ParseFloat(st.Value, 64); err != nil {
				return outcome{}, fmt.Errorf("derive %s: value %q is not a number", st.Op, st.Value)
			}
		}
		out, err = t.DeriveFloat(st.As, func(r table.Row) float64 {
			v := r.Num(st.Column)
			switch st.Op {
			case "log":
				if v <= 0 {
					return math.NaN()
				}
				return math.Log(v)
			case "sqrt":
				if v < 0 {
					return math.NaN()
				}
				return math.Sqrt(v)
			case "add":
				return v + k
			}
			return v * k
		})
	case "difference", "ratio":
		if err := t.Require(st.Columns...); err != nil {
			return outcome{}, err
		}
		a, b := st.Columns[0], st.Columns[1]
		out, err = t.DeriveFloat(st.As, func(r table.Row) float64 {
			x, y := r.Num(a), r.Num(b)
			if st.Op == "difference" {
				return x - y
			}
			if y == 0 {
				return math.NaN()
			}
			return x / y
		})
	default:
		return outcome{}, fmt.Errorf("unknown derive op %q", st.Op)
	}
	if err != nil {
		return outcome{}, err
	}
	return s.store(st, out), nil
}

func (s *state) filter(st Step) (outcome, error) {
	t, err := s.table(st.input())
	if err != nil {
		return outcome{}, err
	}
	c, err := t.Column(st.Column)
	if err != nil {
		return outcome{}, err
	}
	var keep func(table.Row) bool
	switch {
	case st.Op == "present":
		keep = func(r table.Row) bool { return !r.Missing(st.Column) }
	case st.Op == "in":
		keep = func(r table.Row) bool { return slices.Contains(st.Values, r.Str(st.Column)) }
	case c.Kind() == table.Float:
		want, err := strconv.ParseFloat(st.Value, 64)
		if err != nil {
			return outcome{}, fmt.Errorf("filter %s: value %q is not a number", st.Column, st.Value)
		}
		keep = func(r table.Row) bool {
			v := r.Num(st.Column)
			return !math.IsNaN(v) && compare(st.Op, cmpFloat(v, want))
		}
	default:
		keep = func(r table.Row) bool {
			return !r.Missing(st.Column) && compare(st.Op, strings.Compare(r.Str(st.Column), st.Value))
		}
	}
	return s.store(st, t.Filter(keep)), nil
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compare(op string, c int) bool {
	switch op {
	case "eq":
		return c == 0
	case "ne":
		return c != 0
	case "lt":
		return c < 0
	case "le":
		return c <= 0
	case "gt":
		return c > 0
	case "ge":
		return c >= 0
	}
	return false
}

func (s *state) aggregate(st Step) (outcome, error) {
	t, err := s.table(st.input())
	if err != nil {
		return outcome{}, err
	}
	reducers := st.Reducers
	if len(reducers) == 0 {
		reducers = []string{string(table.Mean)}
	}
	aggs := make([]table.Aggregation, len(reducers))
	for i, r := range reducers {
		aggs[i] = table.Aggregation{Column: st.Column, Reducer: table.Reducer(r)}
		if len(reducers) == 1 {
			aggs[i].As = st.As
		}
	}
	g, err := t.GroupBy(st.GroupBy...)
	if err != nil {
		return outcome{}, err
	}
	var out *table.Table
	if st.Broadcast {
		out, err = g.Broadcast(aggs...)
	} else {
		out, err = g.Collapse(aggs...)
	}
	if err != nil {
		return outcome{}, err
	}
	return s.store(st, out), nil
}

func (s *state) reshape(st Step) (outcome, error) {
	t, err := s.table(st.input())
	if err != nil {
		return outcome{}, err
	}
	var out *table.Table
	if st.Direction == "wide" {
		var opts []table.WideOption
		if st.Reducer != "" {
			opts = append(opts, table.WithAggregate(table.Reducer(st.Reducer)))
		}
		out, err = table.LongToWide(t, st.Keys, st.Pivot, st.Column, opts...)
	} else {
		out, err = table.WideToLong(t, st.Keys, st.Columns, st.Pivot, st.As)
	}
	if err != nil {
		return outcome{}, err
	}
	return s.store(st, out), nil
}

func (s *state) plot(ctx context.Context, st Step, label string) (outcome, error) {
	opts := st.Options
	if opts.Format == "" {
		opts.Format = figure.PNG
	}
	var (
		img []byte
		err error
	)
	if st.Figure == "predictions" {
		img, err = figure.Predictions(s.models[st.Model], st.X, st.Group, opts)
	} else {
		t, terr := s.table(st.input())
		if terr != nil {
			return outcome{}, terr
		}
		switch st.Figure {
		case "bar":
			img, err = figure.Bar(t, st.X, st.Y, opts)
		case "violin":
			img, err = figure.Violin(t, st.X, st.Y, opts)
		case "scatter":
			img, err = figure.Scatter(t, st.X, st.Y, st.Group, st.Fit, opts)
		case "facet":
			img, err = figure.Facet(t, st.Facet, st.X, st.Y, st.Cols, opts)
		default:
			err = fmt.Errorf("unknown figure %q", st.Figure)
		}
	}
	if err != nil {
		return outcome{}, err
	}
	a, err := s.pub.Put(ctx, "figures/"+label+"."+string(opts.Format), img, opts.Format.ContentType(), map[string]string{"figure": st.Figure})
	if err != nil {
		return outcome{}, err
	}
	s.artifacts = append(s.artifacts, a)
	s.doc.AddFigure(label, a.Key, a.URL)
	return outcome{}, nil
}

func (s *state) fit(ctx context.Context, st Step, label string) (outcome, error) {
	t, err := s.table(st.input())
	if err != nil {
		return outcome{}, err
	}
	f, err := formula.Parse(st.Formula)
	if err != nil {
		return outcome{}, err
	}
	fam, err := model.ParseFamily(st.Family, st.Link)
	if err != nil {
		return outcome{}, err
	}
	method, err := model.ParseMethod(st.Method)
	if err != nil {
		return outcome{}, err
	}
	opts := model.Options{Method: method, Family: fam, Levels: st.Levels, Logger: s.logger}
	if st.SingularPolicy == "error" {
		opts.SingularPolicy = model.SingularError
	}
	m, err := model.Fit(ctx, t, f, opts)
	if err != nil {
		s.metrics.ObserveFit(fam.String(), "unknown", false)
		return outcome{}, err
	}
	s.metrics.ObserveFit(fam.String(), m.Kind().String(), true)
	s.models[label] = m
	if err := s.doc.AddModel(label, m); err != nil {
		return outcome{}, err
	}
	var out outcome
	out.rows = m.NumObs()
	for _, w := range m.Warnings() {
		s.metrics.ObserveWarning(warningKind(w))
		out.warnings = append(out.warnings, w.Error())
	}
	return out, nil
}

func (s *state) confint(st Step, label string) (outcome, error) {
	m := s.models[st.Model]
	level := st.Level
	if level == 0 {
		level = 0.95
	}
	var ivs []inference.Interval
	if len(st.Columns) == 0 {
		all, err := inference.ConfidenceIntervals(m, level)
		if err != nil {
			return outcome{}, err
		}
		ivs = all
	}
	for _, term := range st.Columns {
		iv, err := inference.ConfidenceInterval(m, term, level)
		if err != nil {
			return outcome{}, err
		}
		ivs = append(ivs, iv)
	}
	s.doc.AddIntervals(label, ivs)
	return outcome{rows: len(ivs)}, nil
}

// warningKind labels a fit warning for metrics.
func warningKind(err error) string {
	var (
		sing *model.SingularFitWarning
		conv *model.ConvergenceWarning
		grp  *model.GroupingWarning
	)
	switch {
	case errors.As(err, &sing):
		return "singular"
	case errors.As(err, &conv):
		return "convergence"
	case errors.As(err, &grp):
		return "grouping"
	}
	return "other"
}
