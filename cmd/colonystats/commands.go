package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"colonystats/internal/formula"
	"colonystats/internal/inference"
	"colonystats/internal/model"
	"colonystats/internal/pipeline"
	"colonystats/internal/report"
	"colonystats/internal/source"
	"colonystats/internal/table"
)

func (a *app) runCommand() *cobra.Command {
	var (
		prefix  string
		formats []string
		printAs string
	)
	cmd := &cobra.Command{
		Use:   "run PLAN.yaml",
		Short: "Run an analysis plan and publish its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			if prefix != "" {
				plan.Output.Prefix = prefix
			}
			if len(formats) > 0 {
				plan.Output.Formats = formats
			}
			r := &pipeline.Runner{Logger: a.logger, Metrics: a.metrics, Tracing: a.tracing, Getenv: a.getenv}
			sum, doc, err := r.Run(cmd.Context(), plan)
			if err != nil {
				return err
			}
			if printAs != "none" {
				f, err := report.ParseFormat(printAs)
				if err != nil {
					return err
				}
				if err := doc.Render(a.stdout, f); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintf(a.stdout, "run %s: %d steps, %d artifacts under %s\n", sum.RunID, len(sum.Steps), len(sum.Artifacts), sum.Prefix)
			for _, w := range sum.Warnings {
				_, _ = fmt.Fprintln(a.stdout, "warning:", w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "artifact key prefix (overrides the plan)")
	cmd.Flags().StringSliceVar(&formats, "format", nil, "report formats to publish (overrides the plan)")
	cmd.Flags().StringVar(&printAs, "print", "text", "report format printed to stdout, or none")
	return cmd
}

func (a *app) load(ctx context.Context, f *specFlags) (*table.Table, error) {
	spec, err := f.spec()
	if err != nil {
		return nil, err
	}
	l, err := a.loader(ctx, spec)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, spec)
}

func (a *app) render(doc *report.Document, format string) error {
	f, err := report.ParseFormat(format)
	if err != nil {
		return err
	}
	return doc.Render(a.stdout, f)
}

func (a *app) describeCommand() *cobra.Command {
	var (
		src    specFlags
		column string
		by     []string
		format string
	)
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print n, mean, sd, median, min and max of a column by group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := a.load(cmd.Context(), &src)
			if err != nil {
				return err
			}
			d, err := t.Describe(column, by...)
			if err != nil {
				return err
			}
			doc := report.New("describe "+column, "")
			doc.AddTable(column, report.KindDescriptives, d)
			return a.render(doc, format)
		},
	}
	src.register(cmd, "", true)
	cmd.Flags().StringVar(&column, "column", "", "numeric column to summarise")
	cmd.Flags().StringSliceVar(&by, "by", nil, "grouping columns")
	cmd.Flags().StringVar(&format, "format", "text", "text, json, csv or html")
	_ = cmd.MarkFlagRequired("column")
	return cmd
}

func (a *app) reshapeCommand() *cobra.Command {
	var (
		src, dst  specFlags
		direction string
		keys      []string
		pivot     string
		value     string
		columns   []string
		reducer   string
	)
	cmd := &cobra.Command{
		Use:   "reshape",
		Short: "Pivot a table between long and wide layouts",
		Long: "reshape --direction wide spreads --value into one column per level of --pivot;\n" +
			"--direction long gathers --columns into a --pivot name column and a --value column.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := a.load(ctx, &src)
			if err != nil {
				return err
			}
			var out *table.Table
			switch direction {
			case "wide":
				var opts []table.WideOption
				if reducer != "" {
					opts = append(opts, table.WithAggregate(table.Reducer(reducer)))
				}
				out, err = table.LongToWide(t, keys, pivot, value, opts...)
			case "long":
				out, err = table.WideToLong(t, keys, columns, pivot, value)
			default:
				err = fmt.Errorf("unknown direction %q (want wide or long)", direction)
			}
			if err != nil {
				return err
			}
			return a.write(ctx, &dst, out)
		},
	}
	src.register(cmd, "", false)
	dst.register(cmd, "to", false)
	fs := cmd.Flags()
	fs.StringVar(&direction, "direction", "wide", "wide or long")
	fs.StringSliceVar(&keys, "keys", nil, "identifying columns kept as they are")
	fs.StringVar(&pivot, "pivot", "", "column whose levels become columns (wide) or the new name column (long)")
	fs.StringVar(&value, "value", "", "value column")
	fs.StringSliceVar(&columns, "columns", nil, "columns gathered by a long reshape")
	fs.StringVar(&reducer, "aggregate", "", "reducer for repeated cells of a wide reshape (mean, sum, ...)")
	_ = cmd.MarkFlagRequired("keys")
	_ = cmd.MarkFlagRequired("pivot")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

// write saves t to the target flags, or prints CSV when none is given.
func (a *app) write(ctx context.Context, dst *specFlags, t *table.Table) error {
	if dst.kind == "" && dst.path == "" && dst.key == "" && dst.dsn == "" {
		return source.WriteCSV(a.stdout, t, ',')
	}
	spec, err := dst.spec()
	if err != nil {
		return err
	}
	l, err := a.loader(ctx, spec)
	if err != nil {
		return err
	}
	return l.Save(ctx, spec, t)
}

// fitFlags are shared by fit and compare.
type fitFlags struct {
	family, link, method string
	levels               []string
	strictSingular       bool
}

func (f *fitFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.family, "family", "gaussian", "gaussian, binomial or poisson")
	fs.StringVar(&f.link, "link", "", "link function (default canonical)")
	fs.StringVar(&f.method, "method", "reml", "reml or ml for linear mixed models")
	fs.StringArrayVar(&f.levels, "levels", nil, "factor level order as factor=ref,b,c (repeatable)")
	fs.BoolVar(&f.strictSingular, "strict-singular", false, "fail on a singular fit instead of warning")
}

func (f *fitFlags) options(a *app) (model.Options, error) {
	fam, err := model.ParseFamily(f.family, f.link)
	if err != nil {
		return model.Options{}, err
	}
	method, err := model.ParseMethod(f.method)
	if err != nil {
		return model.Options{}, err
	}
	opts := model.Options{Family: fam, Method: method, Logger: a.logger}
	if f.strictSingular {
		opts.SingularPolicy = model.SingularError
	}
	for _, l := range f.levels {
		name, list, ok := strings.Cut(l, "=")
		if !ok || name == "" || list == "" {
			return opts, fmt.Errorf("--levels %q: want factor=level,level", l)
		}
		if opts.Levels == nil {
			opts.Levels = map[string][]string{}
		}
		opts.Levels[name] = strings.Split(list, ",")
	}
	return opts, nil
}

func (a *app) fit(ctx context.Context, t *table.Table, src string, opts model.Options) (*model.Fitted, error) {
	f, err := formula.Parse(src)
	if err != nil {
		return nil, err
	}
	m, err := model.Fit(ctx, t, f, opts)
	if err != nil {
		a.metrics.ObserveFit(opts.Family.String(), "unknown", false)
		return nil, err
	}
	a.metrics.ObserveFit(opts.Family.String(), m.Kind().String(), true)
	for _, w := range m.Warnings() {
		a.logger.Warn("fit warning", "formula", src, "warning", w)
	}
	return m, nil
}

func (a *app) fitCommand() *cobra.Command {
	var (
		src       specFlags
		ff        fitFlags
		formulaS  string
		test      string
		level     float64
		intervals bool
		contrasts []string
		adjust    string
		format    string
	)
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a linear, generalized or mixed model and report inference",
		Example: "  colonystats fit --path dragons.csv --strings pid \\\n" +
			"    --formula 'testScore ~ bodyLength + test + (1|mountainRange/site) + (1|pid)'",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := a.load(ctx, &src)
			if err != nil {
				return err
			}
			opts, err := ff.options(a)
			if err != nil {
				return err
			}
			m, err := a.fit(ctx, t, formulaS, opts)
			if err != nil {
				return err
			}
			doc := report.New("fit", "")
			if err := doc.AddModel("model", m); err != nil {
				return err
			}
			if test != "" {
				method, err := inference.ParseTestMethod(test)
				if err != nil {
					return err
				}
				tests, err := inference.SignificanceTest(ctx, m, method)
				if err != nil {
					return err
				}
				doc.AddTermTests("term tests", tests)
			}
			if intervals {
				ivs, err := inference.ConfidenceIntervals(m, level)
				if err != nil {
					return err
				}
				doc.AddIntervals("confidence intervals", ivs)
			}
			for _, factor := range contrasts {
				adj, err := inference.ParseAdjustment(adjust)
				if err != nil {
					return err
				}
				cs, err := inference.PairwiseContrasts(m, factor, adj)
				if err != nil {
					return err
				}
				doc.AddContrasts(factor, cs)
			}
			return a.render(doc, format)
		},
	}
	src.register(cmd, "", true)
	ff.register(cmd)
	fs := cmd.Flags()
	fs.StringVar(&formulaS, "formula", "", "model formula, e.g. 'y ~ x + (1|g)'")
	fs.StringVar(&test, "test", "", "per-term tests: wald-chisq, F or lrt")
	fs.BoolVar(&intervals, "intervals", false, "add a Wald confidence interval table")
	fs.Float64Var(&level, "level", 0.95, "confidence level of --intervals")
	fs.StringSliceVar(&contrasts, "contrasts", nil, "factors for pairwise contrasts")
	fs.StringVar(&adjust, "adjust", "", "p-value adjustment: tukey, bonferroni, holm, sidak or none")
	fs.StringVar(&format, "format", "text", "text, json, csv or html")
	_ = cmd.MarkFlagRequired("formula")
	return cmd
}

func (a *app) compareCommand() *cobra.Command {
	var (
		src      specFlags
		ff       fitFlags
		formulas []string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Likelihood-ratio test of two nested models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(formulas) != 2 {
				return fmt.Errorf("compare needs exactly two --formula flags, got %d", len(formulas))
			}
			ctx := cmd.Context()
			t, err := a.load(ctx, &src)
			if err != nil {
				return err
			}
			opts, err := ff.options(a)
			if err != nil {
				return err
			}
			doc := report.New("compare", "")
			var ms [2]*model.Fitted
			for i, f := range formulas {
				if ms[i], err = a.fit(ctx, t, f, opts); err != nil {
					return err
				}
				if err := doc.AddModel(fmt.Sprintf("model %d", i+1), ms[i]); err != nil {
					return err
				}
			}
			cmp, err := inference.Compare(ctx, ms[0], ms[1])
			if err != nil {
				return err
			}
			doc.AddComparison("comparison", cmp)
			return a.render(doc, format)
		},
	}
	src.register(cmd, "", true)
	ff.register(cmd)
	cmd.Flags().StringArrayVar(&formulas, "formula", nil, "model formula (give two)")
	cmd.Flags().StringVar(&format, "format", "text", "text, json, csv or html")
	return cmd
}

func (a *app) simulateCommand() *cobra.Command {
	var (
		sim specFlags
		dst specFlags
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Generate a synthetic dragons data set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sim.kind = string(source.KindSimulate)
			t, err := a.load(cmd.Context(), &sim)
			if err != nil {
				return err
			}
			return a.write(cmd.Context(), &dst, t)
		},
	}
	fs := cmd.Flags()
	fs.Uint64Var(&sim.seed, "seed", 1, "simulation seed")
	fs.IntVar(&sim.perSite, "per-site", 0, "dragons per site (default 20)")
	fs.Float64Var(&sim.missing, "missing-rate", 0, "probability that a score is missing")
	dst.register(cmd, "to", false)
	return cmd
}

func (a *app) importCommand() *cobra.Command {
	var src, dst specFlags
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy a table between CSV files, the artifact store and SQL databases",
		Example: "  colonystats import --path dragons.csv --to-path dragons.db --to-table dragons\n" +
			"  colonystats import --path dragons.db --table dragons --to-key data/dragons.csv",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t, err := a.load(ctx, &src)
			if err != nil {
				return err
			}
			if dst.kind == "" && dst.path == "" && dst.key == "" && dst.dsn == "" {
				return fmt.Errorf("import needs a target (--to-path, --to-key or --to-dsn)")
			}
			if err := a.write(ctx, &dst, t); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "imported %d rows\n", t.Len())
			return nil
		},
	}
	src.register(cmd, "", false)
	dst.register(cmd, "to", false)
	return cmd
}
