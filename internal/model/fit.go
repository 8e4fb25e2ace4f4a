// Package model fits linear, linear mixed, generalized linear and
// generalized linear mixed models to tables.
//
// Mixed models use the penalised least squares formulation: the random
// effects are b = Lambda(theta) u with spherical u, the fixed effects and u
// are profiled out for each theta, and theta is optimised with Nelder-Mead
// on the REML criterion, the ML deviance or (for non-Gaussian families) the
// Laplace approximation.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"colonystats/internal/formula"
	"colonystats/internal/table"
)

// Method selects the estimation criterion for Gaussian mixed models.
type Method int

const (
	REML Method = iota
	ML
)

func (m Method) String() string {
	if m == ML {
		return "ML"
	}
	return "REML"
}

// ParseMethod resolves "reml" or "ml" (case-insensitive); empty means REML.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "reml", "REML":
		return REML, nil
	case "ml", "ML":
		return ML, nil
	}
	return REML, fmt.Errorf("model: unknown method %q", s)
}

// Kind distinguishes the four model classes.
type Kind int

const (
	KindOLS Kind = iota
	KindGLM
	KindLMM
	KindGLMM
)

func (k Kind) String() string {
	switch k {
	case KindOLS:
		return "linear model"
	case KindGLM:
		return "generalized linear model"
	case KindLMM:
		return "linear mixed model"
	case KindGLMM:
		return "generalized linear mixed model"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// SingularPolicy decides what a singular fit does.
type SingularPolicy int

const (
	// SingularWarn records a *SingularFitWarning and returns the fit.
	SingularWarn SingularPolicy = iota
	// SingularError returns the *SingularFitWarning as the error.
	SingularError
)

// Options tunes Fit. The zero value fits a Gaussian model by REML.
type Options struct {
	Method Method
	Family Family
	// Levels fixes the level order of factors; the first level is the
	// reference. Unlisted factors use sorted order.
	Levels            map[string][]string
	SingularTolerance float64
	SingularPolicy    SingularPolicy
	// StrictGrouping turns grouping warnings into errors.
	StrictGrouping bool
	MaxEvaluations int
	Logger         *slog.Logger
}

const (
	defaultSingularTolerance = 1e-4
	defaultMaxEvaluations    = 10000
)

func (o Options) withDefaults() Options {
	o.Family = o.Family.orDefault()
	if o.SingularTolerance <= 0 {
		o.SingularTolerance = defaultSingularTolerance
	}
	if o.MaxEvaluations <= 0 {
		o.MaxEvaluations = defaultMaxEvaluations
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Fit applies f to t. Gaussian models without random terms are fitted by
// least squares, other families without random terms by IRLS, Gaussian
// mixed models by REML or ML, and non-Gaussian mixed models by the Laplace
// approximation. Advisory conditions are reported by Fitted.Warnings.
func Fit(ctx context.Context, t *table.Table, f *formula.Formula, opts Options) (*Fitted, error) {
	opts = opts.withDefaults()
	if err := opts.Family.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fr, err := newFrame(t, f, opts)
	if err != nil {
		return nil, err
	}
	if err := opts.Family.checkResponse(f.Response, fr.y); err != nil {
		return nil, err
	}
	grouping := fr.groupingWarnings()
	if opts.StrictGrouping && len(grouping) > 0 {
		return nil, grouping[0]
	}

	var m *Fitted
	switch {
	case !f.HasRandom() && opts.Family.IsGaussian():
		m, err = fitOLS(fr, opts)
	case !f.HasRandom():
		m, err = fitGLM(fr, opts)
	case opts.Family.IsGaussian():
		m, err = fitLMM(ctx, fr, opts)
	default:
		m, err = fitGLMM(ctx, fr, opts)
	}
	if err != nil {
		return nil, err
	}
	m.warnings = append(grouping, m.warnings...)
	if groups := fr.singularGroups(m.theta, opts.SingularTolerance); len(groups) > 0 {
		w := &SingularFitWarning{Groups: groups, Tolerance: opts.SingularTolerance}
		if opts.SingularPolicy == SingularError {
			return nil, w
		}
		m.warnings = append(m.warnings, w)
	}

	opts.Logger.Debug("model fitted",
		"formula", f.String(),
		"kind", m.kind.String(),
		"family", opts.Family.String(),
		"method", m.method.String(),
		"nobs", m.NumObs(),
		"dropped", m.NumDropped(),
		"deviance", m.deviance,
		"evaluations", m.evaluations,
	)
	for _, w := range m.warnings {
		opts.Logger.Warn("model warning", "formula", f.String(), "warning", w.Error())
	}
	return m, nil
}

// IsSingular reports whether err is or wraps a *SingularFitWarning.
func IsSingular(err error) bool {
	var w *SingularFitWarning
	return errors.As(err, &w)
}
