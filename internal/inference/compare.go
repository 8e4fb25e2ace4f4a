package inference

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"colonystats/internal/model"
)

// InvalidComparisonError reports two models that cannot be compared by a
// likelihood-ratio test.
type InvalidComparisonError struct {
	Reason string
}

func (e *InvalidComparisonError) Error() string {
	return "inference: invalid comparison: " + e.Reason
}

// ModelSummary is one row of a comparison table.
type ModelSummary struct {
	Formula  string  `json:"formula"`
	NPar     int     `json:"npar"`
	AIC      float64 `json:"aic"`
	BIC      float64 `json:"bic"`
	LogLik   float64 `json:"loglik"`
	Deviance float64 `json:"deviance"`
}

func summarize(m *model.Fitted) ModelSummary {
	return ModelSummary{
		Formula:  m.Formula().String(),
		NPar:     m.NumParams(),
		AIC:      m.AIC(),
		BIC:      m.BIC(),
		LogLik:   m.LogLik(),
		Deviance: m.Deviance(),
	}
}

// Comparison is a likelihood-ratio test of a reduced model against a full
// model.
type Comparison struct {
	Reduced ModelSummary `json:"reduced"`
	Full    ModelSummary `json:"full"`
	ChiSq   float64      `json:"chisq"`
	DF      int          `json:"df"`
	P       float64      `json:"p"`
	// Refitted is set when REML fits were refitted by ML first.
	Refitted bool `json:"refitted"`
}

// Compare runs a likelihood-ratio test between two nested models, in either
// order. Both must have been fitted to identical observations with the same
// family, the fixed terms of the reduced model must be a strict subset of
// the full model's, and its random terms a subset. REML fits are refitted
// by ML before the deviances are compared.
func Compare(ctx context.Context, a, b *model.Fitted) (*Comparison, error) {
	if !a.SameObservations(b) {
		return nil, &InvalidComparisonError{Reason: fmt.Sprintf("models were fitted to different data (%d and %d observations)", a.NumObs(), b.NumObs())}
	}
	if a.Family() != b.Family() {
		return nil, &InvalidComparisonError{Reason: fmt.Sprintf("families differ (%s and %s)", a.Family(), b.Family())}
	}
	af, bf := a.Formula(), b.Formula()
	if af.Response != bf.Response {
		return nil, &InvalidComparisonError{Reason: fmt.Sprintf("responses differ (%s and %s)", af.Response, bf.Response)}
	}
	reduced, full := a, b
	switch {
	case strictSubset(af.FixedKeys(), bf.FixedKeys()):
	case strictSubset(bf.FixedKeys(), af.FixedKeys()):
		reduced, full = b, a
	default:
		return nil, &InvalidComparisonError{Reason: fmt.Sprintf("fixed effects of %s and %s are not nested", af, bf)}
	}
	if !subset(reduced.Formula().RandomKeys(), full.Formula().RandomKeys()) {
		return nil, &InvalidComparisonError{Reason: fmt.Sprintf("random terms of %s are not contained in %s", reduced.Formula(), full.Formula())}
	}

	out := &Comparison{}
	var err error
	if reduced.Method() == model.REML {
		if reduced, err = reduced.Refit(ctx, model.ML); err != nil {
			return nil, fmt.Errorf("inference: ML refit of %s: %w", reduced.Formula(), err)
		}
		out.Refitted = true
	}
	if full.Method() == model.REML {
		if full, err = full.Refit(ctx, model.ML); err != nil {
			return nil, fmt.Errorf("inference: ML refit of %s: %w", full.Formula(), err)
		}
		out.Refitted = true
	}
	out.DF = full.NumParams() - reduced.NumParams()
	if out.DF <= 0 {
		return nil, &InvalidComparisonError{Reason: fmt.Sprintf("full model has %d parameters, reduced has %d", full.NumParams(), reduced.NumParams())}
	}
	out.Reduced = summarize(reduced)
	out.Full = summarize(full)
	out.ChiSq = math.Max(0, reduced.Deviance()-full.Deviance())
	out.P = distuv.ChiSquared{K: float64(out.DF)}.Survival(out.ChiSq)
	return out, nil
}

func subset(a, b []string) bool {
	in := make(map[string]bool, len(b))
	for _, k := range b {
		in[k] = true
	}
	for _, k := range a {
		if !in[k] {
			return false
		}
	}
	return true
}

func strictSubset(a, b []string) bool { return len(a) < len(b) && subset(a, b) }
