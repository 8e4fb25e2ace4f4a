package inference

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"colonystats/internal/formula"
	"colonystats/internal/model"
)

// TestMethod selects how SignificanceTest assesses a fixed term.
type TestMethod string

const (
	// WaldChiSq compares beta_C' V_CC^-1 beta_C with a chi-square on the
	// number of columns of the term.
	WaldChiSq TestMethod = "wald-chisq"
	// WaldF divides the Wald statistic by its degrees of freedom and refers
	// it to F with the residual degrees of freedom as denominator.
	WaldF TestMethod = "F"
	// LikelihoodRatio refits the model by ML without each term.
	LikelihoodRatio TestMethod = "lrt"
)

// ParseTestMethod resolves a method name; empty selects WaldChiSq.
func ParseTestMethod(s string) (TestMethod, error) {
	switch TestMethod(s) {
	case "", WaldChiSq, "wald", "chisq":
		return WaldChiSq, nil
	case WaldF, "f":
		return WaldF, nil
	case LikelihoodRatio, "LRT":
		return LikelihoodRatio, nil
	}
	return "", fmt.Errorf("inference: unknown test method %q", s)
}

// TermTest is the significance test of one fixed term.
type TermTest struct {
	Term      string     `json:"term"`
	Method    TestMethod `json:"method"`
	Statistic float64    `json:"statistic"`
	DF        int        `json:"df"`
	DenDF     float64    `json:"den_df,omitempty"`
	P         float64    `json:"p"`
}

// SignificanceTest tests every fixed term of m (intercept excluded), in
// formula order. LikelihoodRatio respects marginality: a term contained in
// a higher-order term of the model, such as a main effect under its
// interaction, is not dropped on its own and is left out of the result.
func SignificanceTest(ctx context.Context, m *model.Fitted, method TestMethod) ([]TermTest, error) {
	if method == "" {
		method = WaldChiSq
	}
	terms := m.Terms()
	out := make([]TermTest, 0, len(terms))
	switch method {
	case WaldChiSq, WaldF:
		beta := m.Coef()
		v := m.VCov()
		for _, t := range terms {
			w, err := waldStatistic(beta, v, t.Columns)
			if err != nil {
				return nil, fmt.Errorf("inference: term %s: %w", t.Label, err)
			}
			df := len(t.Columns)
			tt := TermTest{Term: t.Label, Method: method, DF: df}
			if method == WaldChiSq {
				tt.Statistic = w
				tt.P = distuv.ChiSquared{K: float64(df)}.Survival(w)
			} else {
				den := float64(m.DFResidual())
				tt.Statistic = w / float64(df)
				tt.DenDF = den
				tt.P = distuv.F{D1: float64(df), D2: den}.Survival(tt.Statistic)
			}
			out = append(out, tt)
		}
	case LikelihoodRatio:
		full := m
		if m.Method() == model.REML {
			var err error
			if full, err = m.Refit(ctx, model.ML); err != nil {
				return nil, fmt.Errorf("inference: ML refit: %w", err)
			}
		}
		for i, t := range terms {
			if containedInOther(full.Formula().Fixed, i) {
				continue
			}
			reduced, err := full.Formula().Without(t.Key)
			if err != nil {
				return nil, err
			}
			rm, err := model.Fit(ctx, full.Data(), reduced, full.Options())
			if err != nil {
				return nil, fmt.Errorf("inference: fitting without %s: %w", t.Label, err)
			}
			chi := math.Max(0, rm.Deviance()-full.Deviance())
			df := full.NumParams() - rm.NumParams()
			out = append(out, TermTest{
				Term:      t.Label,
				Method:    method,
				Statistic: chi,
				DF:        df,
				P:         distuv.ChiSquared{K: float64(df)}.Survival(chi),
			})
		}
	default:
		return nil, fmt.Errorf("inference: unknown test method %q", method)
	}
	return out, nil
}

// containedInOther reports whether every variable of fixed[i] also appears
// in some other, larger term.
func containedInOther(fixed []formula.Term, i int) bool {
	for j, other := range fixed {
		if j == i || len(other.Vars) <= len(fixed[i].Vars) {
			continue
		}
		has := map[string]bool{}
		for _, v := range other.Vars {
			has[v] = true
		}
		all := true
		for _, v := range fixed[i].Vars {
			all = all && has[v]
		}
		if all {
			return true
		}
	}
	return false
}

// waldStatistic returns b_C' V_CC^-1 b_C for the columns cols.
func waldStatistic(beta []float64, v *mat.SymDense, cols []int) (float64, error) {
	k := len(cols)
	if k == 0 {
		return 0, fmt.Errorf("term has no columns")
	}
	sub := mat.NewSymDense(k, nil)
	b := mat.NewVecDense(k, nil)
	for i, ci := range cols {
		b.SetVec(i, beta[ci])
		for j := i; j < k; j++ {
			sub.SetSym(i, j, v.At(ci, cols[j]))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sub); !ok {
		return 0, fmt.Errorf("covariance block is not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b); err != nil {
		return 0, err
	}
	return mat.Dot(b, &x), nil
}
