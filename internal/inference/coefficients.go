// Package inference derives coefficient tables, confidence intervals,
// per-term significance tests, likelihood-ratio comparisons and pairwise
// post-hoc contrasts from fitted models.
package inference

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"colonystats/internal/model"
)

// Coefficient is one row of a coefficient table.
type Coefficient struct {
	Name      string  `json:"name"`
	Estimate  float64 `json:"estimate"`
	SE        float64 `json:"se"`
	StatName  string  `json:"stat_name"`
	Statistic float64 `json:"statistic"`
	DF        float64 `json:"df"`
	P         float64 `json:"p"`
}

// residualDF is n-p for least-squares fits and +Inf (normal reference)
// otherwise.
func residualDF(m *model.Fitted) float64 {
	if m.Kind() == model.KindOLS {
		return float64(m.DFResidual())
	}
	return math.Inf(1)
}

func statName(df float64) string {
	if math.IsInf(df, 1) {
		return "z"
	}
	return "t"
}

// twoSided returns the two-sided p-value of statistic s with df degrees
// of freedom (normal when df is infinite).
func twoSided(s, df float64) float64 {
	if math.IsNaN(s) {
		return math.NaN()
	}
	a := math.Abs(s)
	if math.IsInf(df, 1) {
		return 2 * distuv.UnitNormal.Survival(a)
	}
	return 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Survival(a)
}

// critical returns the two-sided critical value for confidence level.
func critical(level, df float64) float64 {
	p := 1 - (1-level)/2
	if math.IsInf(df, 1) {
		return distuv.UnitNormal.Quantile(p)
	}
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Quantile(p)
}

// Coefficients returns estimate, standard error, Wald statistic and p-value
// for every fixed-effect column. Least-squares fits use t with n-p degrees
// of freedom; all other fits use z.
func Coefficients(m *model.Fitted) []Coefficient {
	df := residualDF(m)
	names := m.ColumnNames()
	beta := m.Coef()
	se := m.StdErrors()
	out := make([]Coefficient, len(beta))
	for i := range beta {
		s := beta[i] / se[i]
		out[i] = Coefficient{
			Name:      names[i],
			Estimate:  beta[i],
			SE:        se[i],
			StatName:  statName(df),
			Statistic: s,
			DF:        df,
			P:         twoSided(s, df),
		}
	}
	return out
}

// Interval is a symmetric Wald confidence interval.
type Interval struct {
	Term     string  `json:"term"`
	Estimate float64 `json:"estimate"`
	Lower    float64 `json:"lower"`
	Upper    float64 `json:"upper"`
	Level    float64 `json:"level"`
}

// UnknownTermError reports a coefficient name the model does not have.
type UnknownTermError struct {
	Term  string
	Known []string
}

func (e *UnknownTermError) Error() string {
	return fmt.Sprintf("inference: unknown term %q (model has %s)", e.Term, strings.Join(e.Known, ", "))
}

// ConfidenceInterval returns the Wald interval for the named coefficient.
func ConfidenceInterval(m *model.Fitted, term string, level float64) (Interval, error) {
	if level <= 0 || level >= 1 {
		return Interval{}, fmt.Errorf("inference: confidence level %v outside (0, 1)", level)
	}
	for _, c := range Coefficients(m) {
		if c.Name == term {
			h := critical(level, c.DF) * c.SE
			return Interval{Term: term, Estimate: c.Estimate, Lower: c.Estimate - h, Upper: c.Estimate + h, Level: level}, nil
		}
	}
	return Interval{}, &UnknownTermError{Term: term, Known: m.ColumnNames()}
}

// ConfidenceIntervals returns the Wald interval of every coefficient.
func ConfidenceIntervals(m *model.Fitted, level float64) ([]Interval, error) {
	names := m.ColumnNames()
	out := make([]Interval, 0, len(names))
	for _, n := range names {
		iv, err := ConfidenceInterval(m, n, level)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}
