package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"colonystats/internal/inference"
)

// FormatP renders a p-value without the leading zero: "p < .001",
// "p = .043". NaN renders as "p = NA".
func FormatP(p float64) string {
	switch {
	case math.IsNaN(p):
		return "p = NA"
	case p < 0.001:
		return "p < .001"
	}
	return "p = " + strings.TrimPrefix(strconv.FormatFloat(p, 'f', 3, 64), "0")
}

// Num formats a number with two decimals; NaN is "NA" and infinities keep
// their sign.
func Num(v float64) string { return num(v, 2) }

func num(v float64, prec int) string {
	switch {
	case math.IsNaN(v):
		return "NA"
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	s := strconv.FormatFloat(v, 'f', prec, 64)
	if s == "-"+strconv.FormatFloat(0, 'f', prec, 64) {
		s = s[1:]
	}
	return s
}

func pCell(p float64) string {
	switch {
	case math.IsNaN(p):
		return "NA"
	case p < 0.001:
		return "<.001"
	}
	return strings.TrimPrefix(strconv.FormatFloat(p, 'f', 3, 64), "0")
}

func dfCell(df float64) string {
	if math.IsInf(df, 1) {
		return "Inf"
	}
	if df == math.Trunc(df) {
		return strconv.FormatFloat(df, 'f', 0, 64)
	}
	return num(df, 1)
}

// EffectString summarises a coefficient with its interval, e.g.
// "b = 0.55, SE = 0.10, 95% CI [0.35, 0.75], z = 5.43, p < .001". A
// t statistic carries its degrees of freedom: "t(46) = 2.10".
func EffectString(c inference.Coefficient, iv inference.Interval) string {
	stat := c.StatName
	if stat == "t" && !math.IsInf(c.DF, 1) {
		stat = fmt.Sprintf("t(%s)", dfCell(c.DF))
	}
	level := strconv.FormatFloat(math.Round(iv.Level*1e4)/1e2, 'f', -1, 64)
	return fmt.Sprintf("b = %s, SE = %s, %s%% CI [%s, %s], %s = %s, %s",
		Num(c.Estimate), Num(c.SE), level, Num(iv.Lower), Num(iv.Upper), stat, Num(c.Statistic), FormatP(c.P))
}
