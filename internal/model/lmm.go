package model

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// thetaLen is the number of covariance parameters across all blocks.
func (fr *frame) thetaLen() int {
	n := 0
	for _, b := range fr.blocks {
		n += b.nTheta()
	}
	return n
}

// initialTheta starts every block at the identity relative covariance.
func (fr *frame) initialTheta() []float64 {
	out := make([]float64, 0, fr.thetaLen())
	for _, b := range fr.blocks {
		k := b.k()
		for c := 0; c < k; c++ {
			for r := c; r < k; r++ {
				if r == c {
					out = append(out, 1)
				} else {
					out = append(out, 0)
				}
			}
		}
	}
	return out
}

// lowerTri unpacks a block's theta (column-major lower triangle) into T.
func lowerTri(k int, th []float64) [][]float64 {
	t := make([][]float64, k)
	for i := range t {
		t[i] = make([]float64, k)
	}
	pos := 0
	for c := 0; c < k; c++ {
		for r := c; r < k; r++ {
			t[r][c] = th[pos]
			pos++
		}
	}
	return t
}

// factors splits theta into one lower-triangular factor per block.
func (fr *frame) factors(theta []float64) [][][]float64 {
	out := make([][][]float64, len(fr.blocks))
	pos := 0
	for bi, b := range fr.blocks {
		n := b.nTheta()
		out[bi] = lowerTri(b.k(), theta[pos:pos+n])
		pos += n
	}
	return out
}

// canonicalTheta flips factor columns so that every diagonal is
// non-negative; T*T' is unchanged.
func (fr *frame) canonicalTheta(theta []float64) []float64 {
	out := append([]float64(nil), theta...)
	pos := 0
	for _, b := range fr.blocks {
		k := b.k()
		for c := 0; c < k; c++ {
			if out[pos] < 0 {
				for r := c; r < k; r++ {
					out[pos+r-c] = -out[pos+r-c]
				}
			}
			pos += k - c
		}
	}
	return out
}

// lambdaRows returns the rows of Z*Lambda(theta).
func (fr *frame) lambdaRows(theta []float64) []sparseRow {
	ts := fr.factors(theta)
	n := fr.data.Len()
	width := 0
	for _, b := range fr.blocks {
		width += b.k()
	}
	rows := make([]sparseRow, n)
	for i := 0; i < n; i++ {
		row := sparseRow{idx: make([]int, 0, width), val: make([]float64, 0, width)}
		for bi, b := range fr.blocks {
			t := ts[bi]
			v := b.values[i]
			k := b.k()
			base := b.offset + b.index[i]*k
			for c := 0; c < k; c++ {
				s := 0.0
				for r := c; r < k; r++ {
					s += v[r] * t[r][c]
				}
				row.idx = append(row.idx, base+c)
				row.val = append(row.val, s)
			}
		}
		rows[i] = row
	}
	return rows
}

// singularGroups lists the blocks whose factor has a diagonal element
// below tol.
func (fr *frame) singularGroups(theta []float64, tol float64) []string {
	var out []string
	ts := fr.factors(theta)
	for bi, b := range fr.blocks {
		for c := 0; c < b.k(); c++ {
			if math.Abs(ts[bi][c][c]) < tol {
				out = append(out, b.term.String())
				break
			}
		}
	}
	return out
}

type thetaResult struct {
	theta    []float64
	value    float64
	evals    int
	warnings []error
}

// optimizeTheta minimises objective over theta with Nelder-Mead.
func optimizeTheta(ctx context.Context, stage string, init []float64, maxEvals int, objective func([]float64) float64) (*thetaResult, error) {
	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			if ctx.Err() != nil {
				return math.Inf(1)
			}
			v := objective(theta)
			if math.IsNaN(v) {
				return math.Inf(1)
			}
			return v
		},
	}
	settings := &optimize.Settings{
		FuncEvaluations: maxEvals,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-12,
			Iterations: 100,
		},
	}
	res, err := optimize.Minimize(problem, init, settings, &optimize.NelderMead{SimplexSize: 0.25})
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if res == nil {
		return nil, fmt.Errorf("model: %s: %w", stage, err)
	}
	out := &thetaResult{theta: res.X, value: res.F, evals: res.Stats.FuncEvaluations}
	if err != nil || res.Status.Early() {
		reason := res.Status.String()
		if err != nil {
			reason = err.Error()
		}
		out.warnings = append(out.warnings, &ConvergenceWarning{Stage: stage, Reason: reason})
	}
	if math.IsInf(res.F, 1) {
		return nil, fmt.Errorf("model: %s: no finite objective value found", stage)
	}
	return out, nil
}

// fitLMM fits a Gaussian linear mixed model by minimising the profiled
// REML criterion or ML deviance over theta.
func fitLMM(ctx context.Context, fr *frame, opts Options) (*Fitted, error) {
	n, p := fr.x.Dims()
	reml := opts.Method == REML
	objective := func(theta []float64) float64 {
		fit, err := solvePLS(fr.x, fr.lambdaRows(theta), fr.q, fr.y, nil)
		if err != nil {
			return math.Inf(1)
		}
		return fit.lmmDeviance(n, p, reml)
	}
	opt, err := optimizeTheta(ctx, "theta optimisation", fr.initialTheta(), opts.MaxEvaluations, objective)
	if err != nil {
		return nil, err
	}
	theta := fr.canonicalTheta(opt.theta)
	fit, err := solvePLS(fr.x, fr.lambdaRows(theta), fr.q, fr.y, nil)
	if err != nil {
		return nil, fmt.Errorf("model: final solve: %w", err)
	}
	dev := fit.lmmDeviance(n, p, reml)
	denom := float64(n)
	if reml {
		denom = float64(n - p)
	}
	sigma2 := (fit.rss + fit.penalty) / denom

	m := newFitted(fr, opts, KindLMM)
	m.theta = theta
	m.u = fit.u
	m.beta = fit.beta
	m.vcov = scaledSym(fit.sInv, sigma2)
	m.sigma = math.Sqrt(sigma2)
	m.deviance = dev
	m.logLik = -dev / 2
	m.npar = p + len(theta) + 1
	m.eta = fit.eta
	m.evaluations = opt.evals
	m.warnings = append(m.warnings, opt.warnings...)
	return m, nil
}

// fitOLS fits a Gaussian model without random terms by least squares.
func fitOLS(fr *frame, opts Options) (*Fitted, error) {
	n, p := fr.x.Dims()
	if n <= p {
		return nil, fmt.Errorf("%w: %d observations for %d coefficients", ErrRankDeficient, n, p)
	}
	fit, err := solvePLS(fr.x, nil, 0, fr.y, nil)
	if err != nil {
		return nil, err
	}
	sigma2 := fit.rss / float64(n-p)
	nf := float64(n)
	ll := -nf / 2 * (math.Log(2*math.Pi*fit.rss/nf) + 1)

	m := newFitted(fr, opts, KindOLS)
	m.beta = fit.beta
	m.vcov = scaledSym(fit.sInv, sigma2)
	m.sigma = math.Sqrt(sigma2)
	m.logLik = ll
	m.deviance = -2 * ll
	m.npar = p + 1
	m.eta = fit.eta
	return m, nil
}
