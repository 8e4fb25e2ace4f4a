package model

import (
	"context"
	"fmt"
	"math"
)

const (
	pirlsMaxIter   = 50
	pirlsTolerance = 1e-8
	pirlsHalvings  = 10
)

// pirlsState is a converged penalised IRLS solution at fixed theta.
type pirlsState struct {
	fit      *plsFit
	beta     []float64
	u        []float64
	eta      []float64
	logLik   float64
	laplace  float64
	iters    int
	converge bool
}

// pirls runs penalised iteratively reweighted least squares for family fam
// at Z*Lambda rows, starting from beta0 and u0. Both beta and u are updated
// in every iteration; step halving keeps the penalised deviance from
// increasing.
func (fr *frame) pirls(fam Family, rows []sparseRow, beta0, u0 []float64) (*pirlsState, error) {
	n, p := fr.x.Dims()
	q := fr.q
	linpred := func(beta, u []float64) []float64 {
		eta := make([]float64, n)
		for i := range eta {
			e := 0.0
			for a := 0; a < p; a++ {
				e += fr.x.At(i, a) * beta[a]
			}
			if q > 0 {
				for a, ia := range rows[i].idx {
					e += rows[i].val[a] * u[ia]
				}
			}
			eta[i] = e
		}
		return eta
	}
	loglik := func(eta []float64) float64 {
		s := 0.0
		for i, e := range eta {
			s += fam.logLik(fr.y[i], fam.linkinv(e))
		}
		return s
	}
	sq := func(u []float64) float64 {
		s := 0.0
		for _, v := range u {
			s += v * v
		}
		return s
	}

	beta := append([]float64(nil), beta0...)
	u := append([]float64(nil), u0...)
	var eta []float64
	if beta == nil {
		eta = make([]float64, n)
		for i := range eta {
			eta[i] = fam.link(fam.startMu(fr.y[i]))
		}
		u = make([]float64, q)
	} else {
		eta = linpred(beta, u)
	}
	pdev := math.Inf(1)
	if beta != nil {
		pdev = -2*loglik(eta) + sq(u)
	}

	z := make([]float64, n)
	w := make([]float64, n)
	st := &pirlsState{}
	for iter := 1; iter <= pirlsMaxIter; iter++ {
		st.iters = iter
		for i, e := range eta {
			mu := fam.linkinv(e)
			d := fam.muEta(e)
			w[i] = d * d / fam.variance(mu)
			z[i] = e + (fr.y[i]-mu)/d
		}
		fit, err := solvePLS(fr.x, rows, q, z, w)
		if err != nil {
			return nil, err
		}
		newBeta, newU := fit.beta, fit.u
		newEta := fit.eta
		newDev := -2*loglik(newEta) + sq(newU)
		if beta != nil && !(newDev <= pdev) {
			for h := 1; h <= pirlsHalvings && !(newDev <= pdev); h++ {
				for a := range newBeta {
					newBeta[a] = (newBeta[a] + beta[a]) / 2
				}
				for a := range newU {
					newU[a] = (newU[a] + u[a]) / 2
				}
				newEta = linpred(newBeta, newU)
				newDev = -2*loglik(newEta) + sq(newU)
			}
		}
		st.fit = fit
		converged := beta != nil && math.Abs(pdev-newDev) < pirlsTolerance*(math.Abs(newDev)+0.1)
		beta, u, eta, pdev = newBeta, newU, newEta, newDev
		if converged {
			st.converge = true
			break
		}
	}

	// Laplace approximation at the mode, with M evaluated at the final weights.
	for i, e := range eta {
		mu := fam.linkinv(e)
		d := fam.muEta(e)
		w[i] = d * d / fam.variance(mu)
		z[i] = e + (fr.y[i]-mu)/d
	}
	final, err := solvePLS(fr.x, rows, q, z, w)
	if err != nil {
		return nil, err
	}
	st.fit = final
	st.beta, st.u, st.eta = beta, u, eta
	st.logLik = loglik(eta)
	st.laplace = -2*st.logLik + sq(u) + final.logdetM
	if math.IsNaN(st.laplace) {
		return nil, fmt.Errorf("model: PIRLS produced a NaN deviance")
	}
	return st, nil
}

// fitGLM fits a generalized linear model without random terms by IRLS.
func fitGLM(fr *frame, opts Options) (*Fitted, error) {
	fam := opts.Family
	_, p := fr.x.Dims()
	st, err := fr.pirls(fam, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	m := newFitted(fr, opts, KindGLM)
	m.beta = st.beta
	m.vcov = st.fit.sInv
	m.sigma = 1
	m.logLik = st.logLik
	m.deviance = -2 * st.logLik
	m.npar = p
	m.eta = st.eta
	if !st.converge {
		m.warnings = append(m.warnings, &ConvergenceWarning{Stage: "IRLS", Reason: fmt.Sprintf("no convergence after %d iterations", st.iters)})
	}
	return m, nil
}

// fitGLMM fits a generalized linear mixed model by minimising the Laplace
// approximation to the deviance over theta, with beta and u found by PIRLS
// at each theta.
func fitGLMM(ctx context.Context, fr *frame, opts Options) (*Fitted, error) {
	fam := opts.Family
	_, p := fr.x.Dims()
	start, err := fr.pirls(fam, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("model: starting GLM: %w", err)
	}
	beta := start.beta
	u := make([]float64, fr.q)
	pirlsFailed := false
	objective := func(theta []float64) float64 {
		st, err := fr.pirls(fam, fr.lambdaRows(theta), beta, u)
		if err != nil {
			return math.Inf(1)
		}
		if !st.converge {
			pirlsFailed = true
		}
		beta, u = st.beta, st.u
		return st.laplace
	}
	opt, err := optimizeTheta(ctx, "theta optimisation", fr.initialTheta(), opts.MaxEvaluations, objective)
	if err != nil {
		return nil, err
	}
	theta := fr.canonicalTheta(opt.theta)
	st, err := fr.pirls(fam, fr.lambdaRows(theta), beta, u)
	if err != nil {
		return nil, fmt.Errorf("model: final PIRLS: %w", err)
	}
	m := newFitted(fr, opts, KindGLMM)
	m.method = ML
	m.theta = theta
	m.u = st.u
	m.beta = st.beta
	m.vcov = st.fit.sInv
	m.sigma = 1
	m.deviance = st.laplace
	m.logLik = -st.laplace / 2
	m.npar = p + len(theta)
	m.eta = st.eta
	m.evaluations = opt.evals
	m.warnings = append(m.warnings, opt.warnings...)
	if pirlsFailed || !st.converge {
		m.warnings = append(m.warnings, &ConvergenceWarning{Stage: "PIRLS", Reason: fmt.Sprintf("no convergence within %d iterations", pirlsMaxIter)})
	}
	return m, nil
}
