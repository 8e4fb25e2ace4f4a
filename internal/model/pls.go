package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// sparseRow holds the non-zero entries of one row of Z or Z*Lambda.
type sparseRow struct {
	idx []int
	val []float64
}

// plsFit is the solution of the penalised weighted least squares problem
//
//	min ||W^(1/2) (z - X beta - L u)||^2 + ||u||^2
//
// where L = Z Lambda(theta).
type plsFit struct {
	beta    []float64
	u       []float64
	eta     []float64
	rss     float64
	penalty float64
	logdetM float64
	logdetS float64
	sInv    *mat.SymDense
}

// solvePLS solves the penalised problem by block elimination: u is
// profiled out through the Cholesky factor of M = L'WL + I, leaving the
// p x p Schur complement S for beta. A nil w means unit weights; q == 0
// reduces to weighted least squares.
func solvePLS(x *mat.Dense, rows []sparseRow, q int, z, w []float64) (*plsFit, error) {
	n, p := x.Dims()
	weight := func(i int) float64 {
		if w == nil {
			return 1
		}
		return w[i]
	}

	xtx := mat.NewSymDense(p, nil)
	xtz := mat.NewVecDense(p, nil)
	for i := 0; i < n; i++ {
		wi := weight(i)
		for a := 0; a < p; a++ {
			xa := x.At(i, a)
			if xa == 0 {
				continue
			}
			xtz.SetVec(a, xtz.AtVec(a)+wi*xa*z[i])
			for b := a; b < p; b++ {
				xtx.SetSym(a, b, xtx.At(a, b)+wi*xa*x.At(i, b))
			}
		}
	}

	fit := &plsFit{u: make([]float64, q)}
	s := xtx
	r := xtz
	var cholM mat.Cholesky
	var ltx *mat.Dense
	var ltz *mat.VecDense
	if q > 0 {
		m := mat.NewSymDense(q, nil)
		ltx = mat.NewDense(q, p, nil)
		ltz = mat.NewVecDense(q, nil)
		for i := 0; i < n; i++ {
			wi := weight(i)
			row := rows[i]
			for a, ia := range row.idx {
				va := wi * row.val[a]
				if va == 0 {
					continue
				}
				ltz.SetVec(ia, ltz.AtVec(ia)+va*z[i])
				for c := 0; c < p; c++ {
					ltx.Set(ia, c, ltx.At(ia, c)+va*x.At(i, c))
				}
				for b := a; b < len(row.idx); b++ {
					ib := row.idx[b]
					m.SetSym(ia, ib, m.At(ia, ib)+va*row.val[b])
				}
			}
		}
		for j := 0; j < q; j++ {
			m.SetSym(j, j, m.At(j, j)+1)
		}
		if !cholM.Factorize(m) {
			return nil, fmt.Errorf("model: penalised system is not positive definite")
		}
		fit.logdetM = cholM.LogDet()

		var miLtx mat.Dense
		if err := cholM.SolveTo(&miLtx, ltx); err != nil {
			return nil, err
		}
		var miLtz mat.VecDense
		if err := cholM.SolveVecTo(&miLtz, ltz); err != nil {
			return nil, err
		}
		var corr mat.Dense
		corr.Mul(ltx.T(), &miLtx)
		s = mat.NewSymDense(p, nil)
		for a := 0; a < p; a++ {
			for b := a; b < p; b++ {
				s.SetSym(a, b, xtx.At(a, b)-(corr.At(a, b)+corr.At(b, a))/2)
			}
		}
		r = mat.NewVecDense(p, nil)
		r.MulVec(ltx.T(), &miLtz)
		r.SubVec(xtz, r)
	}

	var cholS mat.Cholesky
	if !cholS.Factorize(s) {
		return nil, fmt.Errorf("%w: fixed-effect cross-product is not positive definite", ErrRankDeficient)
	}
	fit.logdetS = cholS.LogDet()
	var beta mat.VecDense
	if err := cholS.SolveVecTo(&beta, r); err != nil {
		return nil, err
	}
	fit.beta = append([]float64(nil), beta.RawVector().Data...)
	fit.sInv = mat.NewSymDense(p, nil)
	if err := cholS.InverseTo(fit.sInv); err != nil {
		return nil, err
	}

	if q > 0 {
		var rhs mat.VecDense
		rhs.MulVec(ltx, &beta)
		rhs.SubVec(ltz, &rhs)
		var u mat.VecDense
		if err := cholM.SolveVecTo(&u, &rhs); err != nil {
			return nil, err
		}
		copy(fit.u, u.RawVector().Data)
	}
	for _, v := range fit.u {
		fit.penalty += v * v
	}

	fit.eta = make([]float64, n)
	for i := 0; i < n; i++ {
		e := 0.0
		for a := 0; a < p; a++ {
			e += x.At(i, a) * fit.beta[a]
		}
		if q > 0 {
			row := rows[i]
			for a, ia := range row.idx {
				e += row.val[a] * fit.u[ia]
			}
		}
		fit.eta[i] = e
		d := z[i] - e
		fit.rss += weight(i) * d * d
	}
	if math.IsNaN(fit.rss) {
		return nil, fmt.Errorf("model: penalised least squares produced NaN residuals")
	}
	return fit, nil
}

// lmmDeviance is the profiled deviance (ML) or REML criterion of an LMM
// at the theta that produced fit.
func (fit *plsFit) lmmDeviance(n, p int, reml bool) float64 {
	r2 := fit.rss + fit.penalty
	if reml {
		df := float64(n - p)
		return fit.logdetM + fit.logdetS + df*(1+math.Log(2*math.Pi*r2/df))
	}
	nf := float64(n)
	return fit.logdetM + nf*(1+math.Log(2*math.Pi*r2/nf))
}
