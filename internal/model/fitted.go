package model

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"colonystats/internal/formula"
	"colonystats/internal/table"
)

// Fitted is an immutable fitted model.
type Fitted struct {
	frame       *frame
	opts        Options
	kind        Kind
	method      Method
	beta        []float64
	vcov        *mat.SymDense
	sigma       float64
	theta       []float64
	u           []float64
	logLik      float64
	deviance    float64
	npar        int
	eta         []float64
	evaluations int
	warnings    []error
}

func newFitted(fr *frame, opts Options, kind Kind) *Fitted {
	m := &Fitted{frame: fr, opts: opts, kind: kind, method: ML}
	if kind == KindLMM {
		m.method = opts.Method
	}
	return m
}

func scaledSym(a *mat.SymDense, f float64) *mat.SymDense {
	out := mat.NewSymDense(a.SymmetricDim(), nil)
	out.ScaleSym(f, a)
	return out
}

// Formula returns the fitted formula.
func (m *Fitted) Formula() *formula.Formula { return m.frame.formula }

// Family returns the response family.
func (m *Fitted) Family() Family { return m.opts.Family }

// Kind returns the model class.
func (m *Fitted) Kind() Kind { return m.kind }

// Method returns REML for REML-fitted Gaussian mixed models and ML
// otherwise.
func (m *Fitted) Method() Method { return m.method }

// Options returns the options the model was fitted with.
func (m *Fitted) Options() Options { return m.opts }

// ColumnNames names the fixed-effect coefficients.
func (m *Fitted) ColumnNames() []string { return append([]string(nil), m.frame.cols...) }

// Coef returns the fixed-effect estimates.
func (m *Fitted) Coef() []float64 { return append([]float64(nil), m.beta...) }

// VCov returns the covariance matrix of the fixed-effect estimates.
func (m *Fitted) VCov() *mat.SymDense {
	return mat.NewSymDense(len(m.beta), append([]float64(nil), symData(m.vcov)...))
}

func symData(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = s.At(i, j)
		}
	}
	return out
}

// StdErrors returns the standard errors of the fixed-effect estimates.
func (m *Fitted) StdErrors() []float64 {
	out := make([]float64, len(m.beta))
	for i := range out {
		out[i] = math.Sqrt(m.vcov.At(i, i))
	}
	return out
}

// Sigma is the residual standard deviation (1 for binomial and Poisson).
func (m *Fitted) Sigma() float64 { return m.sigma }

// LogLik is the log-likelihood, or the REML log-likelihood for REML fits.
func (m *Fitted) LogLik() float64 { return m.logLik }

// Deviance is -2 times LogLik.
func (m *Fitted) Deviance() float64 { return m.deviance }

// AIC is the Akaike information criterion.
func (m *Fitted) AIC() float64 { return m.deviance + 2*float64(m.npar) }

// BIC is the Bayesian information criterion.
func (m *Fitted) BIC() float64 { return m.deviance + float64(m.npar)*math.Log(float64(m.NumObs())) }

// NumParams counts fixed effects, covariance parameters and, for Gaussian
// models, the residual variance.
func (m *Fitted) NumParams() int { return m.npar }

// NumObs is the number of observations used.
func (m *Fitted) NumObs() int { return m.frame.data.Len() }

// NumDropped is the number of rows dropped for missing values.
func (m *Fitted) NumDropped() int { return m.frame.source.Len() - m.frame.data.Len() }

// DFResidual is n minus the number of fixed-effect columns.
func (m *Fitted) DFResidual() int { return m.NumObs() - len(m.beta) }

// Evaluations is the number of objective evaluations spent on theta.
func (m *Fitted) Evaluations() int { return m.evaluations }

// Warnings returns the advisory conditions of the fit.
func (m *Fitted) Warnings() []error { return append([]error(nil), m.warnings...) }

// IsSingular reports whether the fit carries a *SingularFitWarning.
func (m *Fitted) IsSingular() bool {
	for _, w := range m.warnings {
		if IsSingular(w) {
			return true
		}
	}
	return false
}

// Theta returns the relative covariance parameters.
func (m *Fitted) Theta() []float64 { return append([]float64(nil), m.theta...) }

// Fingerprint identifies the observations the model was fitted to: the kept
// rows and their response values.
func (m *Fitted) Fingerprint() string { return m.frame.fprint }

// SameObservations reports whether m and o were fitted to the same rows:
// their fingerprints agree and every variable both formulas read holds the
// same values. Columns neither model reads are ignored.
func (m *Fitted) SameObservations(o *Fitted) bool {
	if m.Fingerprint() != o.Fingerprint() {
		return false
	}
	for _, v := range m.frame.formula.Vars() {
		oc, err := o.frame.data.Column(v)
		if err != nil {
			continue
		}
		mc, _ := m.frame.data.Column(v)
		if !sameColumn(mc, oc) {
			return false
		}
	}
	return true
}

// Data returns the complete-case rows the model was fitted to.
func (m *Fitted) Data() *table.Table { return m.frame.data }

// Source returns the table passed to Fit.
func (m *Fitted) Source() *table.Table { return m.frame.source }

// FactorLevels returns the level order used for a factor variable.
func (m *Fitted) FactorLevels(v string) ([]string, bool) {
	l, ok := m.frame.enc.levels[v]
	return append([]string(nil), l...), ok
}

// TermColumns maps a fixed term to its coefficient columns.
type TermColumns struct {
	Key     string
	Label   string
	Columns []int
}

// Terms lists the fixed terms (intercept excluded) with their columns.
func (m *Fitted) Terms() []TermColumns {
	f := m.frame.formula
	out := make([]TermColumns, len(f.Fixed))
	for i, t := range f.Fixed {
		out[i] = TermColumns{Key: t.Key(), Label: t.String()}
	}
	for c, ti := range m.frame.assign {
		if ti >= 0 {
			out[ti].Columns = append(out[ti].Columns, c)
		}
	}
	return out
}

// VarianceComponent is the estimated variance of one random-effect column,
// with its correlations to the earlier columns of the same term.
type VarianceComponent struct {
	Group    string
	Term     string
	Column   string
	Variance float64
	SD       float64
	Corr     []float64
}

// VarianceComponents returns one component per random-effect column and,
// for Gaussian models, a final "Residual" component.
func (m *Fitted) VarianceComponents() []VarianceComponent {
	var out []VarianceComponent
	s2 := m.sigma * m.sigma
	for bi, t := range m.frame.factors(m.theta) {
		b := m.frame.blocks[bi]
		k := b.k()
		cov := make([][]float64, k)
		for r := 0; r < k; r++ {
			cov[r] = make([]float64, k)
			for s := 0; s < k; s++ {
				v := 0.0
				for c := 0; c < k; c++ {
					v += t[r][c] * t[s][c]
				}
				cov[r][s] = s2 * v
			}
		}
		for r := 0; r < k; r++ {
			vc := VarianceComponent{Group: b.name, Term: b.term.String(), Column: b.cols[r], Variance: cov[r][r], SD: math.Sqrt(cov[r][r])}
			for s := 0; s < r; s++ {
				den := math.Sqrt(cov[r][r] * cov[s][s])
				c := math.NaN()
				if den > 0 {
					c = cov[r][s] / den
				}
				vc.Corr = append(vc.Corr, c)
			}
			out = append(out, vc)
		}
	}
	if m.kind == KindLMM || m.kind == KindOLS {
		out = append(out, VarianceComponent{Group: "Residual", Variance: s2, SD: m.sigma})
	}
	return out
}

// RandomBlock holds the conditional modes of one random term: Modes[l][c]
// is the predicted effect of column c for level l.
type RandomBlock struct {
	Group   string
	Term    string
	Columns []string
	Levels  []string
	Modes   [][]float64
}

// RandomEffects returns the conditional modes b = Lambda u per term.
func (m *Fitted) RandomEffects() []RandomBlock {
	var out []RandomBlock
	for bi, t := range m.frame.factors(m.theta) {
		b := m.frame.blocks[bi]
		k := b.k()
		rb := RandomBlock{Group: b.name, Term: b.term.String(), Columns: append([]string(nil), b.cols...), Levels: append([]string(nil), b.levels...)}
		for l := range b.levels {
			base := b.offset + l*k
			mode := make([]float64, k)
			for r := 0; r < k; r++ {
				for c := 0; c <= r; c++ {
					mode[r] += t[r][c] * m.u[base+c]
				}
			}
			rb.Modes = append(rb.Modes, mode)
		}
		out = append(out, rb)
	}
	return out
}

// GroupLevels maps each grouping factor to its number of levels.
func (m *Fitted) GroupLevels() map[string]int {
	out := map[string]int{}
	for _, b := range m.frame.blocks {
		out[b.name] = len(b.levels)
	}
	return out
}

// LinearPredictor returns the fitted linear predictor, random effects
// included.
func (m *Fitted) LinearPredictor() []float64 { return append([]float64(nil), m.eta...) }

// FittedValues returns the fitted means on the response scale.
func (m *Fitted) FittedValues() []float64 {
	out := make([]float64, len(m.eta))
	for i, e := range m.eta {
		out[i] = m.opts.Family.linkinv(e)
	}
	return out
}

// Residuals returns response minus fitted mean.
func (m *Fitted) Residuals() []float64 {
	fv := m.FittedValues()
	for i := range fv {
		fv[i] = m.frame.y[i] - fv[i]
	}
	return fv
}

// DesignFor builds the fixed-effect design for the rows of t, using the
// factor levels of the fit.
func (m *Fitted) DesignFor(t *table.Table) (*mat.Dense, error) {
	x, names, _, err := m.frame.enc.fixedDesign(t, m.frame.formula)
	if err != nil {
		return nil, err
	}
	if len(names) != len(m.frame.cols) {
		return nil, fmt.Errorf("model: design for new data has %d columns, fit has %d", len(names), len(m.frame.cols))
	}
	for i := range names {
		if names[i] != m.frame.cols[i] {
			return nil, fmt.Errorf("model: design column %q does not match fitted column %q", names[i], m.frame.cols[i])
		}
	}
	return x, nil
}

// Predict returns predicted means for the rows of t. With includeRandom the
// conditional modes of known group levels are added; unknown levels
// contribute zero.
func (m *Fitted) Predict(t *table.Table, includeRandom bool) ([]float64, error) {
	x, err := m.DesignFor(t)
	if err != nil {
		return nil, err
	}
	n, p := x.Dims()
	eta := make([]float64, n)
	for i := range eta {
		for a := 0; a < p; a++ {
			eta[i] += x.At(i, a) * m.beta[a]
		}
	}
	if includeRandom {
		modes := m.RandomEffects()
		for bi, b := range m.frame.blocks {
			index, values, err := m.frame.blockRows(b, t)
			if err != nil {
				return nil, err
			}
			for i := range eta {
				if index[i] < 0 {
					continue
				}
				mode := modes[bi].Modes[index[i]]
				for c, v := range values[i] {
					eta[i] += v * mode[c]
				}
			}
		}
	}
	out := make([]float64, n)
	for i, e := range eta {
		out[i] = m.opts.Family.linkinv(e)
	}
	return out, nil
}

// Refit fits the same formula to the same table with another method.
func (m *Fitted) Refit(ctx context.Context, method Method) (*Fitted, error) {
	opts := m.opts
	opts.Method = method
	return Fit(ctx, m.frame.source, m.frame.formula, opts)
}

// WithFormula fits f to the same table with the same options.
func (m *Fitted) WithFormula(ctx context.Context, f *formula.Formula) (*Fitted, error) {
	return Fit(ctx, m.frame.source, f, m.opts)
}
