package inference

import "math"

// Gauss-Legendre nodes and weights for the studentized range integrals
// (Copenhaver and Holland, 1988).
var (
	rangeNodes = [6]float64{
		0.981560634246719250690549090149,
		0.904117256370474856678465866119,
		0.769902674194304687036893833213,
		0.587317954286617447296702418941,
		0.367831498998180193752691536644,
		0.125233408511468915472441369464,
	}
	rangeWeights = [6]float64{
		0.047175336386511827194615961485,
		0.106939325995318430960254718194,
		0.160078328543346226334652529543,
		0.203167426723065921749064455810,
		0.233492536538354808760849898925,
		0.249147045813402785000562436043,
	}
	chiNodes = [8]float64{
		0.989400934991649932596154173450,
		0.944575023073232576077988415535,
		0.865631202387831743880467897712,
		0.755404408355003033895101194847,
		0.617876244402643748446671764049,
		0.458016777657227386342419442984,
		0.281603550779258913230460501460,
		0.950125098376374401853193354250e-1,
	}
	chiWeights = [8]float64{
		0.271524594117540948517805724560e-1,
		0.622535239386478928628438369944e-1,
		0.951585116824927848099251076022e-1,
		0.124628971255533872052476282192,
		0.149595988816576732081501730547,
		0.169156519395002538189312079030,
		0.182603415044923588866763667969,
		0.189450610455068496285396723208,
	}
)

func normCDF(x float64) float64 { return 0.5 * math.Erfc(-x/math.Sqrt2) }

// rangeCDF is P(range of k standard normals <= w).
func rangeCDF(w, k float64) float64 {
	const (
		upper = 8.0
		c1    = -30.0
		c3    = 60.0
	)
	half := w / 2
	if half >= upper {
		return 1
	}
	pr := 2*normCDF(half) - 1
	if pr >= 1 {
		pr = 1
	} else {
		pr = math.Pow(pr, k)
	}
	steps := 3.0
	if w > 3 {
		steps = 2
	}
	lo := half
	inc := (upper - half) / steps
	hi := lo + inc
	sum := 0.0
	for s := 0; s < int(steps); s++ {
		part := 0.0
		a := (hi + lo) / 2
		b := (hi - lo) / 2
		for jj := 1; jj <= 12; jj++ {
			var j int
			var xx float64
			if jj > 6 {
				j = 12 - jj
				xx = rangeNodes[j]
			} else {
				j = jj - 1
				xx = -rangeNodes[j]
			}
			ac := a + b*xx
			qexpo := ac * ac
			if qexpo > c3 {
				break
			}
			inner := normCDF(ac) - normCDF(ac-w)
			if inner >= math.Exp(c1/(k-1)) {
				part += rangeWeights[j] * math.Exp(-qexpo/2) * math.Pow(inner, k-1)
			}
		}
		part *= 2 * b * k / math.Sqrt(2*math.Pi)
		sum += part
		lo = hi
		hi += inc
	}
	pr += sum
	if pr <= math.Exp(c1) {
		return 0
	}
	if pr >= 1 {
		return 1
	}
	return pr
}

// ptukey is the distribution function of the studentized range of k means
// with df error degrees of freedom (df may be +Inf).
func ptukey(q, k, df float64) float64 {
	switch {
	case math.IsNaN(q) || k < 2 || df < 2:
		return math.NaN()
	case q <= 0:
		return 0
	case math.IsInf(q, 1):
		return 1
	case df > 25000:
		return rangeCDF(q, k)
	}
	const (
		eps1 = -30.0
		eps2 = 1e-14
	)
	f2 := df / 2
	lg, _ := math.Lgamma(f2)
	f2lf := f2*math.Log(df) - df*math.Ln2 - lg
	f21 := f2 - 1
	ff4 := df / 4
	ulen := 0.125
	switch {
	case df <= 100:
		ulen = 1
	case df <= 800:
		ulen = 0.5
	case df <= 5000:
		ulen = 0.25
	}
	f2lf += math.Log(ulen)

	ans := 0.0
	for i := 1; i <= 50; i++ {
		sum := 0.0
		twa1 := float64(2*i-1) * ulen
		for jj := 1; jj <= 16; jj++ {
			var j int
			var t1, x float64
			if jj > 8 {
				j = jj - 9
				x = twa1 + chiNodes[j]*ulen
				t1 = f2lf + f21*math.Log(x) - x*ff4
			} else {
				j = jj - 1
				x = twa1 - chiNodes[j]*ulen
				t1 = f2lf + f21*math.Log(x) - x*ff4
			}
			if t1 >= eps1 {
				sum += rangeCDF(q*math.Sqrt(x/2), k) * chiWeights[j] * math.Exp(t1)
			}
		}
		if float64(i)*ulen >= 1 && sum <= eps2 {
			break
		}
		ans += sum
	}
	return math.Min(ans, 1)
}
