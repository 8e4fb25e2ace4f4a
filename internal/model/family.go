package model

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Link maps the mean of the response to the linear predictor.
type Link int

const (
	Identity Link = iota
	Logit
	Probit
	CLogLog
	Log
)

var linkNames = map[Link]string{
	Identity: "identity",
	Logit:    "logit",
	Probit:   "probit",
	CLogLog:  "cloglog",
	Log:      "log",
}

func (l Link) String() string {
	if n, ok := linkNames[l]; ok {
		return n
	}
	return fmt.Sprintf("Link(%d)", int(l))
}

// Family is a response distribution with its link. The zero value is the
// Gaussian family with identity link.
type Family struct {
	Name string
	Link Link
}

var (
	Gaussian = Family{Name: "gaussian", Link: Identity}
	Binomial = Family{Name: "binomial", Link: Logit}
	Poisson  = Family{Name: "poisson", Link: Log}
)

// ParseFamily resolves a family name and optional link name. An empty link
// selects the canonical link.
func ParseFamily(name, link string) (Family, error) {
	var fam Family
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gaussian", "normal":
		fam = Gaussian
	case "binomial":
		fam = Binomial
	case "poisson":
		fam = Poisson
	default:
		return Family{}, fmt.Errorf("model: unknown family %q", name)
	}
	if link == "" {
		return fam, nil
	}
	for l, n := range linkNames {
		if strings.EqualFold(n, link) {
			fam.Link = l
			return fam, fam.validate()
		}
	}
	return Family{}, fmt.Errorf("model: unknown link %q", link)
}

func (f Family) orDefault() Family {
	if f.Name == "" {
		return Gaussian
	}
	return f
}

// IsGaussian reports whether f is the Gaussian family.
func (f Family) IsGaussian() bool { return f.orDefault().Name == "gaussian" }

func (f Family) String() string {
	f = f.orDefault()
	return f.Name + "(" + f.Link.String() + ")"
}

func (f Family) validate() error {
	switch f.Name {
	case "gaussian":
		if f.Link != Identity {
			return fmt.Errorf("model: gaussian family supports only the identity link, got %s", f.Link)
		}
	case "binomial":
		if f.Link != Logit && f.Link != Probit && f.Link != CLogLog {
			return fmt.Errorf("model: binomial family does not support the %s link", f.Link)
		}
	case "poisson":
		if f.Link != Log {
			return fmt.Errorf("model: poisson family supports only the log link, got %s", f.Link)
		}
	default:
		return fmt.Errorf("model: unknown family %q", f.Name)
	}
	return nil
}

const muEps = 1e-10

// linkinv returns the mean for linear predictor eta.
func (f Family) linkinv(eta float64) float64 {
	switch f.Link {
	case Logit:
		return clampProb(1 / (1 + math.Exp(-eta)))
	case Probit:
		return clampProb(distuv.UnitNormal.CDF(eta))
	case CLogLog:
		return clampProb(-math.Expm1(-math.Exp(eta)))
	case Log:
		return math.Max(math.Exp(eta), muEps)
	default:
		return eta
	}
}

// muEta is the derivative of the mean with respect to eta.
func (f Family) muEta(eta float64) float64 {
	switch f.Link {
	case Logit:
		mu := f.linkinv(eta)
		return math.Max(mu*(1-mu), muEps)
	case Probit:
		return math.Max(distuv.UnitNormal.Prob(eta), muEps)
	case CLogLog:
		e := math.Min(eta, 700)
		return math.Max(math.Exp(e-math.Exp(e)), muEps)
	case Log:
		return math.Max(math.Exp(eta), muEps)
	default:
		return 1
	}
}

// link returns the linear predictor for mean mu.
func (f Family) link(mu float64) float64 {
	switch f.Link {
	case Logit:
		return math.Log(mu / (1 - mu))
	case Probit:
		return distuv.UnitNormal.Quantile(mu)
	case CLogLog:
		return math.Log(-math.Log1p(-mu))
	case Log:
		return math.Log(mu)
	default:
		return mu
	}
}

func (f Family) variance(mu float64) float64 {
	switch f.Name {
	case "binomial":
		return math.Max(mu*(1-mu), muEps)
	case "poisson":
		return math.Max(mu, muEps)
	default:
		return 1
	}
}

// logLik is the log-density of one observation with unit dispersion.
func (f Family) logLik(y, mu float64) float64 {
	switch f.Name {
	case "binomial":
		return y*math.Log(mu) + (1-y)*math.Log1p(-mu)
	case "poisson":
		lg, _ := math.Lgamma(y + 1)
		return y*math.Log(mu) - mu - lg
	default:
		return -0.5 * (math.Log(2*math.Pi) + (y-mu)*(y-mu))
	}
}

// startMu is the starting mean used to initialise IRLS.
func (f Family) startMu(y float64) float64 {
	switch f.Name {
	case "binomial":
		return (y + 0.5) / 2
	case "poisson":
		return y + 0.1
	default:
		return y
	}
}

func (f Family) checkResponse(name string, y []float64) error {
	for _, v := range y {
		switch f.Name {
		case "binomial":
			if v < 0 || v > 1 {
				return fmt.Errorf("model: binomial response %q must lie in [0, 1], found %g", name, v)
			}
		case "poisson":
			if v < 0 || v != math.Trunc(v) {
				return fmt.Errorf("model: poisson response %q must be a non-negative integer, found %g", name, v)
			}
		}
	}
	return nil
}

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, muEps), 1-muEps)
}
