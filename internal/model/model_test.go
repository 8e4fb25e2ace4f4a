package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"colonystats/internal/formula"
	"colonystats/internal/table"
)

func mustTable(t *testing.T, cols ...*table.Column) *table.Table {
	t.Helper()
	tbl, err := table.New(cols...)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return tbl
}

func mustFit(t *testing.T, tbl *table.Table, src string, opts Options) *Fitted {
	t.Helper()
	m, err := Fit(context.Background(), tbl, formula.MustParse(src), opts)
	if err != nil {
		t.Fatalf("fit %s: %v", src, err)
	}
	return m
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Abs(b))
}

// dragons builds a nested design: sites a, b, c inside each range, with
// subjects measured on two tests.
func dragons(seed uint64, perSite int) *table.Table {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	ranges := []string{"Bavarian", "Central", "Emmental", "Julian", "Ligurian", "Maritime", "Sarntal", "Southern"}
	var pid, mr, site, test []string
	var body, score []float64
	id := 0
	for ri, r := range ranges {
		rangeEffect := float64(ri-4) * 3
		for _, s := range []string{"a", "b", "c"} {
			siteEffect := rng.NormFloat64() * 2
			for k := 0; k < perSite; k++ {
				id++
				bl := 200 + rng.NormFloat64()*20
				subject := rng.NormFloat64() * 4
				for ti, tst := range []string{"t1", "t2"} {
					pid = append(pid, fmt.Sprintf("d%03d", id))
					mr = append(mr, r)
					site = append(site, s)
					test = append(test, tst)
					body = append(body, bl)
					score = append(score, 20+0.1*bl+rangeEffect+siteEffect+subject+float64(ti)*2.5+rng.NormFloat64()*3)
				}
			}
		}
	}
	tbl, _ := table.New(
		table.NewStrings("pid", pid),
		table.NewStrings("mountainRange", mr),
		table.NewStrings("site", site),
		table.NewFloats("bodyLength", body),
		table.NewStrings("test", test),
		table.NewFloats("testScore", score),
	)
	return tbl
}

func TestOLSMatchesClosedForm(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	noise := []float64{0.3, -0.2, 0.1, 0.4, -0.5, 0.2, -0.1, 0.0, 0.3, -0.4}
	y := make([]float64, len(x))
	for i := range x {
		y[i] = 2 + 3*x[i] + noise[i]
	}
	tbl := mustTable(t, table.NewFloats("x", x), table.NewFloats("y", y))
	m := mustFit(t, tbl, "y ~ x", Options{})
	if m.Kind() != KindOLS {
		t.Fatalf("kind %v", m.Kind())
	}

	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	n := float64(len(x))
	mx, my = mx/n, my/n
	var sxx, sxy float64
	for i := range x {
		sxx += (x[i] - mx) * (x[i] - mx)
		sxy += (x[i] - mx) * (y[i] - my)
	}
	slope := sxy / sxx
	icept := my - slope*mx
	var rss float64
	for i := range x {
		r := y[i] - icept - slope*x[i]
		rss += r * r
	}
	s2 := rss / (n - 2)

	coef := m.Coef()
	if !near(coef[0], icept, 1e-9) || !near(coef[1], slope, 1e-9) {
		t.Fatalf("coef %v, want [%v %v]", coef, icept, slope)
	}
	if se := m.StdErrors()[1]; !near(se, math.Sqrt(s2/sxx), 1e-9) {
		t.Fatalf("slope SE %v, want %v", se, math.Sqrt(s2/sxx))
	}
	wantLL := -n / 2 * (math.Log(2*math.Pi*rss/n) + 1)
	if !near(m.LogLik(), wantLL, 1e-9) || m.NumParams() != 3 {
		t.Fatalf("loglik %v (want %v), npar %d", m.LogLik(), wantLL, m.NumParams())
	}
	if m.DFResidual() != 8 {
		t.Fatalf("df residual %d", m.DFResidual())
	}
}

func TestBalancedOneWayREML(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	const groups, per = 12, 6
	var g []string
	var y []float64
	for i := 0; i < groups; i++ {
		effect := rng.NormFloat64() * 2
		for j := 0; j < per; j++ {
			g = append(g, fmt.Sprintf("g%02d", i))
			y = append(y, 10+effect+rng.NormFloat64())
		}
	}
	tbl := mustTable(t, table.NewStrings("g", g), table.NewFloats("y", y))
	m := mustFit(t, tbl, "y ~ 1 + (1|g)", Options{})

	// ANOVA estimators coincide with REML for balanced one-way data when
	// the between-group estimate is positive.
	grand := 0.0
	means := make([]float64, groups)
	for i := 0; i < groups; i++ {
		for j := 0; j < per; j++ {
			means[i] += y[i*per+j]
		}
		means[i] /= per
		grand += means[i] / groups
	}
	var ssb, ssw float64
	for i := 0; i < groups; i++ {
		ssb += per * (means[i] - grand) * (means[i] - grand)
		for j := 0; j < per; j++ {
			d := y[i*per+j] - means[i]
			ssw += d * d
		}
	}
	msb := ssb / (groups - 1)
	msw := ssw / (groups * (per - 1))
	wantBetween := (msb - msw) / per
	if wantBetween <= 0 {
		t.Fatalf("fixture has non-positive between-group variance")
	}

	vc := m.VarianceComponents()
	if len(vc) != 2 || vc[0].Group != "g" || vc[1].Group != "Residual" {
		t.Fatalf("components %+v", vc)
	}
	if !near(vc[0].Variance, wantBetween, 1e-3) {
		t.Fatalf("between variance %v, want %v", vc[0].Variance, wantBetween)
	}
	if !near(vc[1].Variance, msw, 1e-3) {
		t.Fatalf("residual variance %v, want %v", vc[1].Variance, msw)
	}
	if !near(m.Coef()[0], grand, 1e-8) {
		t.Fatalf("intercept %v, want grand mean %v", m.Coef()[0], grand)
	}
	if m.IsSingular() || len(m.Warnings()) != 0 {
		t.Fatalf("unexpected warnings %v", m.Warnings())
	}
	if m.Method() != REML || m.NumParams() != 3 {
		t.Fatalf("method %v npar %d", m.Method(), m.NumParams())
	}
}

func TestNestedVersusCrossedLevels(t *testing.T) {
	tbl := dragons(3, 3)
	nested := mustFit(t, tbl, "testScore ~ bodyLength + (1|mountainRange/site)", Options{})
	levels := nested.GroupLevels()
	if levels["mountainRange:site"] != 24 || levels["mountainRange"] != 8 {
		t.Fatalf("nested levels %v", levels)
	}
	for _, w := range nested.Warnings() {
		var gw *GroupingWarning
		if errors.As(w, &gw) {
			t.Fatalf("nested form should not warn: %v", w)
		}
	}

	crossed := mustFit(t, tbl, "testScore ~ bodyLength + (1|mountainRange) + (1|site)", Options{})
	if crossed.GroupLevels()["site"] != 3 {
		t.Fatalf("crossed site levels %v", crossed.GroupLevels())
	}
	var gw *GroupingWarning
	found := false
	for _, w := range crossed.Warnings() {
		if errors.As(w, &gw) && gw.Factor == "site" && gw.Container == "mountainRange" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a grouping warning for site within mountainRange, got %v", crossed.Warnings())
	}

	_, err := Fit(context.Background(), tbl, formula.MustParse("testScore ~ bodyLength + (1|mountainRange) + (1|site)"), Options{StrictGrouping: true})
	if !errors.As(err, &gw) {
		t.Fatalf("strict grouping should fail, got %v", err)
	}
}

func TestCompositeGroupKeysDoNotCollide(t *testing.T) {
	g1 := []string{"a:b", "a", "x", "x"}
	g2 := []string{"c", "b:c", "y", "z"}
	var c1, c2 []string
	var y []float64
	rng := rand.New(rand.NewPCG(11, 12))
	for rep := 0; rep < 3; rep++ {
		for i := range g1 {
			c1 = append(c1, g1[i])
			c2 = append(c2, g2[i])
			y = append(y, float64(i)*2+rng.NormFloat64())
		}
	}
	tbl := mustTable(t, table.NewStrings("g1", c1), table.NewStrings("g2", c2), table.NewFloats("y", y))
	m := mustFit(t, tbl, "y ~ 1 + (1 | g1:g2)", Options{})
	if got := m.GroupLevels()["g1:g2"]; got != 4 {
		t.Fatalf("levels of g1:g2 = %d, want 4", got)
	}
	pred, err := m.Predict(tbl, true)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred[0] == pred[1] {
		t.Fatalf("(a:b, c) and (a, b:c) share a random effect: %v", pred[:4])
	}
}

func TestConvergenceWarningKeepsFit(t *testing.T) {
	tbl := dragons(3, 3)
	m, err := Fit(context.Background(), tbl, formula.MustParse("testScore ~ bodyLength + (1|mountainRange/site)"), Options{MaxEvaluations: 3})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	var cw *ConvergenceWarning
	found := false
	for _, w := range m.Warnings() {
		if errors.As(w, &cw) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a convergence warning, got %v", m.Warnings())
	}
	if len(m.Coef()) != 2 || math.IsNaN(m.Deviance()) {
		t.Fatalf("fit not returned: coef %v deviance %v", m.Coef(), m.Deviance())
	}
}

func TestFingerprintIgnoresUnreadColumns(t *testing.T) {
	tbl := dragons(6, 2)
	before := mustFit(t, tbl, "testScore ~ test + (1|mountainRange)", Options{})
	extended, err := tbl.DeriveFloat("bodyLength_cm", func(r table.Row) float64 { return r.Num("bodyLength") / 10 })
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	after := mustFit(t, extended, "testScore ~ bodyLength_cm + test + (1|mountainRange)", Options{})
	if before.Fingerprint() != after.Fingerprint() || !before.SameObservations(after) {
		t.Fatalf("an added column changed the observations")
	}
	fewer := mustFit(t, tbl.Take([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}), "testScore ~ test + (1|mountainRange)", Options{})
	if fewer.SameObservations(before) {
		t.Fatalf("a row subset should not match")
	}
}

func TestSingularFit(t *testing.T) {
	base := []float64{-1.2, 0.3, 0.8, -0.4, 0.5}
	var g []string
	var y []float64
	for i := 0; i < 6; i++ {
		for j := range base {
			g = append(g, fmt.Sprintf("g%d", i))
			y = append(y, 10+base[(i+j)%len(base)])
		}
	}
	tbl := mustTable(t, table.NewStrings("g", g), table.NewFloats("y", y))
	m := mustFit(t, tbl, "y ~ 1 + (1|g)", Options{})
	if !m.IsSingular() {
		t.Fatalf("expected singular fit, theta %v", m.Theta())
	}
	var sw *SingularFitWarning
	for _, w := range m.Warnings() {
		errors.As(w, &sw)
	}
	if sw == nil || sw.Groups[0] != "(1 | g)" {
		t.Fatalf("singular warning %+v", sw)
	}

	_, err := Fit(context.Background(), tbl, formula.MustParse("y ~ 1 + (1|g)"), Options{SingularPolicy: SingularError})
	if !IsSingular(err) {
		t.Fatalf("expected singular error, got %v", err)
	}
}

func TestMLDevianceDecreasesWithTerms(t *testing.T) {
	tbl := dragons(5, 4)
	reduced := mustFit(t, tbl, "testScore ~ bodyLength + (1|mountainRange) + (1|pid)", Options{Method: ML})
	full := mustFit(t, tbl, "testScore ~ bodyLength + test + (1|mountainRange) + (1|pid)", Options{Method: ML})
	if full.Deviance() > reduced.Deviance()+1e-6 {
		t.Fatalf("full deviance %v exceeds reduced %v", full.Deviance(), reduced.Deviance())
	}
	if full.NumParams() != reduced.NumParams()+1 {
		t.Fatalf("npar %d vs %d", full.NumParams(), reduced.NumParams())
	}
	if full.Fingerprint() != reduced.Fingerprint() {
		t.Fatalf("same data should share a fingerprint")
	}
	names := full.ColumnNames()
	if names[2] != "testt2" {
		t.Fatalf("columns %v", names)
	}
	if b := full.Coef()[2]; math.Abs(b-2.5) > 1.5 {
		t.Fatalf("test effect %v far from simulated 2.5", b)
	}
	refit, err := full.Refit(context.Background(), REML)
	if err != nil {
		t.Fatalf("refit: %v", err)
	}
	if refit.Method() != REML || refit.Fingerprint() != full.Fingerprint() {
		t.Fatalf("refit method %v", refit.Method())
	}
}

func TestPredict(t *testing.T) {
	tbl := dragons(9, 2)
	m := mustFit(t, tbl, "testScore ~ bodyLength + test + (1|mountainRange)", Options{})
	withRE, err := m.Predict(m.Data(), true)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	fv := m.FittedValues()
	for i := range fv {
		if !near(withRE[i], fv[i], 1e-9) {
			t.Fatalf("row %d: prediction %v, fitted %v", i, withRE[i], fv[i])
		}
	}
	fixedOnly, err := m.Predict(m.Data(), false)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	beta := m.Coef()
	bl, _ := m.Data().Column("bodyLength")
	tst, _ := m.Data().Column("test")
	for i := 0; i < m.NumObs(); i++ {
		want := beta[0] + beta[1]*bl.Num(i)
		if tst.Str(i) == "t2" {
			want += beta[2]
		}
		if !near(fixedOnly[i], want, 1e-9) {
			t.Fatalf("row %d: fixed prediction %v, want %v", i, fixedOnly[i], want)
		}
	}

	unseen := mustTable(t,
		table.NewStrings("mountainRange", []string{"Atlas"}),
		table.NewFloats("bodyLength", []float64{200}),
		table.NewStrings("test", []string{"t1"}),
	)
	p, err := m.Predict(unseen, true)
	if err != nil {
		t.Fatalf("predict unseen group: %v", err)
	}
	if !near(p[0], beta[0]+200*beta[1], 1e-9) {
		t.Fatalf("unseen level should use fixed effects only, got %v", p[0])
	}
	bad := mustTable(t,
		table.NewStrings("mountainRange", []string{"Julian"}),
		table.NewFloats("bodyLength", []float64{200}),
		table.NewStrings("test", []string{"t3"}),
	)
	if _, err := m.Predict(bad, false); err == nil {
		t.Fatalf("expected error for unseen factor level")
	}
}

func TestBinomialGLMRecoversCoefficients(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	n := 3000
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
		p := 1 / (1 + math.Exp(-(-0.5 + 1.2*x[i])))
		if rng.Float64() < p {
			y[i] = 1
		}
	}
	tbl := mustTable(t, table.NewFloats("x", x), table.NewFloats("y", y))
	m := mustFit(t, tbl, "y ~ x", Options{Family: Binomial})
	if m.Kind() != KindGLM {
		t.Fatalf("kind %v", m.Kind())
	}
	coef := m.Coef()
	if math.Abs(coef[0]+0.5) > 0.15 || math.Abs(coef[1]-1.2) > 0.15 {
		t.Fatalf("coef %v, want about [-0.5 1.2]", coef)
	}
	if se := m.StdErrors()[1]; se <= 0 || se > 0.1 {
		t.Fatalf("slope SE %v", se)
	}
	if m.NumParams() != 2 || m.Sigma() != 1 {
		t.Fatalf("npar %d sigma %v", m.NumParams(), m.Sigma())
	}
	if _, err := Fit(context.Background(), mustTable(t, table.NewFloats("x", []float64{1, 2}), table.NewFloats("y", []float64{0, 2})), formula.MustParse("y ~ x"), Options{Family: Binomial}); err == nil {
		t.Fatalf("expected error for binomial response outside [0, 1]")
	}
}

func TestBinomialGLMM(t *testing.T) {
	rng := rand.New(rand.NewPCG(31, 32))
	var g []string
	var x, y []float64
	for i := 0; i < 40; i++ {
		u := rng.NormFloat64()
		for j := 0; j < 30; j++ {
			xi := rng.NormFloat64()
			p := 1 / (1 + math.Exp(-(0.3 + 1.0*xi + u)))
			yi := 0.0
			if rng.Float64() < p {
				yi = 1
			}
			g = append(g, fmt.Sprintf("g%02d", i))
			x = append(x, xi)
			y = append(y, yi)
		}
	}
	tbl := mustTable(t, table.NewStrings("g", g), table.NewFloats("x", x), table.NewFloats("y", y))
	m := mustFit(t, tbl, "y ~ x + (1|g)", Options{Family: Binomial})
	if m.Kind() != KindGLMM || m.Method() != ML {
		t.Fatalf("kind %v method %v", m.Kind(), m.Method())
	}
	if b := m.Coef()[1]; math.Abs(b-1.0) > 0.3 {
		t.Fatalf("slope %v far from 1.0", b)
	}
	sd := m.VarianceComponents()[0].SD
	if sd < 0.4 || sd > 1.8 {
		t.Fatalf("group sd %v far from 1", sd)
	}
	glm := mustFit(t, tbl, "y ~ x", Options{Family: Binomial})
	if m.Deviance() >= glm.Deviance() {
		t.Fatalf("random intercept should improve deviance: %v vs %v", m.Deviance(), glm.Deviance())
	}
}

func TestPoissonGLM(t *testing.T) {
	rng := rand.New(rand.NewPCG(41, 42))
	n := 2000
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = rng.Float64()
		lambda := math.Exp(0.5 + 0.8*x[i])
		// Knuth's method is adequate for small means.
		l, k, p := math.Exp(-lambda), 0.0, 1.0
		for {
			p *= rng.Float64()
			if p <= l {
				break
			}
			k++
		}
		y[i] = k
	}
	tbl := mustTable(t, table.NewFloats("x", x), table.NewFloats("count", y))
	m := mustFit(t, tbl, "count ~ x", Options{Family: Poisson})
	coef := m.Coef()
	if math.Abs(coef[0]-0.5) > 0.15 || math.Abs(coef[1]-0.8) > 0.2 {
		t.Fatalf("coef %v, want about [0.5 0.8]", coef)
	}
}

func TestFrameErrors(t *testing.T) {
	ctx := context.Background()
	x := []float64{1, 2, 3, 4, 5}
	dup := mustTable(t, table.NewFloats("x1", x), table.NewFloats("x2", []float64{2, 4, 6, 8, 10}), table.NewFloats("y", []float64{1, 3, 2, 5, 4}))
	if _, err := Fit(ctx, dup, formula.MustParse("y ~ x1 + x2"), Options{}); !errors.Is(err, ErrRankDeficient) {
		t.Fatalf("expected rank deficiency, got %v", err)
	}
	one := mustTable(t, table.NewStrings("g", []string{"a", "a", "a", "a", "a"}), table.NewFloats("y", x))
	if _, err := Fit(ctx, one, formula.MustParse("y ~ 1 + (1|g)"), Options{}); !errors.Is(err, ErrTooFewLevels) {
		t.Fatalf("expected too few levels, got %v", err)
	}
	each := mustTable(t, table.NewStrings("g", []string{"a", "b", "c", "d", "e"}), table.NewFloats("y", x))
	if _, err := Fit(ctx, each, formula.MustParse("y ~ 1 + (1|g)"), Options{}); !errors.Is(err, ErrTooManyLevels) {
		t.Fatalf("expected too many levels, got %v", err)
	}
	strResp := mustTable(t, table.NewStrings("y", []string{"a", "b"}), table.NewFloats("x", []float64{1, 2}))
	if _, err := Fit(ctx, strResp, formula.MustParse("y ~ x"), Options{}); err == nil {
		t.Fatalf("expected error for string response")
	}
	if _, err := Fit(ctx, dup, formula.MustParse("y ~ x1"), Options{Family: Family{Name: "gaussian", Link: Log}}); err == nil {
		t.Fatalf("expected error for unsupported link")
	}
}

func TestMissingRowsAndLevelOrder(t *testing.T) {
	tbl := mustTable(t,
		table.NewStrings("grp", []string{"lo", "hi", "lo", "hi", "mid", "mid", "", "lo"}),
		table.NewFloats("y", []float64{1, 5, 2, 6, 3, 4, 9, math.NaN()}),
	)
	m := mustFit(t, tbl, "y ~ grp", Options{})
	if m.NumObs() != 6 || m.NumDropped() != 2 {
		t.Fatalf("nobs %d dropped %d", m.NumObs(), m.NumDropped())
	}
	if names := m.ColumnNames(); names[1] != "grplo" || names[2] != "grpmid" {
		t.Fatalf("default reference should be first sorted level: %v", names)
	}
	ordered := mustFit(t, tbl, "y ~ grp", Options{Levels: map[string][]string{"grp": {"lo", "mid", "hi"}}})
	if names := ordered.ColumnNames(); names[1] != "grpmid" || names[2] != "grphi" {
		t.Fatalf("level override ignored: %v", names)
	}
	if !near(ordered.Coef()[0], 1.5, 1e-12) || !near(ordered.Coef()[2], 4, 1e-12) {
		t.Fatalf("coef %v", ordered.Coef())
	}
	noInt := mustFit(t, tbl, "y ~ 0 + grp", Options{})
	if len(noInt.ColumnNames()) != 3 || noInt.ColumnNames()[0] != "grphi" {
		t.Fatalf("cell-means coding %v", noInt.ColumnNames())
	}
	terms := ordered.Terms()
	if len(terms) != 1 || len(terms[0].Columns) != 2 {
		t.Fatalf("terms %+v", terms)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Fit(ctx, dragons(1, 1), formula.MustParse("testScore ~ bodyLength + (1|mountainRange)"), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
