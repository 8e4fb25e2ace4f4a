package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"colonystats/internal/formula"
	"colonystats/internal/model"
	"colonystats/internal/table"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func fit(t *testing.T, tbl *table.Table, src string, opts model.Options) *model.Fitted {
	t.Helper()
	m, err := model.Fit(context.Background(), tbl, formula.MustParse(src), opts)
	if err != nil {
		t.Fatalf("fit %s: %v", src, err)
	}
	return m
}

// scores simulates test scores of dragons in eight mountain ranges with a
// body length slope of 0.1 and a second-test bonus of 2.5.
func scores(seed uint64, perRange int) *table.Table {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var mr, test, site []string
	var body, score []float64
	for ri := 0; ri < 8; ri++ {
		name := fmt.Sprintf("range%d", ri)
		effect := float64(ri-4) * 3
		for k := 0; k < perRange; k++ {
			bl := 200 + rng.NormFloat64()*20
			for ti, tst := range []string{"t1", "t2"} {
				mr = append(mr, name)
				site = append(site, []string{"a", "b", "c"}[k%3])
				test = append(test, tst)
				body = append(body, bl)
				score = append(score, 20+0.1*bl+effect+float64(ti)*2.5+rng.NormFloat64()*3)
			}
		}
	}
	tbl, _ := table.New(
		table.NewStrings("mountainRange", mr),
		table.NewStrings("site", site),
		table.NewStrings("test", test),
		table.NewFloats("bodyLength", body),
		table.NewFloats("testScore", score),
	)
	return tbl
}

func TestTukeyWithTwoMeansIsTwoSidedT(t *testing.T) {
	for _, df := range []float64{5, 12, 40, 300, math.Inf(1)} {
		for _, s := range []float64{0.5, 1.2, 2.0, 3.1} {
			want := twoSided(s, df)
			got := 1 - ptukey(s*math.Sqrt2, 2, df)
			if !near(got, want, 1e-5) {
				t.Fatalf("df=%v t=%v: tukey p %v, t p %v", df, s, got, want)
			}
		}
	}
}

func TestStudentizedRangeQuantiles(t *testing.T) {
	cases := []struct {
		q, k, df, p, tol float64
	}{
		{3.314493, 3, math.Inf(1), 0.95, 1e-4},
		{3.877, 3, 10, 0.95, 2e-3},
		{3.958, 4, 20, 0.95, 2e-3},
	}
	for _, c := range cases {
		if got := ptukey(c.q, c.k, c.df); !near(got, c.p, c.tol) {
			t.Fatalf("ptukey(%v, %v, %v) = %v, want %v", c.q, c.k, c.df, got, c.p)
		}
	}
	if ptukey(0, 3, 10) != 0 || ptukey(math.Inf(1), 3, 10) != 1 {
		t.Fatalf("ptukey bounds")
	}
	if !math.IsNaN(ptukey(1, 1, 10)) {
		t.Fatalf("k < 2 should be NaN")
	}
}

func TestCoefficientsAndIntervals(t *testing.T) {
	tbl := scores(1, 6)
	m := fit(t, tbl, "testScore ~ bodyLength + test", model.Options{})
	coefs := Coefficients(m)
	if len(coefs) != 3 || coefs[1].Name != "bodyLength" || coefs[2].Name != "testt2" {
		t.Fatalf("coefficients %+v", coefs)
	}
	for _, c := range coefs {
		if c.StatName != "t" || c.DF != float64(m.DFResidual()) {
			t.Fatalf("%s: stat %s df %v", c.Name, c.StatName, c.DF)
		}
		if !near(c.Statistic, c.Estimate/c.SE, 1e-12) {
			t.Fatalf("%s: statistic %v", c.Name, c.Statistic)
		}
	}
	iv, err := ConfidenceInterval(m, "bodyLength", 0.95)
	if err != nil {
		t.Fatal(err)
	}
	h := critical(0.95, coefs[1].DF) * coefs[1].SE
	if !near(iv.Lower, coefs[1].Estimate-h, 1e-12) || !near(iv.Upper, coefs[1].Estimate+h, 1e-12) {
		t.Fatalf("interval %+v", iv)
	}
	wide, _ := ConfidenceInterval(m, "bodyLength", 0.999)
	if wide.Lower > 0.1 || wide.Upper < 0.1 {
		t.Fatalf("99.9%% interval %+v misses the simulated slope", wide)
	}
	narrow, _ := ConfidenceInterval(m, "bodyLength", 0.5)
	if narrow.Upper-narrow.Lower >= iv.Upper-iv.Lower {
		t.Fatalf("50%% interval is not narrower")
	}

	_, err = ConfidenceInterval(m, "wingspan", 0.95)
	var unknown *UnknownTermError
	if !errors.As(err, &unknown) || unknown.Term != "wingspan" {
		t.Fatalf("expected UnknownTermError, got %v", err)
	}
	if _, err := ConfidenceInterval(m, "bodyLength", 1.5); err == nil {
		t.Fatalf("expected level error")
	}
	all, err := ConfidenceIntervals(m, 0.9)
	if err != nil || len(all) != 3 {
		t.Fatalf("intervals %v %v", all, err)
	}
}

func TestMixedModelUsesNormalReference(t *testing.T) {
	m := fit(t, scores(2, 6), "testScore ~ bodyLength + test + (1 | mountainRange)", model.Options{})
	for _, c := range Coefficients(m) {
		if c.StatName != "z" || !math.IsInf(c.DF, 1) {
			t.Fatalf("%s: %s %v", c.Name, c.StatName, c.DF)
		}
	}
	tests, err := SignificanceTest(context.Background(), m, WaldChiSq)
	if err != nil {
		t.Fatal(err)
	}
	coefs := Coefficients(m)
	for i, tt := range tests {
		z := coefs[i+1].Statistic
		if tt.DF != 1 || !near(tt.Statistic, z*z, 1e-8*math.Max(1, z*z)) {
			t.Fatalf("%s: W %v, z^2 %v", tt.Term, tt.Statistic, z*z)
		}
		if !near(tt.P, coefs[i+1].P, 1e-8) {
			t.Fatalf("%s: chi-square p %v, z p %v", tt.Term, tt.P, coefs[i+1].P)
		}
	}
}

func TestWaldOnMultiColumnTerm(t *testing.T) {
	m := fit(t, scores(3, 4), "testScore ~ mountainRange + test", model.Options{})
	tests, err := SignificanceTest(context.Background(), m, "")
	if err != nil {
		t.Fatal(err)
	}
	if tests[0].Term != "mountainRange" || tests[0].DF != 7 || tests[0].Method != WaldChiSq {
		t.Fatalf("mountainRange test %+v", tests[0])
	}
	if tests[0].P > 1e-6 {
		t.Fatalf("mountainRange effect not detected: %+v", tests[0])
	}
	f, err := SignificanceTest(context.Background(), m, WaldF)
	if err != nil {
		t.Fatal(err)
	}
	if !near(f[0].Statistic, tests[0].Statistic/7, 1e-9) || f[0].DenDF != float64(m.DFResidual()) {
		t.Fatalf("F test %+v", f[0])
	}
}

func TestCompareNestedModels(t *testing.T) {
	tbl := scores(4, 6)
	full := fit(t, tbl, "testScore ~ bodyLength + test + (1 | mountainRange)", model.Options{})
	reduced := fit(t, tbl, "testScore ~ test + (1 | mountainRange)", model.Options{})
	ctx := context.Background()
	c, err := Compare(ctx, reduced, full)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Refitted || c.DF != 1 || c.ChiSq < 0 {
		t.Fatalf("comparison %+v", c)
	}
	if c.P > 0.01 {
		t.Fatalf("body length effect not detected: p=%v", c.P)
	}
	if c.Full.NPar != 5 || c.Reduced.NPar != 4 {
		t.Fatalf("npar %d / %d", c.Full.NPar, c.Reduced.NPar)
	}
	swapped, err := Compare(ctx, full, reduced)
	if err != nil {
		t.Fatal(err)
	}
	if !near(swapped.ChiSq, c.ChiSq, 1e-9) || swapped.Full.Formula != c.Full.Formula {
		t.Fatalf("comparison depends on argument order: %+v vs %+v", swapped, c)
	}

	tests, err := SignificanceTest(ctx, full, LikelihoodRatio)
	if err != nil {
		t.Fatal(err)
	}
	if tests[0].Term != "bodyLength" || !near(tests[0].Statistic, c.ChiSq, 1e-6) {
		t.Fatalf("LRT term test %+v, comparison chi-square %v", tests[0], c.ChiSq)
	}
}

func TestCompareRejectsInvalidPairs(t *testing.T) {
	tbl := scores(5, 6)
	ctx := context.Background()
	base := fit(t, tbl, "testScore ~ bodyLength + (1 | mountainRange)", model.Options{})
	head := make([]int, 40)
	for i := range head {
		head[i] = i
	}
	cases := map[string]*model.Fitted{
		"not nested":        fit(t, tbl, "testScore ~ test + (1 | mountainRange)", model.Options{}),
		"same fixed terms":  fit(t, tbl, "testScore ~ bodyLength + (1 | site)", model.Options{}),
		"different data":    fit(t, tbl.Take(head), "testScore ~ bodyLength + test + (1 | mountainRange)", model.Options{}),
		"random not nested": fit(t, tbl, "testScore ~ bodyLength + test + (1 | site)", model.Options{}),
	}
	for name, other := range cases {
		_, err := Compare(ctx, base, other)
		var invalid *InvalidComparisonError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected InvalidComparisonError, got %v", name, err)
		}
	}
}

func TestPairwiseContrastsOneWay(t *testing.T) {
	groups := []string{"a", "a", "a", "a", "b", "b", "b", "b", "c", "c", "c", "c"}
	y := []float64{10, 11, 9, 10, 14, 15, 13, 14, 10.5, 11.5, 9.5, 10.5}
	tbl, err := table.New(table.NewStrings("g", groups), table.NewFloats("y", y))
	if err != nil {
		t.Fatal(err)
	}
	m := fit(t, tbl, "y ~ g", model.Options{})

	raw, err := PairwiseContrasts(m, "g", NoAdjust)
	if err != nil {
		t.Fatal(err)
	}
	wantMeans := []float64{10, 14, 10.5}
	for i, mm := range raw.Means {
		if !near(mm.Estimate, wantMeans[i], 1e-9) || mm.Lower >= mm.Estimate || mm.Upper <= mm.Estimate {
			t.Fatalf("mean %+v", mm)
		}
	}
	if len(raw.Contrasts) != 3 || raw.Contrasts[0].Name() != "a - b" || !near(raw.Contrasts[0].Estimate, -4, 1e-9) {
		t.Fatalf("contrasts %+v", raw.Contrasts)
	}
	for _, c := range raw.Contrasts {
		if !near(c.P, twoSided(c.Statistic, c.DF), 1e-12) {
			t.Fatalf("%s: unadjusted p %v", c.Name(), c.P)
		}
	}

	bonf, _ := PairwiseContrasts(m, "g", Bonferroni)
	tukey, err := PairwiseContrasts(m, "g", "")
	if err != nil {
		t.Fatal(err)
	}
	if tukey.Adjustment != Tukey {
		t.Fatalf("default adjustment %q", tukey.Adjustment)
	}
	for i := range raw.Contrasts {
		if !near(bonf.Contrasts[i].P, math.Min(1, 3*raw.Contrasts[i].P), 1e-12) {
			t.Fatalf("bonferroni %v vs raw %v", bonf.Contrasts[i].P, raw.Contrasts[i].P)
		}
		if tukey.Contrasts[i].P < raw.Contrasts[i].P-1e-9 || tukey.Contrasts[i].P > bonf.Contrasts[i].P+1e-9 {
			t.Fatalf("%s: tukey p %v outside [%v, %v]", raw.Contrasts[i].Name(), tukey.Contrasts[i].P, raw.Contrasts[i].P, bonf.Contrasts[i].P)
		}
	}
	if tukey.Contrasts[0].P > 0.001 || tukey.Contrasts[1].P < 0.3 {
		t.Fatalf("tukey p-values %v %v", tukey.Contrasts[0].P, tukey.Contrasts[1].P)
	}

	if _, err := PairwiseContrasts(m, "y", Tukey); err == nil {
		t.Fatalf("numeric variable accepted as factor")
	}
	if _, err := PairwiseContrasts(m, "g", "scheffe"); err == nil {
		t.Fatalf("unknown adjustment accepted")
	}
}

func TestContrastsAverageOverOtherFactors(t *testing.T) {
	tbl := scores(6, 6)
	m := fit(t, tbl, "testScore ~ mountainRange + test + bodyLength + (1 | site)", model.Options{})
	cs, err := PairwiseContrasts(m, "test", Tukey)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Means) != 2 || len(cs.Contrasts) != 1 {
		t.Fatalf("contrast set %+v", cs)
	}
	coefs := Coefficients(m)
	var bonus float64
	for _, c := range coefs {
		if c.Name == "testt2" {
			bonus = c.Estimate
		}
	}
	if !near(cs.Contrasts[0].Estimate, -bonus, 1e-9) {
		t.Fatalf("t1 - t2 = %v, coefficient %v", cs.Contrasts[0].Estimate, bonus)
	}
}

func TestHolmAdjustment(t *testing.T) {
	cs := []Contrast{{P: 0.01}, {P: 0.04}, {P: 0.03}}
	adjustP(cs, Holm, 3)
	want := []float64{0.03, 0.06, 0.06}
	for i := range cs {
		if !near(cs[i].P, want[i], 1e-12) {
			t.Fatalf("holm %d: %v want %v", i, cs[i].P, want[i])
		}
	}
	sidak := []Contrast{{P: 0.01}}
	adjustP(sidak, Sidak, 2)
	if !near(sidak[0].P, 0.01, 1e-12) {
		t.Fatalf("single sidak %v", sidak[0].P)
	}
}

func TestLikelihoodRatioRespectsMarginality(t *testing.T) {
	tbl := scores(9, 6)
	ctx := context.Background()
	m := fit(t, tbl, "testScore ~ bodyLength * test + (1 | mountainRange)", model.Options{Method: model.ML})
	wald, err := SignificanceTest(ctx, m, WaldChiSq)
	if err != nil {
		t.Fatal(err)
	}
	if len(wald) != 3 {
		t.Fatalf("wald tests %+v", wald)
	}
	tests, err := SignificanceTest(ctx, m, LikelihoodRatio)
	if err != nil {
		t.Fatal(err)
	}
	if len(tests) != 1 || tests[0].Term != wald[2].Term || tests[0].DF != 1 {
		t.Fatalf("LRT should test only the interaction, got %+v", tests)
	}
}

func TestCompareIgnoresUnrelatedColumns(t *testing.T) {
	tbl := scores(4, 6)
	reduced := fit(t, tbl, "testScore ~ test + (1 | mountainRange)", model.Options{Method: model.ML})
	extended, err := tbl.DeriveFloat("bodyLength_sq", func(r table.Row) float64 { return r.Num("bodyLength") * r.Num("bodyLength") })
	if err != nil {
		t.Fatal(err)
	}
	full := fit(t, extended, "testScore ~ bodyLength + test + (1 | mountainRange)", model.Options{Method: model.ML})
	if _, err := Compare(context.Background(), reduced, full); err != nil {
		t.Fatalf("compare across an added column: %v", err)
	}

	regrouped, err := tbl.DeriveString("mountainRange", func(r table.Row) string {
		return fmt.Sprintf("block%d", r.Index()%4)
	})
	if err != nil {
		t.Fatal(err)
	}
	other := fit(t, regrouped, "testScore ~ bodyLength + test + (1 | mountainRange)", model.Options{Method: model.ML})
	var invalid *InvalidComparisonError
	if _, err := Compare(context.Background(), reduced, other); !errors.As(err, &invalid) {
		t.Fatalf("different groupings should not compare, got %v", err)
	}
}
