package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"colonystats/internal/blob"
	"colonystats/internal/formula"
	"colonystats/internal/inference"
	"colonystats/internal/model"
	"colonystats/internal/source"
)

func TestEffectString(t *testing.T) {
	c := inference.Coefficient{Name: "bodyLength", Estimate: 0.55, SE: 0.1, StatName: "z", Statistic: 5.43, DF: math.Inf(1), P: 1e-7}
	iv := inference.Interval{Term: "bodyLength", Estimate: 0.55, Lower: 0.35, Upper: 0.75, Level: 0.95}
	want := "b = 0.55, SE = 0.10, 95% CI [0.35, 0.75], z = 5.43, p < .001"
	if got := EffectString(c, iv); got != want {
		t.Fatalf("EffectString = %q, want %q", got, want)
	}
	c.StatName, c.DF, c.P = "t", 46, 0.0412
	iv.Level = 0.99
	want = "b = 0.55, SE = 0.10, 99% CI [0.35, 0.75], t(46) = 5.43, p = .041"
	if got := EffectString(c, iv); got != want {
		t.Fatalf("EffectString = %q, want %q", got, want)
	}
}

func TestFormatP(t *testing.T) {
	cases := map[float64]string{
		0.0004: "p < .001",
		0.001:  "p = .001",
		0.0431: "p = .043",
		0.5:    "p = .500",
	}
	for p, want := range cases {
		if got := FormatP(p); got != want {
			t.Fatalf("FormatP(%v) = %q, want %q", p, got, want)
		}
	}
	if got := FormatP(math.NaN()); got != "p = NA" {
		t.Fatalf("FormatP(NaN) = %q", got)
	}
	if got := Num(-0.001); got != "0.00" {
		t.Fatalf("Num(-0.001) = %q", got)
	}
}

func fittedDocument(t *testing.T) *Document {
	t.Helper()
	ctx := context.Background()
	d := source.Simulate(source.SimulateOptions{Seed: 21, PerSite: 5})
	full, err := model.Fit(ctx, d, formula.MustParse("testScore ~ bodyLength + test + (1|mountainRange)"), model.Options{})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	reduced, err := model.Fit(ctx, d, formula.MustParse("testScore ~ bodyLength + (1|mountainRange)"), model.Options{})
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	doc := New("dragons", "run-1")
	desc, err := d.Describe("testScore", "test")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	doc.AddTable("scores by test", KindDescriptives, desc)
	if err := doc.AddModel("full", full); err != nil {
		t.Fatalf("add model: %v", err)
	}
	tests, err := inference.SignificanceTest(ctx, full, inference.WaldChiSq)
	if err != nil {
		t.Fatalf("tests: %v", err)
	}
	doc.AddTermTests("full: terms", tests)
	cmp, err := inference.Compare(ctx, reduced, full)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	doc.AddComparison("test effect", cmp)
	cs, err := inference.PairwiseContrasts(full, "test", inference.Tukey)
	if err != nil {
		t.Fatalf("contrasts: %v", err)
	}
	doc.AddContrasts("test", cs)
	doc.AddWarnings("full", []error{&model.SingularFitWarning{Groups: []string{"site"}, Tolerance: 1e-4}})
	return doc
}

func TestRenderFormats(t *testing.T) {
	doc := fittedDocument(t)

	text, err := doc.Bytes(Text)
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	for _, want := range []string{"dragons", "full: fixed effects", "bodyLength", "testt2", "t1 - t2", "boundary (singular) fit"} {
		if !bytes.Contains(text, []byte(want)) {
			t.Fatalf("text rendering lacks %q:\n%s", want, text)
		}
	}

	js, err := doc.Bytes(JSON)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var back Document
	if err := json.Unmarshal(js, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back.Sections) != len(doc.Sections) || back.RunID != "run-1" {
		t.Fatalf("decoded %d sections, run %q", len(back.Sections), back.RunID)
	}

	raw, err := doc.Bytes(CSV)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	titles := 0
	for _, rec := range recs {
		if strings.HasPrefix(rec[0], "# ") && len(rec) == 1 {
			titles++
		}
	}
	if titles < len(doc.Sections) {
		t.Fatalf("csv has %d comment lines for %d sections", titles, len(doc.Sections))
	}

	html, err := doc.Bytes(HTML)
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if !bytes.Contains(html, []byte("<table>")) || !bytes.Contains(html, []byte("&lt;.001")) {
		t.Fatalf("html rendering missing table or escaping")
	}
	if len(doc.Warnings()) != 1 {
		t.Fatalf("warnings = %v", doc.Warnings())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": Text, "txt": Text, "JSON": JSON, "html": HTML, "csv": CSV} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("expected error for pdf")
	}
}

func TestPublishDocument(t *testing.T) {
	ctx := context.Background()
	st := blob.NewMemory()
	doc := New("empty", "abc")
	doc.AddWarnings("fit", []error{context.Canceled})
	pub := Publisher{Store: st, Prefix: "runs/abc"}
	arts, err := pub.PublishDocument(ctx, doc, Text, JSON)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(arts) != 2 || arts[0].Key != "runs/abc/report.txt" || arts[1].Key != "runs/abc/report.json" {
		t.Fatalf("artifacts %+v", arts)
	}
	if arts[0].URL != "" {
		t.Fatalf("memory store should not produce URLs, got %q", arts[0].URL)
	}
	info, err := st.Head(ctx, "runs/abc/report.json")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.ContentType != "application/json" || info.Metadata["artifact-id"] != arts[1].ID || info.Metadata["run-id"] != "abc" {
		t.Fatalf("info %+v", info)
	}
	// Republishing replaces the objects.
	if _, err := pub.PublishDocument(ctx, doc, JSON); err != nil {
		t.Fatalf("republish: %v", err)
	}
}

func TestPublishFilesystemURL(t *testing.T) {
	ctx := context.Background()
	st, err := blob.Open(ctx, blob.Config{Driver: blob.DriverFilesystem, FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a, err := Publisher{Store: st, Prefix: "r"}.Put(ctx, "fig.svg", []byte("<svg/>"), "image/svg+xml", nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(a.URL, "file://") || !strings.HasSuffix(a.URL, "/r/fig.svg") {
		t.Fatalf("url %q", a.URL)
	}
}
