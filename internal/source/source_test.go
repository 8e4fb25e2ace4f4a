package source

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"colonystats/internal/blob"
	"colonystats/internal/table"
)

func TestReadCSVInfersKinds(t *testing.T) {
	in := "\ufeffpid,site,score,note\n0042,a,1.5,x\n0043,b,NA,\n0044,a,3,y\n"
	tab, err := ReadCSV(strings.NewReader(in), CSVOptions{Strings: []string{"pid"}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if tab.Len() != 3 || tab.Width() != 4 {
		t.Fatalf("shape %dx%d", tab.Len(), tab.Width())
	}
	pid, _ := tab.Column("pid")
	if pid.Kind() != table.String || pid.Str(0) != "0042" {
		t.Fatalf("pid kept as %s %q", pid.Kind(), pid.Str(0))
	}
	score, _ := tab.Column("score")
	if score.Kind() != table.Float || !score.Missing(1) || score.Num(2) != 3 {
		t.Fatalf("score column %v", score.Floats())
	}
	note, _ := tab.Column("note")
	if note.Kind() != table.String || !note.Missing(1) {
		t.Fatalf("note column %v", note.Strings())
	}
}

func TestReadCSVTabDelimiter(t *testing.T) {
	tab, err := ReadCSV(strings.NewReader("a\tb\n1\tx\n"), CSVOptions{Delimiter: '\t'})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !tab.Has("a") || !tab.Has("b") {
		t.Fatalf("columns %v", tab.Names())
	}
}

func TestLoaderCSVCustomDelimiter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dragons.csv")
	if err := os.WriteFile(path, []byte("pid;testScore\nd1;41.5\nd2;38\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Loader{}.Load(ctx, Spec{Kind: KindCSV, Path: path, Delimiter: ";"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	score, err := got.Column("testScore")
	if err != nil {
		t.Fatalf("columns %v: %v", got.Names(), err)
	}
	if score.Num(0) != 41.5 || got.Len() != 2 {
		t.Fatalf("scores %v", score.Floats())
	}
	plain, err := Loader{}.Load(ctx, Spec{Kind: KindCSV, Path: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if plain.Width() != 1 {
		t.Fatalf("comma reader split %v", plain.Names())
	}
}

func TestReadCSVEmpty(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader(""), CSVOptions{}); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestCSVRoundTripKeepsMissing(t *testing.T) {
	src := Simulate(SimulateOptions{Seed: 3, PerSite: 2, MissingRate: 0.3})
	var buf bytes.Buffer
	if err := WriteCSV(&buf, src, ','); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := ReadCSV(&buf, CSVOptions{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	a, _ := src.Column("testScore")
	b, _ := back.Column("testScore")
	for i := 0; i < a.Len(); i++ {
		if a.Missing(i) != b.Missing(i) || (!a.Missing(i) && a.Num(i) != b.Num(i)) {
			t.Fatalf("row %d: %v vs %v", i, a.Num(i), b.Num(i))
		}
	}
}

func TestSimulateShapeAndDeterminism(t *testing.T) {
	a := Simulate(SimulateOptions{Seed: 7})
	if a.Len() != 8*3*20*2 {
		t.Fatalf("rows = %d", a.Len())
	}
	b := Simulate(SimulateOptions{Seed: 7})
	ca, _ := a.Column("testScore")
	cb, _ := b.Column("testScore")
	for i := 0; i < ca.Len(); i++ {
		if ca.Num(i) != cb.Num(i) {
			t.Fatalf("row %d differs between runs", i)
		}
	}
	c := Simulate(SimulateOptions{Seed: 8})
	cc, _ := c.Column("testScore")
	if cc.Num(0) == ca.Num(0) && cc.Num(1) == ca.Num(1) {
		t.Fatalf("different seeds produced the same data")
	}
	sites, _ := a.Column("site")
	if got := len(sites.Levels()); got != 3 {
		t.Fatalf("site labels = %d, want 3 (nested in mountainRange)", got)
	}
	pid, _ := a.Column("pid")
	if pid.Str(0) != pid.Str(1) || pid.Str(1) == pid.Str(2) {
		t.Fatalf("each dragon should carry two consecutive tests: %v", pid.Strings()[:3])
	}
	for i := 0; i < ca.Len(); i++ {
		if math.IsNaN(ca.Num(i)) {
			t.Fatalf("unexpected missing score at %d", i)
		}
	}
}

func TestLoaderSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "dragons.db")
	src := Simulate(SimulateOptions{Seed: 1, PerSite: 3, MissingRate: 0.2})
	var l Loader
	spec := Spec{Kind: KindSQLite, Path: path, Table: "dragons", Strings: []string{"pid"}}
	if err := l.Save(ctx, spec, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving again replaces the table.
	if err := l.Save(ctx, spec, src); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := l.Load(ctx, spec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != src.Len() {
		t.Fatalf("rows = %d, want %d", got.Len(), src.Len())
	}
	for _, name := range src.Names() {
		want, _ := src.Column(name)
		have, err := got.Column(name)
		if err != nil {
			t.Fatalf("column %s: %v", name, err)
		}
		if have.Kind() != want.Kind() {
			t.Fatalf("column %s kind %s, want %s", name, have.Kind(), want.Kind())
		}
		for i := 0; i < want.Len(); i++ {
			if want.Missing(i) != have.Missing(i) || (!want.Missing(i) && want.Str(i) != have.Str(i)) {
				t.Fatalf("%s[%d] = %q, want %q", name, i, have.Str(i), want.Str(i))
			}
		}
	}

	q, err := l.Load(ctx, Spec{Kind: KindSQLite, Path: path, Query: `SELECT site, COUNT(*) AS n FROM dragons GROUP BY site ORDER BY site`})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	n, _ := q.Column("n")
	if q.Len() != 3 || n.Num(0) != 8*3*2 {
		t.Fatalf("grouped counts %v", n.Floats())
	}
}

func TestLoaderSQLitePathFromEnv(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "env.db")
	l := Loader{Getenv: func(k string) string {
		if k == EnvSQLitePath {
			return path
		}
		return ""
	}}
	src := Simulate(SimulateOptions{Seed: 2, PerSite: 1})
	if err := l.Save(ctx, Spec{Kind: KindSQLite, Table: "d"}, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := l.Load(ctx, Spec{Kind: KindSQLite, Path: path, Table: "d"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != src.Len() {
		t.Fatalf("rows = %d", got.Len())
	}
}

func TestLoaderBlob(t *testing.T) {
	ctx := context.Background()
	st := blob.NewMemory()
	src := Simulate(SimulateOptions{Seed: 4, PerSite: 2})
	info, err := PutCSV(ctx, st, "data/dragons.csv", src)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ContentType != "text/csv" || info.Metadata["rows"] != "96" {
		t.Fatalf("info %+v", info)
	}
	got, err := Loader{Store: st}.Load(ctx, Spec{Kind: KindBlob, Key: "data/dragons.csv"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != 96 {
		t.Fatalf("rows = %d", got.Len())
	}
	if _, err := (Loader{}).Load(ctx, Spec{Kind: KindBlob, Key: "data/dragons.csv"}); err == nil {
		t.Fatalf("expected error without a store")
	}
}

func TestLoaderCSVFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dragons.tsv")
	src := Simulate(SimulateOptions{Seed: 5, PerSite: 1})
	l := Loader{}
	if err := l.Save(ctx, Spec{Kind: KindCSV, Path: path}, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := l.Load(ctx, Spec{Kind: KindCSV, Path: path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != src.Len() || got.Width() != src.Width() {
		t.Fatalf("shape %dx%d", got.Len(), got.Width())
	}
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"csv", Spec{Kind: KindCSV, Path: "x.csv"}, true},
		{"csv without path", Spec{Kind: KindCSV}, false},
		{"blob without key", Spec{Kind: KindBlob}, false},
		{"sqlite without table", Spec{Kind: KindSQLite}, false},
		{"postgres query", Spec{Kind: KindPostgres, Query: "SELECT 1"}, true},
		{"simulate", Spec{Kind: KindSimulate}, true},
		{"bad kind", Spec{Kind: "xlsx"}, false},
		{"long delimiter", Spec{Kind: KindCSV, Path: "x", Delimiter: ";;"}, false},
		{"bad missing rate", Spec{Kind: KindSimulate, Simulate: SimulateOptions{MissingRate: 1.5}}, false},
	}
	for _, tc := range cases {
		err := tc.spec.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
	}
}

func TestTableQueryRejectsInjection(t *testing.T) {
	if _, err := TableQuery("dragons; DROP TABLE x"); err == nil {
		t.Fatalf("expected invalid name")
	}
	q, err := TableQuery("main.dragons")
	if err != nil || q != `SELECT * FROM "main"."dragons"` {
		t.Fatalf("query %q err %v", q, err)
	}
}
