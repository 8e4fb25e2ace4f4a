package table

import (
	"errors"
	"math"
	"testing"
)

func TestNewValidates(t *testing.T) {
	if _, err := New(NewFloats("a", []float64{1}), NewFloats("a", []float64{2})); !errors.Is(err, ErrDuplicateColumn) {
		t.Fatalf("expected duplicate column error, got %v", err)
	}
	if _, err := New(NewFloats("a", []float64{1}), NewFloats("b", []float64{2, 3})); !errors.Is(err, ErrLength) {
		t.Fatalf("expected length error, got %v", err)
	}
}

func TestSelectDropRename(t *testing.T) {
	tbl := longFixture(t)
	sel, err := tbl.Select("score", "pid")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if names := sel.Names(); names[0] != "score" || names[1] != "pid" {
		t.Fatalf("select order %v", names)
	}
	dropped, err := tbl.Drop("site", "bodyLength")
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if dropped.Width() != 4 || dropped.Has("site") {
		t.Fatalf("drop left %v", dropped.Names())
	}
	if _, err := tbl.Drop("missing"); !errors.Is(err, ErrNoColumn) {
		t.Fatalf("expected ErrNoColumn, got %v", err)
	}
	renamed, err := tbl.Rename("score", "testScore")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !renamed.Has("testScore") || renamed.Has("score") {
		t.Fatalf("rename produced %v", renamed.Names())
	}
	if tbl.Has("testScore") {
		t.Fatalf("rename mutated the source table")
	}
}

func TestFilterAndDerive(t *testing.T) {
	tbl := longFixture(t)
	t1 := tbl.Filter(func(r Row) bool { return r.Str("test") == "t1" })
	if t1.Len() != 3 {
		t.Fatalf("filter kept %d rows", t1.Len())
	}
	derived, err := t1.DeriveFloat("ratio", func(r Row) float64 {
		return r.Num("score") / r.Num("bodyLength")
	})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	ratio, _ := derived.Column("ratio")
	if math.Abs(ratio.Num(1)-57.9/201) > 1e-15 {
		t.Fatalf("ratio = %v", ratio.Num(1))
	}
	labelled, err := derived.DeriveString("label", func(r Row) string {
		return r.Str("mountainRange") + "/" + r.Str("site")
	})
	if err != nil {
		t.Fatalf("derive string: %v", err)
	}
	label, _ := labelled.Column("label")
	if label.Str(2) != "Julian/a" {
		t.Fatalf("label = %q", label.Str(2))
	}
}

func TestSortByMissingLast(t *testing.T) {
	tbl, _ := New(
		NewStrings("id", []string{"a", "b", "c", "d"}),
		NewFloats("x", []float64{3, math.NaN(), 1, 2}),
	)
	sorted, err := tbl.SortBy("x")
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	id, _ := sorted.Column("id")
	got := id.Strings()
	want := []string{"c", "d", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted ids %v, want %v", got, want)
		}
	}
}

func TestColumnConversions(t *testing.T) {
	c := NewStrings("v", []string{"1.5", "", "x"})
	if c.Num(0) != 1.5 || !math.IsNaN(c.Num(1)) || !math.IsNaN(c.Num(2)) {
		t.Fatalf("string to number conversion wrong: %v", c.Floats())
	}
	if !c.Missing(1) || c.Missing(2) {
		t.Fatalf("missing detection wrong")
	}
	f := NewFloats("f", []float64{10, 2, math.NaN(), 2})
	if levels := f.Levels(); len(levels) != 2 || levels[0] != "2" || levels[1] != "10" {
		t.Fatalf("numeric levels %v", levels)
	}
	if f.Str(2) != "" {
		t.Fatalf("missing float should render empty")
	}
}

func TestSameRowsDetectsDifference(t *testing.T) {
	a := longFixture(t)
	b := a.Take([]int{0, 1, 2, 3, 4, 4})
	if SameRows(a, b) {
		t.Fatalf("expected different multisets")
	}
}
