package formula

import (
	"errors"
	"reflect"
	"testing"
)

func termStrings(ts []Term) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}

func TestParseFixed(t *testing.T) {
	cases := []struct {
		src       string
		intercept bool
		fixed     []string
	}{
		{"score ~ bodyLength", true, []string{"bodyLength"}},
		{"score ~ 1", true, []string{}},
		{"score ~ bodyLength - 1", false, []string{"bodyLength"}},
		{"score ~ 0 + test", false, []string{"test"}},
		{"score ~ a*b", true, []string{"a", "b", "a:b"}},
		{"score ~ a*b*c", true, []string{"a", "b", "c", "a:b", "a:c", "b:c", "a:b:c"}},
		{"score ~ a*b - a:b", true, []string{"a", "b"}},
		{"score ~ a:b + a", true, []string{"a", "a:b"}},
		{"score ~ a/b", true, []string{"a", "a:b"}},
		{"score ~ (a + b):c", true, []string{"a:c", "b:c"}},
		{"score ~ b:a + a:b", true, []string{"b:a"}},
		{"score ~ `body length` + site", true, []string{"body length", "site"}},
	}
	for _, tc := range cases {
		f, err := Parse(tc.src)
		if err != nil {
			t.Fatalf("%s: %v", tc.src, err)
		}
		if f.Response != "score" {
			t.Errorf("%s: response %q", tc.src, f.Response)
		}
		if f.Intercept != tc.intercept {
			t.Errorf("%s: intercept %v", tc.src, f.Intercept)
		}
		if got := termStrings(f.Fixed); !reflect.DeepEqual(got, tc.fixed) {
			t.Errorf("%s: fixed %v, want %v", tc.src, got, tc.fixed)
		}
		if f.HasRandom() {
			t.Errorf("%s: unexpected random terms", tc.src)
		}
	}
}

func TestParseRandom(t *testing.T) {
	f := MustParse("testScore ~ bodyLength2 + (1|mountainRange/site) + (0 + x | pid) + (1 + x || g)")
	got := make([]string, len(f.Random))
	for i, r := range f.Random {
		got[i] = r.String()
	}
	want := []string{
		"(1 | mountainRange)",
		"(1 | mountainRange:site)",
		"(0 + x | pid)",
		"(1 | g)",
		"(0 + x | g)",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("random terms %v, want %v", got, want)
	}
	if !f.Random[3].Uncorrelated || f.Random[0].Uncorrelated {
		t.Fatalf("uncorrelated flag not set from ||")
	}
	if f.Random[1].GroupKey() != "mountainRange:site" {
		t.Fatalf("group key %q", f.Random[1].GroupKey())
	}

	slope := MustParse("y ~ x + (x | g)")
	if r := slope.Random[0]; !r.Intercept || len(r.Slopes) != 1 || r.Slopes[0].String() != "x" {
		t.Fatalf("implicit intercept not kept: %+v", r)
	}
}

func TestVarsAndString(t *testing.T) {
	f := MustParse("score ~ bodyLength * test + (1 | mountainRange/site)")
	want := []string{"score", "bodyLength", "test", "mountainRange", "site"}
	if got := f.Vars(); !reflect.DeepEqual(got, want) {
		t.Fatalf("vars %v, want %v", got, want)
	}
	canonical := "score ~ bodyLength + test + bodyLength:test + (1 | mountainRange) + (1 | mountainRange:site)"
	if f.String() != canonical {
		t.Fatalf("string %q", f.String())
	}
	again := MustParse(f.String())
	if !reflect.DeepEqual(again.FixedKeys(), f.FixedKeys()) || !reflect.DeepEqual(again.RandomKeys(), f.RandomKeys()) {
		t.Fatalf("canonical form does not reparse to the same model")
	}
}

func TestWithout(t *testing.T) {
	f := MustParse("score ~ bodyLength + test + (1|pid)")
	reduced, err := f.Without("test")
	if err != nil {
		t.Fatalf("without: %v", err)
	}
	if got := reduced.FixedKeys(); !reflect.DeepEqual(got, []string{"1", "bodyLength"}) {
		t.Fatalf("reduced keys %v", got)
	}
	if len(f.Fixed) != 2 {
		t.Fatalf("Without mutated the receiver")
	}
	if _, err := f.Without("site"); err == nil {
		t.Fatalf("expected error for unknown term")
	}
	if fo := f.FixedOnly(); fo.HasRandom() || fo.String() != "score ~ bodyLength + test" {
		t.Fatalf("fixed-only formula %q", fo.String())
	}
}

func TestSyntaxErrors(t *testing.T) {
	cases := []struct {
		src string
		pos int
	}{
		{"score bodyLength", 6},
		{"~ x", 0},
		{"y ~ x +", 7},
		{"y ~ (x | g", 10},
		{"y ~ x $ z", 6},
		{"y ~ 2 + x", 4},
		{"y ~ x + ((1|g)|h)", 9},
		{"y ~ x:(1|g)", 6},
		{"y ~ x + (0|g)", 8},
		{"y ~ y + x", 0},
	}
	for _, tc := range cases {
		_, err := Parse(tc.src)
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("%q: expected SyntaxError, got %v", tc.src, err)
			continue
		}
		if se.Pos != tc.pos {
			t.Errorf("%q: position %d, want %d (%s)", tc.src, se.Pos, tc.pos, se.Msg)
		}
	}
}
