// Package formula parses Wilkinson-style mixed-model formulas such as
//
//	score ~ bodyLength + test + (1 | mountainRange/site) + (1 + test || pid)
//
// into a response, fixed-effect terms and random-effect terms.
package formula

import (
	"fmt"
	"sort"
	"strings"
)

// Term is a fixed-effect term: a single variable or an interaction of
// several. The intercept is not a Term; see Formula.Intercept.
type Term struct {
	Vars []string
}

// Key identifies the term regardless of variable order, so a:b and b:a
// compare equal.
func (t Term) Key() string {
	vars := append([]string(nil), t.Vars...)
	sort.Strings(vars)
	return strings.Join(vars, ":")
}

func (t Term) String() string { return strings.Join(t.Vars, ":") }

// Order is the number of variables in the term.
func (t Term) Order() int { return len(t.Vars) }

// RandomTerm is one random-effect block: a correlated set of columns
// (intercept and slopes) varying by the levels of a grouping factor. Group
// holds more than one variable for a composite key such as g1:g2.
type RandomTerm struct {
	Intercept bool
	Slopes    []Term
	Group     []string
	// Uncorrelated marks blocks produced by splitting a || term.
	Uncorrelated bool
}

// GroupKey identifies the grouping factor regardless of variable order.
func (r RandomTerm) GroupKey() string {
	return Term{Vars: r.Group}.Key()
}

// GroupName is the grouping factor as written, e.g. "mountainRange:site".
func (r RandomTerm) GroupName() string { return strings.Join(r.Group, ":") }

// Key identifies the block by grouping factor and columns.
func (r RandomTerm) Key() string {
	parts := make([]string, 0, len(r.Slopes)+1)
	if r.Intercept {
		parts = append(parts, "1")
	}
	for _, s := range r.Slopes {
		parts = append(parts, s.Key())
	}
	sort.Strings(parts)
	return strings.Join(parts, "+") + "|" + r.GroupKey()
}

func (r RandomTerm) String() string {
	var lhs []string
	if r.Intercept {
		lhs = append(lhs, "1")
	} else {
		lhs = append(lhs, "0")
	}
	for _, s := range r.Slopes {
		lhs = append(lhs, s.String())
	}
	return "(" + strings.Join(lhs, " + ") + " | " + r.GroupName() + ")"
}

// Formula is a parsed model formula.
type Formula struct {
	Response  string
	Intercept bool
	Fixed     []Term
	Random    []RandomTerm
	source    string
}

// Source returns the text the formula was parsed from.
func (f *Formula) Source() string { return f.source }

// String renders the formula canonically, with every shorthand expanded.
func (f *Formula) String() string {
	var rhs []string
	if !f.Intercept {
		rhs = append(rhs, "0")
	} else if len(f.Fixed) == 0 {
		rhs = append(rhs, "1")
	}
	for _, t := range f.Fixed {
		rhs = append(rhs, t.String())
	}
	for _, r := range f.Random {
		rhs = append(rhs, r.String())
	}
	return f.Response + " ~ " + strings.Join(rhs, " + ")
}

// HasRandom reports whether the formula has random-effect terms.
func (f *Formula) HasRandom() bool { return len(f.Random) > 0 }

// Vars lists every variable the formula reads, response first, without
// duplicates.
func (f *Formula) Vars() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(vs ...string) {
		for _, v := range vs {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	add(f.Response)
	for _, t := range f.Fixed {
		add(t.Vars...)
	}
	for _, r := range f.Random {
		for _, s := range r.Slopes {
			add(s.Vars...)
		}
		add(r.Group...)
	}
	return out
}

// FixedKeys returns the keys of the fixed terms, plus "1" when the intercept
// is present, sorted.
func (f *Formula) FixedKeys() []string {
	out := make([]string, 0, len(f.Fixed)+1)
	if f.Intercept {
		out = append(out, "1")
	}
	for _, t := range f.Fixed {
		out = append(out, t.Key())
	}
	sort.Strings(out)
	return out
}

// RandomKeys returns the keys of the random terms, sorted.
func (f *Formula) RandomKeys() []string {
	out := make([]string, len(f.Random))
	for i, r := range f.Random {
		out[i] = r.Key()
	}
	sort.Strings(out)
	return out
}

// Term returns the fixed term with the given key (in any variable order).
func (f *Formula) Term(key string) (Term, bool) {
	want := Term{Vars: strings.Split(key, ":")}.Key()
	for _, t := range f.Fixed {
		if t.Key() == want {
			return t, true
		}
	}
	return Term{}, false
}

// Without returns a copy of f without the fixed term key.
func (f *Formula) Without(key string) (*Formula, error) {
	t, ok := f.Term(key)
	if !ok {
		return nil, fmt.Errorf("formula: no fixed term %q in %s", key, f)
	}
	out := f.clone()
	out.Fixed = out.Fixed[:0]
	for _, ft := range f.Fixed {
		if ft.Key() != t.Key() {
			out.Fixed = append(out.Fixed, ft)
		}
	}
	out.source = out.String()
	return out, nil
}

// FixedOnly returns a copy of f with the random terms removed.
func (f *Formula) FixedOnly() *Formula {
	out := f.clone()
	out.Random = nil
	out.source = out.String()
	return out
}

func (f *Formula) clone() *Formula {
	out := &Formula{Response: f.Response, Intercept: f.Intercept, source: f.source}
	out.Fixed = make([]Term, len(f.Fixed))
	for i, t := range f.Fixed {
		out.Fixed[i] = Term{Vars: append([]string(nil), t.Vars...)}
	}
	out.Random = make([]RandomTerm, len(f.Random))
	for i, r := range f.Random {
		c := RandomTerm{Intercept: r.Intercept, Group: append([]string(nil), r.Group...), Uncorrelated: r.Uncorrelated}
		for _, s := range r.Slopes {
			c.Slopes = append(c.Slopes, Term{Vars: append([]string(nil), s.Vars...)})
		}
		out.Random[i] = c
	}
	return out
}

// SyntaxError reports a malformed formula. Pos is a byte offset into the
// input.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("formula: at position %d: %s", e.Pos, e.Msg)
}
