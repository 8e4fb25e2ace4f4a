package formula

import (
	"sort"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokTilde
	tokPlus
	tokMinus
	tokStar
	tokColon
	tokSlash
	tokLParen
	tokRParen
	tokBar
	tokDoubleBar
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	runes := []rune(src)
	offset := func(i int) int { return len(string(runes[:i])) }
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
			continue
		case unicode.IsLetter(r) || r == '_' || r == '.':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
				i++
			}
			toks = append(toks, token{tokIdent, string(runes[start:i]), offset(start)})
			continue
		case r == '`':
			start := i
			i++
			for i < len(runes) && runes[i] != '`' {
				i++
			}
			if i == len(runes) {
				return nil, &SyntaxError{Pos: offset(start), Msg: "unterminated quoted name"}
			}
			name := string(runes[start+1 : i])
			if name == "" {
				return nil, &SyntaxError{Pos: offset(start), Msg: "empty quoted name"}
			}
			i++
			toks = append(toks, token{tokIdent, name, offset(start)})
			continue
		case unicode.IsDigit(r):
			start := i
			for i < len(runes) && unicode.IsDigit(runes[i]) {
				i++
			}
			toks = append(toks, token{tokNumber, string(runes[start:i]), offset(start)})
			continue
		}
		kind := tokEOF
		switch r {
		case '~':
			kind = tokTilde
		case '+':
			kind = tokPlus
		case '-':
			kind = tokMinus
		case '*':
			kind = tokStar
		case ':':
			kind = tokColon
		case '/':
			kind = tokSlash
		case '(':
			kind = tokLParen
		case ')':
			kind = tokRParen
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				toks = append(toks, token{tokDoubleBar, "||", offset(i)})
				i += 2
				continue
			}
			kind = tokBar
		default:
			return nil, &SyntaxError{Pos: offset(i), Msg: "unexpected character " + string(r)}
		}
		toks = append(toks, token{kind, string(r), offset(i)})
		i++
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

// node is the parse tree. Exactly one of the shapes is populated:
// name, number, binary (op with left/right), group (inner sum), or bar.
type node struct {
	pos    int
	name   string
	number string
	op     tokenKind
	left   *node
	right  *node
	sum    []signed
	bar    *barNode
}

type signed struct {
	minus bool
	n     *node
}

type barNode struct {
	lhs    []signed
	group  *node
	double bool
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, &SyntaxError{Pos: t.pos, Msg: "expected " + what + describe(t)}
	}
	return t, nil
}

func describe(t token) string {
	if t.kind == tokEOF {
		return ", found end of input"
	}
	return ", found " + `"` + t.text + `"`
}

// sum := ['-'|'+'] product { ('+'|'-') product }
func (p *parser) parseSum() ([]signed, error) {
	var out []signed
	minus := false
	switch p.peek().kind {
	case tokMinus:
		p.next()
		minus = true
	case tokPlus:
		p.next()
	}
	for {
		n, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		out = append(out, signed{minus: minus, n: n})
		switch p.peek().kind {
		case tokPlus:
			p.next()
			minus = false
		case tokMinus:
			p.next()
			minus = true
		default:
			return out, nil
		}
	}
}

// product := nest { '*' nest }
func (p *parser) parseProduct() (*node, error) {
	return p.parseBinary(tokStar, p.parseNest)
}

// nest := interaction { '/' interaction }
func (p *parser) parseNest() (*node, error) {
	return p.parseBinary(tokSlash, p.parseInteraction)
}

// interaction := atom { ':' atom }
func (p *parser) parseInteraction() (*node, error) {
	return p.parseBinary(tokColon, p.parseAtom)
}

func (p *parser) parseBinary(op tokenKind, operand func() (*node, error)) (*node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == op {
		t := p.next()
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &node{pos: t.pos, op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAtom() (*node, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return &node{pos: t.pos, name: t.text}, nil
	case tokNumber:
		if t.text != "0" && t.text != "1" {
			return nil, &SyntaxError{Pos: t.pos, Msg: "only 0 and 1 may appear as numbers, found " + t.text}
		}
		return &node{pos: t.pos, number: t.text}, nil
	case tokLParen:
		inner, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		switch p.peek().kind {
		case tokBar, tokDoubleBar:
			bt := p.next()
			group, err := p.parseNest()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, `")"`); err != nil {
				return nil, err
			}
			return &node{pos: t.pos, bar: &barNode{lhs: inner, group: group, double: bt.kind == tokDoubleBar}}, nil
		}
		if _, err := p.expect(tokRParen, `")"`); err != nil {
			return nil, err
		}
		return &node{pos: t.pos, sum: inner}, nil
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: "expected a variable, number or parenthesis" + describe(t)}
	}
}

// Parse parses src into a Formula. Interactions (a:b), crossing (a*b),
// nesting (a/b), intercept removal (-1 or 0), random terms (x | g) and
// uncorrelated random terms (x || g) are supported.
func Parse(src string) (*Formula, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	resp, err := p.expect(tokIdent, "a response variable")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokTilde, `"~"`); err != nil {
		return nil, err
	}
	rhs, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected" + describe(t)}
	}

	f := &Formula{Response: resp.text, source: strings.TrimSpace(src)}
	fixed, intercept, err := evalSum(rhs, true, &f.Random)
	if err != nil {
		return nil, err
	}
	f.Intercept = intercept
	f.Fixed = fixed
	for _, t := range f.Fixed {
		for _, v := range t.Vars {
			if v == f.Response {
				return nil, &SyntaxError{Pos: resp.pos, Msg: "response " + v + " also appears on the right-hand side"}
			}
		}
	}
	return f, nil
}

// MustParse is Parse for formulas known to be valid; it panics on error.
func MustParse(src string) *Formula {
	f, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return f
}

// evalSum expands a signed term list. Random terms are appended to random;
// a nil random pointer rejects them.
func evalSum(items []signed, intercept bool, random *[]RandomTerm) ([]Term, bool, error) {
	var terms []Term
	index := map[string]int{}
	for _, it := range items {
		n := it.n
		if n.bar != nil {
			if random == nil {
				return nil, false, &SyntaxError{Pos: n.pos, Msg: "random-effect terms cannot be nested"}
			}
			if it.minus {
				return nil, false, &SyntaxError{Pos: n.pos, Msg: "random-effect terms cannot be removed"}
			}
			rts, err := evalBar(n)
			if err != nil {
				return nil, false, err
			}
			*random = append(*random, rts...)
			continue
		}
		if n.number != "" {
			keep := n.number == "1"
			if it.minus {
				keep = !keep
			}
			intercept = keep
			continue
		}
		expanded, err := expand(n)
		if err != nil {
			return nil, false, err
		}
		for _, t := range expanded {
			if len(t.Vars) == 0 {
				intercept = !it.minus
				continue
			}
			k := t.Key()
			if it.minus {
				if i, ok := index[k]; ok {
					terms = append(terms[:i], terms[i+1:]...)
					delete(index, k)
					for key, j := range index {
						if j > i {
							index[key] = j - 1
						}
					}
				}
				continue
			}
			if _, ok := index[k]; ok {
				continue
			}
			index[k] = len(terms)
			terms = append(terms, t)
		}
	}
	// Main effects before two-way interactions before higher orders.
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].Order() < terms[j].Order() })
	return terms, intercept, nil
}

// expand turns a non-sum node into the list of terms it denotes. The empty
// term stands for the intercept.
func expand(n *node) ([]Term, error) {
	switch {
	case n.bar != nil:
		return nil, &SyntaxError{Pos: n.pos, Msg: "random-effect terms must stand alone"}
	case n.name != "":
		return []Term{{Vars: []string{n.name}}}, nil
	case n.number == "1":
		return []Term{{}}, nil
	case n.number == "0":
		return nil, &SyntaxError{Pos: n.pos, Msg: "0 may only appear as a standalone term"}
	case n.sum != nil:
		terms, intercept, err := evalSum(n.sum, false, nil)
		if err != nil {
			return nil, err
		}
		if intercept {
			terms = append([]Term{{}}, terms...)
		}
		return terms, nil
	}
	left, err := expand(n.left)
	if err != nil {
		return nil, err
	}
	right, err := expand(n.right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokColon:
		return interact(left, right), nil
	case tokStar:
		return union(left, right, interact(left, right)), nil
	case tokSlash:
		var vars []string
		for _, t := range left {
			vars = appendUnique(vars, t.Vars...)
		}
		return union(left, interact([]Term{{Vars: vars}}, right)), nil
	}
	return nil, &SyntaxError{Pos: n.pos, Msg: "unsupported operator"}
}

func interact(a, b []Term) []Term {
	out := make([]Term, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			out = append(out, Term{Vars: appendUnique(append([]string(nil), x.Vars...), y.Vars...)})
		}
	}
	return union(out)
}

func union(lists ...[]Term) []Term {
	seen := map[string]struct{}{}
	var out []Term
	for _, l := range lists {
		for _, t := range l {
			k := t.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func appendUnique(dst []string, vs ...string) []string {
	for _, v := range vs {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func evalBar(n *node) ([]RandomTerm, error) {
	slopes, intercept, err := evalSum(n.bar.lhs, true, nil)
	if err != nil {
		return nil, err
	}
	if !intercept && len(slopes) == 0 {
		return nil, &SyntaxError{Pos: n.pos, Msg: "random-effect term has no columns"}
	}
	groups, err := expand(n.bar.group)
	if err != nil {
		return nil, err
	}
	var out []RandomTerm
	for _, g := range groups {
		if len(g.Vars) == 0 {
			return nil, &SyntaxError{Pos: n.bar.group.pos, Msg: "grouping factor cannot be an intercept"}
		}
		if !n.bar.double {
			out = append(out, RandomTerm{Intercept: intercept, Slopes: slopes, Group: g.Vars})
			continue
		}
		if intercept {
			out = append(out, RandomTerm{Intercept: true, Group: g.Vars, Uncorrelated: true})
		}
		for _, s := range slopes {
			out = append(out, RandomTerm{Slopes: []Term{s}, Group: g.Vars, Uncorrelated: true})
		}
	}
	return out, nil
}
