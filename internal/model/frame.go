package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"colonystats/internal/formula"
	"colonystats/internal/table"
)

// InterceptName labels the intercept column.
const InterceptName = "(Intercept)"

// frame is the numeric form of a formula applied to a table: the response,
// the fixed-effect design and one block per random term.
type frame struct {
	formula *formula.Formula
	source  *table.Table
	data    *table.Table
	kept    []int
	enc     encoder
	y       []float64
	x       *mat.Dense
	cols    []string
	assign  []int
	blocks  []*block
	q       int
	fprint  string
}

// block is one random term: a k-column design varying by group level. Its
// columns in Z are laid out level by level starting at offset.
type block struct {
	term   formula.RandomTerm
	name   string
	cols   []string
	slopes []formula.Term
	full   []bool
	levels []string
	lookup map[string]int
	index  []int
	values [][]float64
	offset int
}

func (b *block) k() int { return len(b.cols) }

func (b *block) nTheta() int { k := b.k(); return k * (k + 1) / 2 }

// encoder turns table rows into design columns using fixed factor levels.
type encoder struct {
	levels map[string][]string
}

// columns returns the design columns of term on t. When full is set, a
// factor main effect is coded with one indicator per level instead of
// treatment contrasts.
func (e encoder) columns(t *table.Table, term formula.Term, full bool) ([]string, [][]float64, error) {
	names := []string{""}
	vals := [][]float64{nil}
	for vi, v := range term.Vars {
		c, err := t.Column(v)
		if err != nil {
			return nil, nil, err
		}
		var subNames []string
		var subVals [][]float64
		if c.Kind() == table.Float {
			subNames = []string{v}
			subVals = [][]float64{c.Floats()}
		} else {
			levels := e.levels[v]
			start := 1
			if full && len(term.Vars) == 1 {
				start = 0
			}
			pos := make(map[string]int, len(levels))
			for i, l := range levels {
				pos[l] = i
			}
			for li := start; li < len(levels); li++ {
				subNames = append(subNames, v+levels[li])
				subVals = append(subVals, make([]float64, t.Len()))
			}
			for r := 0; r < t.Len(); r++ {
				s := c.Str(r)
				li, ok := pos[s]
				if !ok {
					if c.Missing(r) {
						for _, sv := range subVals {
							sv[r] = math.NaN()
						}
						continue
					}
					return nil, nil, fmt.Errorf("model: %q has level %q not seen when fitting", v, s)
				}
				if li >= start {
					subVals[li-start][r] = 1
				}
			}
		}
		var nn []string
		var nv [][]float64
		for i := range names {
			for j := range subNames {
				name := subNames[j]
				if vi > 0 {
					name = names[i] + ":" + name
				}
				col := make([]float64, t.Len())
				for r := range col {
					if vals[i] == nil {
						col[r] = subVals[j][r]
					} else {
						col[r] = vals[i][r] * subVals[j][r]
					}
				}
				nn = append(nn, name)
				nv = append(nv, col)
			}
		}
		names, vals = nn, nv
	}
	return names, vals, nil
}

// fixedDesign builds the fixed-effect matrix of f on t.
func (e encoder) fixedDesign(t *table.Table, f *formula.Formula) (*mat.Dense, []string, []int, error) {
	var cols [][]float64
	var names []string
	var assign []int
	if f.Intercept {
		ones := make([]float64, t.Len())
		for i := range ones {
			ones[i] = 1
		}
		cols = append(cols, ones)
		names = append(names, InterceptName)
		assign = append(assign, -1)
	}
	firstFactor := -1
	if !f.Intercept {
		firstFactor = e.firstFactorMain(t, f.Fixed)
	}
	for ti, term := range f.Fixed {
		n, v, err := e.columns(t, term, ti == firstFactor)
		if err != nil {
			return nil, nil, nil, err
		}
		names = append(names, n...)
		cols = append(cols, v...)
		for range n {
			assign = append(assign, ti)
		}
	}
	if len(cols) == 0 {
		return nil, nil, nil, fmt.Errorf("model: %s has no fixed-effect columns", f)
	}
	x := mat.NewDense(t.Len(), len(cols), nil)
	for j, c := range cols {
		x.SetCol(j, c)
	}
	return x, names, assign, nil
}

func (e encoder) firstFactorMain(t *table.Table, terms []formula.Term) int {
	for i, term := range terms {
		if term.Order() != 1 {
			continue
		}
		if c, err := t.Column(term.Vars[0]); err == nil && c.Kind() == table.String {
			return i
		}
	}
	return -1
}

// newFrame drops incomplete rows, resolves factor levels and builds the
// fixed and random designs.
func newFrame(t *table.Table, f *formula.Formula, opts Options) (*frame, error) {
	vars := f.Vars()
	if err := t.Require(vars...); err != nil {
		return nil, err
	}
	resp, _ := t.Column(f.Response)
	if resp.Kind() != table.Float {
		return nil, fmt.Errorf("model: response %q must be numeric", f.Response)
	}
	cols := make([]*table.Column, len(vars))
	for i, v := range vars {
		cols[i], _ = t.Column(v)
	}
	kept := make([]int, 0, t.Len())
	for r := 0; r < t.Len(); r++ {
		complete := true
		for _, c := range cols {
			if c.Missing(r) {
				complete = false
				break
			}
		}
		if complete {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoObservations
	}
	data := t.Take(kept)
	fr := &frame{formula: f, source: t, data: data, kept: kept}

	factorVars := map[string]struct{}{}
	for _, term := range f.Fixed {
		for _, v := range term.Vars {
			factorVars[v] = struct{}{}
		}
	}
	for _, r := range f.Random {
		for _, s := range r.Slopes {
			for _, v := range s.Vars {
				factorVars[v] = struct{}{}
			}
		}
	}
	fr.enc.levels = map[string][]string{}
	for v := range factorVars {
		c, _ := data.Column(v)
		if c.Kind() != table.String {
			continue
		}
		observed := c.Levels()
		levels := observed
		if fixed, ok := opts.Levels[v]; ok {
			if err := coversLevels(v, fixed, observed); err != nil {
				return nil, err
			}
			levels = append([]string(nil), fixed...)
		}
		fr.enc.levels[v] = levels
	}

	yc, _ := data.Column(f.Response)
	fr.y = yc.Floats()

	x, names, assign, err := fr.enc.fixedDesign(data, f)
	if err != nil {
		return nil, err
	}
	fr.x, fr.cols, fr.assign = x, names, assign
	if err := checkRank(x, names); err != nil {
		return nil, err
	}

	for _, rt := range f.Random {
		b, err := fr.newBlock(rt, opts.Family.orDefault().IsGaussian())
		if err != nil {
			return nil, err
		}
		b.offset = fr.q
		fr.q += len(b.levels) * b.k()
		fr.blocks = append(fr.blocks, b)
	}
	fr.fprint = fingerprint(t, kept, resp)
	return fr, nil
}

func coversLevels(v string, fixed, observed []string) error {
	set := make(map[string]struct{}, len(fixed))
	for _, l := range fixed {
		if _, dup := set[l]; dup {
			return fmt.Errorf("model: level %q listed twice for %q", l, v)
		}
		set[l] = struct{}{}
	}
	for _, l := range observed {
		if _, ok := set[l]; !ok {
			return fmt.Errorf("model: level order for %q omits observed level %q", v, l)
		}
	}
	return nil
}

func checkRank(x *mat.Dense, names []string) error {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return fmt.Errorf("%w: singular value decomposition failed", ErrRankDeficient)
	}
	r, c := x.Dims()
	if r < c {
		return fmt.Errorf("%w: %d columns but only %d observations", ErrRankDeficient, c, r)
	}
	rank := svd.Rank(float64(max(r, c)) * 1e-12)
	if rank < c {
		return fmt.Errorf("%w: rank %d for %d columns (%s)", ErrRankDeficient, rank, c, strings.Join(names, ", "))
	}
	return nil
}

func (fr *frame) newBlock(rt formula.RandomTerm, gaussian bool) (*block, error) {
	b := &block{term: rt, name: rt.GroupName(), slopes: rt.Slopes}
	data := fr.data
	n := data.Len()
	var colVals [][]float64
	if rt.Intercept {
		b.cols = append(b.cols, InterceptName)
		ones := make([]float64, n)
		for i := range ones {
			ones[i] = 1
		}
		colVals = append(colVals, ones)
	}
	firstFactor := -1
	if !rt.Intercept {
		firstFactor = fr.enc.firstFactorMain(data, rt.Slopes)
	}
	b.full = make([]bool, len(rt.Slopes))
	for si, s := range rt.Slopes {
		b.full[si] = si == firstFactor
		names, vals, err := fr.enc.columns(data, s, b.full[si])
		if err != nil {
			return nil, err
		}
		b.cols = append(b.cols, names...)
		colVals = append(colVals, vals...)
	}

	keys, labels, err := groupLabels(data, rt.Group)
	if err != nil {
		return nil, err
	}
	type level struct{ key, label string }
	var seen []level
	b.lookup = map[string]int{}
	for i, k := range keys {
		if _, ok := b.lookup[k]; !ok {
			b.lookup[k] = 0
			seen = append(seen, level{k, labels[i]})
		}
	}
	sort.Slice(seen, func(i, j int) bool {
		if seen[i].label != seen[j].label {
			return seen[i].label < seen[j].label
		}
		return seen[i].key < seen[j].key
	})
	for i, l := range seen {
		b.lookup[l.key] = i
		b.levels = append(b.levels, l.label)
	}
	if len(b.levels) < 2 {
		return nil, fmt.Errorf("%w: %s has %d", ErrTooFewLevels, b.name, len(b.levels))
	}
	if gaussian && len(b.levels) >= n {
		return nil, fmt.Errorf("%w: %s has %d levels for %d observations", ErrTooManyLevels, b.name, len(b.levels), n)
	}
	b.index = make([]int, n)
	b.values = make([][]float64, n)
	for i := 0; i < n; i++ {
		b.index[i] = b.lookup[keys[i]]
		row := make([]float64, len(colVals))
		for c := range colVals {
			row[c] = colVals[c][i]
		}
		b.values[i] = row
	}
	return b, nil
}

// groupLabels returns, for every row, the composite grouping key and its
// display label. Keys length-prefix each value so that tuples never
// collide; labels join the values with ":" and may.
func groupLabels(t *table.Table, vars []string) (keys, labels []string, err error) {
	cols := make([]*table.Column, len(vars))
	for i, v := range vars {
		c, err := t.Column(v)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = c
	}
	keys = make([]string, t.Len())
	labels = make([]string, t.Len())
	parts := make([]string, len(cols))
	var kb strings.Builder
	for r := range keys {
		kb.Reset()
		for i, c := range cols {
			parts[i] = c.Str(r)
			kb.WriteString(strconv.Itoa(len(parts[i])))
			kb.WriteByte(':')
			kb.WriteString(parts[i])
		}
		keys[r] = kb.String()
		labels[r] = strings.Join(parts, ":")
	}
	return keys, labels, nil
}

// blockRows returns the random design values of b for the rows of t,
// together with each row's level index (-1 for a level not seen when
// fitting).
func (fr *frame) blockRows(b *block, t *table.Table) ([]int, [][]float64, error) {
	n := t.Len()
	var colVals [][]float64
	if b.term.Intercept {
		ones := make([]float64, n)
		for i := range ones {
			ones[i] = 1
		}
		colVals = append(colVals, ones)
	}
	for si, s := range b.slopes {
		_, vals, err := fr.enc.columns(t, s, b.full[si])
		if err != nil {
			return nil, nil, err
		}
		colVals = append(colVals, vals...)
	}
	keys, _, err := groupLabels(t, b.term.Group)
	if err != nil {
		return nil, nil, err
	}
	index := make([]int, n)
	values := make([][]float64, n)
	for i := 0; i < n; i++ {
		li, ok := b.lookup[keys[i]]
		if !ok {
			li = -1
		}
		index[i] = li
		row := make([]float64, len(colVals))
		for c := range colVals {
			row[c] = colVals[c][i]
		}
		values[i] = row
	}
	return index, values, nil
}

// groupingWarnings flags single-factor groupings whose labels recur across
// the levels of another grouping factor that holds several of them.
func (fr *frame) groupingWarnings() []error {
	single := map[string]bool{}
	nested := map[string]bool{}
	var vars []string
	for _, b := range fr.blocks {
		g := b.term.Group
		if len(g) == 1 {
			if !single[g[0]] {
				vars = append(vars, g[0])
			}
			single[g[0]] = true
			continue
		}
		for i := range g {
			for j := range g {
				if i != j {
					nested[g[i]+"\x00"+g[j]] = true
				}
			}
		}
	}
	var out []error
	for _, g := range vars {
		for _, h := range vars {
			if g == h || nested[g+"\x00"+h] {
				continue
			}
			if looksNested(fr.data, g, h) {
				out = append(out, &GroupingWarning{Factor: g, Container: h})
			}
		}
	}
	return out
}

// looksNested reports whether every label of g occurs under at least two
// levels of h, every level of h holds at least two labels of g, and g has
// fewer labels than h has levels.
func looksNested(t *table.Table, g, h string) bool {
	gc, _ := t.Column(g)
	hc, _ := t.Column(h)
	gToH := map[string]map[string]struct{}{}
	hToG := map[string]map[string]struct{}{}
	for r := 0; r < t.Len(); r++ {
		gv, hv := gc.Str(r), hc.Str(r)
		if gToH[gv] == nil {
			gToH[gv] = map[string]struct{}{}
		}
		if hToG[hv] == nil {
			hToG[hv] = map[string]struct{}{}
		}
		gToH[gv][hv] = struct{}{}
		hToG[hv][gv] = struct{}{}
	}
	if len(gToH) >= len(hToG) {
		return false
	}
	for _, hs := range gToH {
		if len(hs) < 2 {
			return false
		}
	}
	for _, gs := range hToG {
		if len(gs) < 2 {
			return false
		}
	}
	return true
}

// fingerprint identifies the observations a model was fitted to: the size
// of the source table, the kept row positions and the response values.
// Predictors are left out so that nested models share a fingerprint and
// unrelated columns added between fits do not change it.
func fingerprint(t *table.Table, kept []int, response *table.Column) string {
	h := sha256.New()
	var buf [8]byte
	fmt.Fprintf(h, "%d/%d\x00", t.Len(), len(kept))
	for _, r := range kept {
		binary.LittleEndian.PutUint64(buf[:], uint64(r))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(response.Num(r)))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sameColumn reports whether a and b hold the same cells.
func sameColumn(a, b *table.Column) bool {
	if a.Kind() != b.Kind() || a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		switch {
		case a.Missing(i) != b.Missing(i):
			return false
		case a.Missing(i):
		case a.Kind() == table.Float:
			if math.Float64bits(a.Num(i)) != math.Float64bits(b.Num(i)) {
				return false
			}
		case a.Str(i) != b.Str(i):
			return false
		}
	}
	return true
}
