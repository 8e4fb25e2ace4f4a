package table

import (
	"math"
	"sort"
	"strconv"
)

// Kind is the storage type of a column.
type Kind uint8

const (
	// String columns hold labels; the empty string marks a missing value.
	String Kind = iota + 1
	// Float columns hold numbers; NaN marks a missing value.
	Float
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Float:
		return "float"
	default:
		return "unknown"
	}
}

// Column is an immutable named vector. Columns are shared between tables, so
// nothing in this package writes to a column after construction.
type Column struct {
	name string
	kind Kind
	strs []string
	nums []float64
}

// NewStrings constructs a string column holding a copy of values.
func NewStrings(name string, values []string) *Column {
	cp := make([]string, len(values))
	copy(cp, values)
	return &Column{name: name, kind: String, strs: cp}
}

// NewFloats constructs a float column holding a copy of values.
func NewFloats(name string, values []float64) *Column {
	cp := make([]float64, len(values))
	copy(cp, values)
	return &Column{name: name, kind: Float, nums: cp}
}

func (c *Column) Name() string { return c.name }

func (c *Column) Kind() Kind { return c.kind }

// Len returns the number of values.
func (c *Column) Len() int {
	if c.kind == Float {
		return len(c.nums)
	}
	return len(c.strs)
}

// Str returns value i as text. Float values use the shortest exact
// representation; missing floats render as the empty string.
func (c *Column) Str(i int) string {
	if c.kind == Float {
		return formatFloat(c.nums[i])
	}
	return c.strs[i]
}

// Num returns value i as a number, or NaN when it is missing or not numeric.
func (c *Column) Num(i int) float64 {
	if c.kind == Float {
		return c.nums[i]
	}
	v, err := strconv.ParseFloat(c.strs[i], 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// Missing reports whether value i is missing.
func (c *Column) Missing(i int) bool {
	if c.kind == Float {
		return math.IsNaN(c.nums[i])
	}
	return c.strs[i] == ""
}

// Strings returns a copy of the values as text.
func (c *Column) Strings() []string {
	out := make([]string, c.Len())
	for i := range out {
		out[i] = c.Str(i)
	}
	return out
}

// Floats returns a copy of the values as numbers.
func (c *Column) Floats() []float64 {
	out := make([]float64, c.Len())
	for i := range out {
		out[i] = c.Num(i)
	}
	return out
}

// Distinct returns the non-missing values in order of first appearance.
func (c *Column) Distinct() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := 0; i < c.Len(); i++ {
		if c.Missing(i) {
			continue
		}
		v := c.Str(i)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Levels returns the distinct non-missing values sorted. Float columns sort
// numerically, string columns lexically.
func (c *Column) Levels() []string {
	out := c.Distinct()
	if c.kind == Float {
		sort.Slice(out, func(i, j int) bool {
			a, _ := strconv.ParseFloat(out[i], 64)
			b, _ := strconv.ParseFloat(out[j], 64)
			return a < b
		})
		return out
	}
	sort.Strings(out)
	return out
}

func (c *Column) renamed(name string) *Column {
	return &Column{name: name, kind: c.kind, strs: c.strs, nums: c.nums}
}

func (c *Column) take(idx []int) *Column {
	out := &Column{name: c.name, kind: c.kind}
	if c.kind == Float {
		out.nums = make([]float64, len(idx))
		for i, j := range idx {
			out.nums[i] = c.nums[j]
		}
		return out
	}
	out.strs = make([]string, len(idx))
	for i, j := range idx {
		out.strs[i] = c.strs[j]
	}
	return out
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
