package table

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoColumn is returned when a referenced column does not exist.
	ErrNoColumn = errors.New("table: no such column")
	// ErrKindMismatch is returned when an operation needs a column of another kind.
	ErrKindMismatch = errors.New("table: column kind mismatch")
	// ErrLength is returned when columns of different lengths are combined.
	ErrLength = errors.New("table: column length mismatch")
	// ErrDuplicateColumn is returned when two columns share a name.
	ErrDuplicateColumn = errors.New("table: duplicate column name")
	// ErrMissingPivot is returned by LongToWide for a row with no pivot value.
	ErrMissingPivot = errors.New("table: missing pivot value")
)

// DuplicateKeyError reports a (key, pivot) combination that occurs more than
// once while widening a table without an aggregation rule.
type DuplicateKeyError struct {
	Keys   []string
	Values []string
	Pivot  string
	Count  int
}

func (e *DuplicateKeyError) Error() string {
	pairs := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		v := ""
		if i < len(e.Values) {
			v = e.Values[i]
		}
		pairs[i] = k + "=" + v
	}
	return fmt.Sprintf("table: duplicate key (%s) for pivot %q: %d rows, no aggregation given",
		strings.Join(pairs, ", "), e.Pivot, e.Count)
}

func noColumn(name string) error {
	return fmt.Errorf("%w: %q", ErrNoColumn, name)
}

func kindMismatch(name string, want Kind, got Kind) error {
	return fmt.Errorf("%w: %q is %s, want %s", ErrKindMismatch, name, got, want)
}
