package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRankDeficient is returned when the fixed-effect design does not have
	// full column rank.
	ErrRankDeficient = errors.New("model: fixed-effect design is rank deficient")
	// ErrTooFewLevels is returned when a grouping factor has fewer than two levels.
	ErrTooFewLevels = errors.New("model: grouping factor has fewer than two levels")
	// ErrTooManyLevels is returned when a Gaussian model has a grouping factor
	// with as many levels as observations.
	ErrTooManyLevels = errors.New("model: grouping factor has as many levels as observations")
	// ErrNoObservations is returned when no complete rows remain.
	ErrNoObservations = errors.New("model: no complete observations")
)

// SingularFitWarning reports random-effect covariance estimates at the
// boundary of the parameter space: a variance of zero or a correlation of
// plus or minus one. The fit is still usable but the random-effect structure
// is over-specified for the data.
type SingularFitWarning struct {
	Groups    []string
	Tolerance float64
}

func (w *SingularFitWarning) Error() string {
	return fmt.Sprintf("model: singular fit: random-effect covariance for %s is at the boundary (relative scale below %g)",
		strings.Join(w.Groups, ", "), w.Tolerance)
}

// ConvergenceWarning reports an optimiser or PIRLS stage that stopped
// before meeting its convergence criterion.
type ConvergenceWarning struct {
	Stage  string
	Reason string
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("model: %s did not converge: %s", w.Stage, w.Reason)
}

// GroupingWarning reports a single-factor grouping whose labels repeat across
// the levels of another grouping factor, so that units sharing a label in
// different containers are treated as one level.
type GroupingWarning struct {
	Factor    string
	Container string
}

func (w *GroupingWarning) Error() string {
	return fmt.Sprintf("model: levels of %s recur within several levels of %s; if %s labels are only unique within %s use (1 | %s/%s)",
		w.Factor, w.Container, w.Factor, w.Container, w.Container, w.Factor)
}
