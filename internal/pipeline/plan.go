// Package pipeline runs a YAML analysis plan: load a table, transform it,
// draw figures, fit models and report inference, publishing every artifact
// to a blob store under one run prefix.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"colonystats/internal/blob"
	"colonystats/internal/figure"
	"colonystats/internal/source"
)

// DefaultTable names the table produced by the plan's source.
const DefaultTable = "data"

// StepKind selects what a step does.
type StepKind string

const (
	StepDerive      StepKind = "derive"
	StepStandardize StepKind = "standardize"
	StepFilter      StepKind = "filter"
	StepAggregate   StepKind = "aggregate"
	StepReshape     StepKind = "reshape"
	StepDescribe    StepKind = "describe"
	StepPlot        StepKind = "plot"
	StepFit         StepKind = "fit"
	StepAnova       StepKind = "anova"
	StepConfint     StepKind = "confint"
	StepCompare     StepKind = "compare"
	StepContrasts   StepKind = "contrasts"
)

// Plan is a complete analysis.
type Plan struct {
	Name   string      `yaml:"name" validate:"required"`
	Source source.Spec `yaml:"source"`
	Output Output      `yaml:"output"`
	Steps  []Step      `yaml:"steps" validate:"required,min=1,dive"`
}

// Output says where artifacts go. An empty Blob.Driver reads the
// COLONYSTATS_BLOB_* environment.
type Output struct {
	Blob    blob.Config `yaml:"blob"`
	Prefix  string      `yaml:"prefix" validate:"omitempty,excludes=.."`
	Formats []string    `yaml:"formats" validate:"dive,oneof=text txt json csv html"`
}

// Step is one operation. Only the fields of its kind are read.
type Step struct {
	Name   string   `yaml:"name"`
	Kind   StepKind `yaml:"kind" validate:"required,oneof=derive standardize filter aggregate reshape describe plot fit anova confint compare contrasts"`
	Input  string   `yaml:"input"`
	Output string   `yaml:"output"`

	// derive, standardize, filter, aggregate, describe
	Column  string   `yaml:"column"`
	Columns []string `yaml:"columns"`
	As      string   `yaml:"as"`
	GroupBy []string `yaml:"group_by"`
	// derive: concat, log, sqrt, add, multiply, difference, ratio
	// filter: eq, ne, lt, le, gt, ge, in, present
	Op        string   `yaml:"op"`
	Value     string   `yaml:"value"`
	Values    []string `yaml:"values"`
	Separator string   `yaml:"separator"`
	// aggregate
	Reducers  []string `yaml:"reducers"`
	Broadcast bool     `yaml:"broadcast"`

	// reshape: wide or long
	Direction string   `yaml:"direction" validate:"omitempty,oneof=wide long"`
	Keys      []string `yaml:"keys"`
	Pivot     string   `yaml:"pivot"`
	Reducer   string   `yaml:"reducer"`

	// plot: bar, violin, scatter, facet, predictions
	Figure  string         `yaml:"figure" validate:"omitempty,oneof=bar violin scatter facet predictions"`
	X       string         `yaml:"x"`
	Y       string         `yaml:"y"`
	Group   string         `yaml:"group"`
	Facet   string         `yaml:"facet"`
	Fit     bool           `yaml:"fit"`
	Cols    int            `yaml:"cols" validate:"gte=0"`
	Options figure.Options `yaml:"options"`

	// fit
	Formula        string              `yaml:"formula"`
	Family         string              `yaml:"family"`
	Link           string              `yaml:"link"`
	Method         string              `yaml:"method" validate:"omitempty,oneof=reml ml REML ML"`
	Levels         map[string][]string `yaml:"levels"`
	SingularPolicy string              `yaml:"singular_policy" validate:"omitempty,oneof=warn error"`

	// anova, confint, compare, contrasts, plot predictions
	Model  string   `yaml:"model"`
	Models []string `yaml:"models"`
	Test   string   `yaml:"test" validate:"omitempty,oneof=wald-chisq F lrt"`
	Level  float64  `yaml:"level" validate:"gte=0,lt=1"`
	Factor string   `yaml:"factor"`
	Adjust string   `yaml:"adjust" validate:"omitempty,oneof=tukey bonferroni holm sidak none"`
}

func (s Step) input() string {
	if s.Input == "" {
		return DefaultTable
	}
	return s.Input
}

// label is the step's name, or its kind and position.
func (s Step) label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s-%d", s.Kind, i+1)
}

// ValidationError locates a problem in a plan.
type ValidationError struct {
	Step   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Step == "":
		return fmt.Sprintf("pipeline: invalid plan: %s %s", e.Field, e.Reason)
	case e.Field == "":
		return fmt.Sprintf("pipeline: step %s: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("pipeline: step %s: %s %s", e.Step, e.Field, e.Reason)
}

// Load decodes a plan, rejecting unknown fields, and validates it.
func Load(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("pipeline: decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads a plan from path.
func LoadFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, the source, per-kind required fields and
// that every referenced table and model is produced by an earlier step.
func (p *Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Namespace(), Reason: fmt.Sprintf("fails %q %s", fe.Tag(), fe.Param())}
		}
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := p.Source.Validate(); err != nil {
		return &ValidationError{Field: "source", Reason: err.Error()}
	}
	tables := map[string]bool{DefaultTable: true}
	models := map[string]bool{}
	names := map[string]bool{}
	for i, s := range p.Steps {
		label := s.label(i)
		if names[label] {
			return &ValidationError{Step: label, Reason: "duplicate step name"}
		}
		names[label] = true
		if !tables[s.input()] && s.Kind != StepAnova && s.Kind != StepConfint && s.Kind != StepCompare && s.Kind != StepContrasts {
			return &ValidationError{Step: label, Field: "input", Reason: fmt.Sprintf("refers to unknown table %q", s.input())}
		}
		if err := s.check(label, models); err != nil {
			return err
		}
		if s.Output != "" {
			tables[s.Output] = true
		}
		if s.Kind == StepFit {
			models[label] = true
		}
	}
	return nil
}

func need(label, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Step: label, Field: field, Reason: "is required"}
	}
	return nil
}

func needModel(label, field, name string, models map[string]bool) error {
	if err := need(label, field, name); err != nil {
		return err
	}
	if !models[name] {
		return &ValidationError{Step: label, Field: field, Reason: fmt.Sprintf("refers to unknown model %q", name)}
	}
	return nil
}

// check enforces the fields each kind reads.
func (s Step) check(label string, models map[string]bool) error {
	switch s.Kind {
	case StepDerive:
		if err := need(label, "as", s.As); err != nil {
			return err
		}
		switch s.Op {
		case "concat":
			if len(s.Columns) < 2 {
				return &ValidationError{Step: label, Field: "columns", Reason: "needs at least two columns"}
			}
		case "log", "sqrt", "add", "multiply":
			return need(label, "column", s.Column)
		case "difference", "ratio":
			if len(s.Columns) != 2 {
				return &ValidationError{Step: label, Field: "columns", Reason: "needs exactly two columns"}
			}
		default:
			return &ValidationError{Step: label, Field: "op", Reason: fmt.Sprintf("unknown derive op %q", s.Op)}
		}
	case StepStandardize, StepDescribe:
		return need(label, "column", s.Column)
	case StepFilter:
		if err := need(label, "column", s.Column); err != nil {
			return err
		}
		switch s.Op {
		case "eq", "ne", "lt", "le", "gt", "ge", "in", "present":
		default:
			return &ValidationError{Step: label, Field: "op", Reason: fmt.Sprintf("unknown filter op %q", s.Op)}
		}
	case StepAggregate:
		if len(s.GroupBy) == 0 || s.Column == "" {
			return &ValidationError{Step: label, Reason: "aggregate needs group_by and column"}
		}
	case StepReshape:
		if s.Direction == "" || len(s.Keys) == 0 {
			return &ValidationError{Step: label, Reason: "reshape needs direction and keys"}
		}
		if s.Direction == "wide" {
			if s.Pivot == "" || s.Column == "" {
				return &ValidationError{Step: label, Reason: "wide reshape needs pivot and column"}
			}
		} else if len(s.Columns) == 0 || s.Pivot == "" || s.As == "" {
			return &ValidationError{Step: label, Reason: "long reshape needs columns, pivot and as"}
		}
	case StepPlot:
		if err := need(label, "figure", s.Figure); err != nil {
			return err
		}
		if s.Figure == "predictions" {
			if err := needModel(label, "model", s.Model, models); err != nil {
				return err
			}
			return need(label, "x", s.X)
		}
		if s.Figure == "facet" {
			if err := need(label, "facet", s.Facet); err != nil {
				return err
			}
		}
		if err := need(label, "x", s.X); err != nil {
			return err
		}
		return need(label, "y", s.Y)
	case StepFit:
		if err := need(label, "formula", s.Formula); err != nil {
			return err
		}
		if s.Name == "" {
			return &ValidationError{Step: label, Field: "name", Reason: "is required to refer to the model"}
		}
	case StepAnova, StepConfint:
		return needModel(label, "model", s.Model, models)
	case StepCompare:
		if len(s.Models) != 2 {
			return &ValidationError{Step: label, Field: "models", Reason: "needs exactly two models"}
		}
		for _, m := range s.Models {
			if err := needModel(label, "models", m, models); err != nil {
				return err
			}
		}
	case StepContrasts:
		if err := needModel(label, "model", s.Model, models); err != nil {
			return err
		}
		return need(label, "factor", s.Factor)
	}
	return nil
}
