package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"colonystats/internal/blob"
	"colonystats/internal/model"
	"colonystats/internal/report"
	"colonystats/internal/source"
	"colonystats/internal/table"
	"colonystats/internal/telemetry"
)

// DefaultPrefix is the key prefix of runs when the plan sets none.
const DefaultPrefix = "runs"

// Runner executes plans. Every field is optional: Store defaults to the
// plan's output configuration (or the COLONYSTATS_BLOB_* environment), the
// logger discards, and metrics and tracing are off.
type Runner struct {
	Store   blob.Store
	Loader  source.Loader
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracing *telemetry.Tracing
	Getenv  func(string) string
	NewID   func() string
}

// StepResult records one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	Kind     StepKind      `json:"kind"`
	Duration time.Duration `json:"duration_ns"`
	Rows     int           `json:"rows,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Summary describes a run.
type Summary struct {
	RunID     string            `json:"run_id"`
	Plan      string            `json:"plan"`
	Prefix    string            `json:"prefix"`
	Started   time.Time         `json:"started"`
	Finished  time.Time         `json:"finished"`
	Steps     []StepResult      `json:"steps"`
	Artifacts []report.Artifact `json:"artifacts"`
	Warnings  []string          `json:"warnings,omitempty"`
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return telemetry.Discard()
}

func (r *Runner) store(ctx context.Context, out Output) (blob.Store, error) {
	if r.Store != nil {
		return r.Store, nil
	}
	cfg := out.Blob
	if cfg.Driver == "" {
		getenv := r.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		cfg = blob.ConfigFromEnv(getenv)
	}
	return blob.Open(ctx, cfg)
}

// Run validates and executes plan. On a failing step the partial summary is
// returned together with the error; artifacts already published remain.
func (r *Runner) Run(ctx context.Context, plan *Plan) (*Summary, *report.Document, error) {
	if err := plan.Validate(); err != nil {
		return nil, nil, err
	}
	newID := r.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	prefix := plan.Output.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	sum := &Summary{RunID: newID(), Plan: plan.Name, Started: time.Now().UTC()}
	sum.Prefix = path.Join(prefix, sum.RunID)
	log := r.logger().With("run", sum.RunID, "plan", plan.Name)

	st, err := r.store(ctx, plan.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: open artifact store: %w", err)
	}
	tracer := r.Tracing.Tracer("colonystats/pipeline")
	ctx, runSpan := tracer.Start(ctx, "run "+plan.Name)
	runSpan.SetAttributes(attribute.String("run.id", sum.RunID))
	defer runSpan.End()

	loader := r.Loader
	if loader.Store == nil {
		loader.Store = st
	}
	if loader.Logger == nil {
		loader.Logger = log
	}
	if loader.Getenv == nil {
		loader.Getenv = r.Getenv
	}
	data, err := loader.Load(ctx, plan.Source)
	if err != nil {
		runSpan.RecordError(err)
		runSpan.SetStatus(codes.Error, "load")
		return nil, nil, fmt.Errorf("pipeline: %w", err)
	}

	doc := report.New(plan.Name, sum.RunID)
	s := &state{
		tables:  map[string]*table.Table{DefaultTable: data},
		models:  map[string]*model.Fitted{},
		doc:     doc,
		pub:     report.Publisher{Store: st, Prefix: sum.Prefix},
		logger:  log,
		metrics: r.Metrics,
	}
	log.Info("run started", "source", plan.Source.Describe(), "rows", data.Len(), "steps", len(plan.Steps))

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return r.finish(sum, s), doc, fmt.Errorf("pipeline: cancelled before step %s: %w", step.label(i), err)
		}
		label := step.label(i)
		sctx, span := tracer.Start(ctx, "step "+label)
		span.SetAttributes(attribute.String("step.kind", string(step.Kind)))
		start := time.Now()
		out, err := s.exec(sctx, step, label)
		elapsed := time.Since(start)
		r.Metrics.ObserveStep(string(step.Kind), err == nil, elapsed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			log.Error("step failed", "step", label, "kind", step.Kind, "duration", elapsed, "error", err)
			return r.finish(sum, s), doc, fmt.Errorf("pipeline: step %s: %w", label, err)
		}
		span.SetAttributes(attribute.Int("step.rows", out.rows))
		span.End()
		sum.Steps = append(sum.Steps, StepResult{Name: label, Kind: step.Kind, Duration: elapsed, Rows: out.rows, Warnings: out.warnings})
		log.Info("step done", "step", label, "kind", step.Kind, "duration", elapsed, "rows", out.rows)
		for _, w := range out.warnings {
			log.Warn("step warning", "step", label, "warning", w)
		}
	}

	formats, err := reportFormats(plan.Output.Formats)
	if err != nil {
		return r.finish(sum, s), doc, err
	}
	arts, err := s.pub.PublishDocument(ctx, doc, formats...)
	s.artifacts = append(s.artifacts, arts...)
	if err != nil {
		return r.finish(sum, s), doc, fmt.Errorf("pipeline: %w", err)
	}
	r.finish(sum, s)
	payload, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return sum, doc, fmt.Errorf("pipeline: encode summary: %w", err)
	}
	a, err := s.pub.Put(ctx, "summary.json", payload, "application/json", nil)
	if err != nil {
		return sum, doc, fmt.Errorf("pipeline: %w", err)
	}
	sum.Artifacts = append(sum.Artifacts, a)
	log.Info("run finished", "duration", sum.Finished.Sub(sum.Started), "artifacts", len(sum.Artifacts), "warnings", len(sum.Warnings))
	return sum, doc, nil
}

func (r *Runner) finish(sum *Summary, s *state) *Summary {
	sum.Finished = time.Now().UTC()
	sum.Artifacts = append([]report.Artifact(nil), s.artifacts...)
	sum.Warnings = nil
	for _, st := range sum.Steps {
		for _, w := range st.Warnings {
			sum.Warnings = append(sum.Warnings, st.Name+": "+w)
		}
	}
	return sum
}

func reportFormats(names []string) ([]report.Format, error) {
	out := make([]report.Format, 0, len(names))
	for _, n := range names {
		f, err := report.ParseFormat(n)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}
