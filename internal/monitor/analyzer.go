// Package monitor runs the analysis pipeline over a batch: feature
// derivation, rule evaluation, outlier scoring and verdict aggregation.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// EngineVersion is reported in run metadata.
const EngineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-monitor")

// Analyzer runs batches through the detection pipeline.
// It holds compiled rules only; no batch state survives a call to Analyze.
type Analyzer struct {
	cfg    domain.DetectionConfig
	engine *rules.Engine
	scorer *outlier.Scorer
}

// Report is the outcome of one run. Verdicts are aligned with Transactions.
type Report struct {
	Run          domain.Run            `json:"run"`
	Verdicts     []domain.Verdict      `json:"verdicts"`
	Transactions []*domain.Transaction `json:"-"`
}

// NewAnalyzer validates the detection settings and builds an analyzer with
// the built-in rule set loaded.
func NewAnalyzer(cfg domain.DetectionConfig) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	engine, err := rules.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("create rule engine: %w", err)
	}
	if err := engine.LoadRules(rules.BuiltinRules()); err != nil {
		return nil, fmt.Errorf("load builtin rules: %w", err)
	}

	slog.Debug("analyzer ready",
		"rules_loaded", engine.RulesCount(),
		"dormant_threshold_days", cfg.DormantThresholdDays,
		"high_value_threshold", cfg.HighValueThreshold,
		"contamination_rate", cfg.ContaminationRate,
	)

	return &Analyzer{
		cfg:    cfg,
		engine: engine,
		scorer: outlier.NewScorer(cfg),
	}, nil
}

// Engine returns the rule engine so callers can inspect or replace rules.
func (a *Analyzer) Engine() *rules.Engine {
	return a.engine
}

// Config returns the detection settings of the analyzer.
func (a *Analyzer) Config() domain.DetectionConfig {
	return a.cfg
}

// Analyze validates the batch and runs the paths selected by mode.
// Any invalid record fails the whole batch before detection starts.
func (a *Analyzer) Analyze(ctx context.Context, txs []*domain.Transaction, mode domain.EvaluationMode) (*Report, error) {
	start := time.Now()

	if mode == "" {
		mode = domain.ModeHybrid
	}
	if !mode.Valid() {
		return nil, &domain.ConfigurationError{Field: "evaluation_mode", Value: mode, Reason: "must be rules, model or hybrid"}
	}

	runID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "analyze",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.mode", string(mode)),
			attribute.Int("batch.size", len(txs)),
		),
	)
	defer span.End()

	traceID := span.SpanContext().TraceID().String()
	if !span.SpanContext().TraceID().IsValid() {
		traceID = runID
	}

	batch, err := domain.PrepareBatch(txs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	run := domain.Run{
		ID:        runID,
		Mode:      mode,
		Status:    domain.RunCompleted,
		StartedAt: start.UTC(),
		Config:    a.cfg,
		Metadata: domain.RunMetadata{
			TraceID:       traceID,
			EngineVersion: EngineVersion,
		},
	}

	input := &tadp.DecisionInput{Txs: batch}

	if mode.UsesRules() {
		alerts, err := a.rulePath(ctx, batch, &run.Metadata)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		input.Alerts = alerts
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if mode.UsesModel() {
		res, err := a.modelPath(ctx, batch, &run.Metadata)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		input.ModelFlags = res.Flags
		input.ModelScores = res.Scores
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decisionStart := time.Now()
	_, aggSpan := tracer.Start(ctx, "aggregate")
	verdicts, err := tadp.NewProcessorForMode(mode).Process(ctx, input)
	aggSpan.End()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("aggregate verdicts: %w", err)
	}
	run.Summary = tadp.Summarize(verdicts)
	run.Metadata.DecisionMs = time.Since(decisionStart).Milliseconds()

	run.CompletedAt = time.Now().UTC()
	run.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("run.flagged", run.Summary.Flagged),
		attribute.Int("run.rule_flagged", run.Summary.RuleFlagged),
		attribute.Int("run.model_flagged", run.Summary.ModelFlagged),
	)

	slog.Info("batch analyzed",
		"run_id", runID,
		"mode", mode,
		"total", run.Summary.Total,
		"flagged", run.Summary.Flagged,
		"rule_flagged", run.Summary.RuleFlagged,
		"model_flagged", run.Summary.ModelFlagged,
		"duration_ms", run.Metadata.TotalMs,
	)

	return &Report{
		Run:          run,
		Verdicts:     verdicts,
		Transactions: batch,
	}, nil
}

func (a *Analyzer) rulePath(ctx context.Context, batch []*domain.Transaction, meta *domain.RunMetadata) ([][]domain.Alert, error) {
	deriveStart := time.Now()
	_, deriveSpan := tracer.Start(ctx, "derive")
	feats := features.Derive(batch)
	deriveSpan.End()
	meta.DeriveMs = time.Since(deriveStart).Milliseconds()

	rulesStart := time.Now()
	rulesCtx, rulesSpan := tracer.Start(ctx, "rules",
		trace.WithAttributes(attribute.Int("rules.loaded", a.engine.RulesCount())),
	)
	defer rulesSpan.End()

	alerts, err := a.engine.EvaluateBatch(rulesCtx, batch, feats)
	if err != nil {
		rulesSpan.RecordError(err)
		return nil, fmt.Errorf("evaluate rules: %w", err)
	}
	meta.RulesMs = time.Since(rulesStart).Milliseconds()
	meta.RulesLoaded = a.engine.RulesCount()

	return alerts, nil
}

func (a *Analyzer) modelPath(ctx context.Context, batch []*domain.Transaction, meta *domain.RunMetadata) (*outlier.Result, error) {
	modelStart := time.Now()
	modelCtx, span := tracer.Start(ctx, "outlier")
	defer span.End()

	res, err := a.scorer.Score(modelCtx, batch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	meta.ModelMs = time.Since(modelStart).Milliseconds()
	meta.ModelColumns = res.Columns
	meta.ModelCutoff = res.Threshold

	return res, nil
}

// Flagged returns the verdicts of the report that are anomalous.
func (r *Report) Flagged() []domain.Verdict {
	var out []domain.Verdict
	for _, v := range r.Verdicts {
		if v.IsAnomalous {
			out = append(out, v)
		}
	}
	return out
}
