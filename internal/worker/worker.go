// Package worker analyzes staged batches asynchronously from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("worker stopped")

// Worker consumes batch.submitted events, analyzes the staged batch,
// stores the run and publishes the outcome.
type Worker struct {
	bus      domain.EventBus
	cache    domain.Cache
	repo     domain.Repository
	analyzer *monitor.Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a new async worker. repo may be nil, in which case runs
// are published but not stored.
func NewWorker(bus domain.EventBus, c domain.Cache, repo domain.Repository, analyzer *monitor.Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		cache:    c,
		repo:     repo,
		analyzer: analyzer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to batch submissions.
func (w *Worker) Start() error {
	if w.ctx.Err() != nil {
		return ErrStopped
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchSubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", domain.TopicBatchSubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("batch worker started",
		"topic", domain.TopicBatchSubmitted,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var event domain.BatchSubmittedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse batch event",
			"message_id", msg.ID,
			"error", err,
		)
		w.failed.Add(1)
		return err
	}

	start := time.Now()
	if err := w.processBatch(ctx, &event); err != nil {
		w.failed.Add(1)
		w.recordFailure(ctx, &event, start, err)
		w.publishCompleted(ctx, domain.RunCompletedEvent{
			RunID:   event.BatchID,
			BatchID: event.BatchID,
			Error:   err.Error(),
		})
		return err
	}

	w.processed.Add(1)
	return nil
}

// processBatch runs one staged batch through the analyzer. The run takes
// the batch ID so clients can poll the run they submitted.
func (w *Worker) processBatch(ctx context.Context, event *domain.BatchSubmittedEvent) error {
	start := time.Now()

	batch, err := cache.LoadBatch(ctx, w.cache, event.BatchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", event.BatchID, err)
	}

	mode := event.Mode
	if mode == "" {
		mode = batch.Mode
	}

	slog.Debug("processing batch",
		"batch_id", batch.ID,
		"trace_id", event.TraceID,
		"mode", mode,
		"transactions", len(batch.Transactions),
	)

	report, err := w.analyzer.Analyze(ctx, batch.Transactions, mode)
	if err != nil {
		return fmt.Errorf("analyze batch %s: %w", batch.ID, err)
	}
	report.Run.ID = batch.ID
	if event.TraceID != "" {
		report.Run.Metadata.TraceID = event.TraceID
	}

	if w.repo != nil {
		if err := report.Save(ctx, w.repo); err != nil {
			return err
		}
	}

	if err := cache.DropBatch(ctx, w.cache, batch.ID); err != nil {
		slog.Warn("failed to drop staged batch",
			"batch_id", batch.ID,
			"error", err,
		)
	}

	w.publishCompleted(ctx, domain.RunCompletedEvent{
		RunID:   report.Run.ID,
		BatchID: batch.ID,
		Summary: report.Run.Summary,
	})

	for _, v := range report.Verdicts {
		if !tadp.ShouldAlert(&v) {
			continue
		}
		payload, _ := json.Marshal(domain.VerdictFlaggedEvent{RunID: report.Run.ID, Verdict: v})
		if err := w.bus.Publish(ctx, domain.TopicVerdictFlagged, payload); err != nil {
			slog.Error("failed to publish flagged verdict",
				"run_id", report.Run.ID,
				"tx_id", v.TxID,
				"error", err,
			)
		}
	}

	slog.Info("batch processed",
		"batch_id", batch.ID,
		"total", report.Run.Summary.Total,
		"flagged", report.Run.Summary.Flagged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// recordFailure releases the staged batch and stores a failed run under the
// batch ID, so pollers see the error instead of a missing run.
func (w *Worker) recordFailure(ctx context.Context, event *domain.BatchSubmittedEvent, start time.Time, cause error) {
	slog.Error("batch failed",
		"batch_id", event.BatchID,
		"trace_id", event.TraceID,
		"error", cause,
	)

	if err := cache.DropBatch(ctx, w.cache, event.BatchID); err != nil {
		slog.Warn("failed to drop staged batch",
			"batch_id", event.BatchID,
			"error", err,
		)
	}

	if w.repo == nil {
		return
	}
	run := &domain.Run{
		ID:          event.BatchID,
		Mode:        event.Mode,
		Status:      domain.RunFailed,
		Error:       cause.Error(),
		StartedAt:   start.UTC(),
		CompletedAt: time.Now().UTC(),
		Config:      w.analyzer.Config(),
		Metadata: domain.RunMetadata{
			TraceID:       event.TraceID,
			EngineVersion: monitor.EngineVersion,
		},
	}
	if err := w.repo.SaveRun(ctx, run); err != nil {
		slog.Error("failed to store failed run",
			"batch_id", event.BatchID,
			"error", err,
		)
	}
}

func (w *Worker) publishCompleted(ctx context.Context, event domain.RunCompletedEvent) {
	payload, _ := json.Marshal(event)
	if err := w.bus.Publish(ctx, domain.TopicRunCompleted, payload); err != nil {
		slog.Error("failed to publish run completion",
			"batch_id", event.BatchID,
			"error", err,
		)
	}
}

// Submit stages a batch in the cache and announces it on the bus.
// It returns the batch ID, which is also the ID of the resulting run.
func Submit(ctx context.Context, c domain.Cache, bus domain.EventBus, txs []*domain.Transaction, mode domain.EvaluationMode, traceID string) (string, error) {
	if mode == "" {
		mode = domain.ModeHybrid
	}
	if !mode.Valid() {
		return "", &domain.ConfigurationError{Field: "evaluation_mode", Value: mode, Reason: "must be rules, model or hybrid"}
	}

	batch := &domain.StagedBatch{
		ID:           uuid.New().String(),
		Mode:         mode,
		Transactions: txs,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := cache.StageBatch(ctx, c, batch, cache.DefaultBatchTTL); err != nil {
		return "", fmt.Errorf("stage batch: %w", err)
	}

	payload, err := json.Marshal(domain.BatchSubmittedEvent{BatchID: batch.ID, Mode: mode, TraceID: traceID})
	if err != nil {
		return "", err
	}
	if err := bus.Publish(ctx, domain.TopicBatchSubmitted, payload); err != nil {
		_ = cache.DropBatch(ctx, c, batch.ID)
		return "", fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}

	return batch.ID, nil
}

// Stop cancels running handlers and unsubscribes.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("batch worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
