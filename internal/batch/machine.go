// Package batch owns the request-level state machine. Every status change
// goes through the Machine, which pairs the store transition with its audit
// event so external consumers can reconstruct the lifecycle from events
// alone.
package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/events"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

// Config holds terminal-state policy.
type Config struct {
	// FailureToleranceRatio is the fraction of items allowed to end in
	// error while still marking the batch completed. The default 0 means
	// any item error fails the batch.
	FailureToleranceRatio float64
}

// Machine drives request status transitions.
type Machine struct {
	store    store.Store
	recorder *events.Recorder
	cfg      Config
}

// NewMachine creates a Machine.
func NewMachine(st store.Store, recorder *events.Recorder, cfg Config) *Machine {
	return &Machine{store: st, recorder: recorder, cfg: cfg}
}

// Claim atomically moves up to limit queued requests to processing, in
// (priority DESC, queuedAt ASC) order, skipping approval-gated requests.
func (m *Machine) Claim(ctx context.Context, limit int) ([]model.EnrichmentRequest, error) {
	claimed, err := m.store.ClaimQueued(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		req := &claimed[i]
		if err := m.recorder.Request(ctx, model.EventRequestProcessing, req, nil); err != nil {
			zap.L().Warn("processing event append failed",
				zap.String("bom_id", req.BOMID), zap.Error(err))
		}
	}
	return claimed, nil
}

// Finalize inspects the rollup for a processing request and moves it to its
// terminal state: completed when every item is terminal and the error ratio
// is within tolerance, failed when errors exceed tolerance. It returns the
// updated request, or (nil, nil) when the batch is not yet terminal.
func (m *Machine) Finalize(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	rollup, err := m.store.Rollup(ctx, bomID)
	if err != nil {
		return nil, err
	}
	if !rollup.Terminal() {
		return nil, nil
	}

	if rollup.ErrorRatio() > m.cfg.FailureToleranceRatio {
		return m.Fail(ctx, bomID, fmt.Sprintf(
			"%d of %d items failed (tolerance %.0f%%)",
			rollup.Errors, rollup.Total, m.cfg.FailureToleranceRatio*100))
	}

	req, err := m.store.Transition(ctx, bomID,
		[]model.RequestStatus{model.RequestStatusProcessing},
		model.RequestStatusCompleted, "")
	if err != nil {
		return nil, err
	}

	zap.L().Info("batch completed",
		zap.String("bom_id", bomID),
		zap.Int("total", rollup.Total),
		zap.Int("enriched", rollup.Enriched),
		zap.Float64("avg_confidence", rollup.AvgConfidence),
	)
	return req, m.recorder.Request(ctx, model.EventRequestCompleted, req, map[string]any{
		"enrichment_quality_score": rollup.AvgConfidence,
	})
}

// Fail marks a processing request failed with lastError.
func (m *Machine) Fail(ctx context.Context, bomID, lastError string) (*model.EnrichmentRequest, error) {
	req, err := m.store.Transition(ctx, bomID,
		[]model.RequestStatus{model.RequestStatusProcessing},
		model.RequestStatusFailed, lastError)
	if err != nil {
		return nil, err
	}

	zap.L().Warn("batch failed",
		zap.String("bom_id", bomID),
		zap.String("last_error", lastError),
	)
	return req, m.recorder.Request(ctx, model.EventRequestFailed, req, nil)
}

// Cancel moves a queued or processing request to cancelled. A processing
// batch stops at the next item boundary; already-written item results are
// kept.
func (m *Machine) Cancel(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	req, err := m.store.Transition(ctx, bomID,
		[]model.RequestStatus{model.RequestStatusQueued, model.RequestStatusProcessing},
		model.RequestStatusCancelled, "")
	if err != nil {
		return nil, err
	}

	zap.L().Info("batch cancelled", zap.String("bom_id", bomID))
	return req, m.recorder.Request(ctx, model.EventRequestCancelled, req, nil)
}

// Requeue returns a processing request to the queue, incrementing its retry
// count. Used by the recovery sweep for abandoned batches and by workers on
// transient batch-level failures.
func (m *Machine) Requeue(ctx context.Context, bomID, reason string) (*model.EnrichmentRequest, error) {
	req, err := m.store.Transition(ctx, bomID,
		[]model.RequestStatus{model.RequestStatusProcessing},
		model.RequestStatusQueued, reason)
	if err != nil {
		return nil, err
	}

	zap.L().Info("batch requeued",
		zap.String("bom_id", bomID),
		zap.Int("retry_count", req.RetryCount),
		zap.String("reason", reason),
	)
	return req, m.recorder.Request(ctx, model.EventRequestRequeued, req, map[string]any{
		"reason": reason,
	})
}

// Heartbeat refreshes the liveness marker for a processing request.
func (m *Machine) Heartbeat(ctx context.Context, bomID string) error {
	return m.store.Heartbeat(ctx, bomID, time.Now().UTC())
}
