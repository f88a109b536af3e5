// Package tracker records per-line-item progress and keeps the owning
// request's aggregate counters consistent. Each Record call is idempotent:
// a retried worker step that replays an identical result neither
// double-counts aggregates nor duplicates audit events.
package tracker

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/events"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

// Tracker applies item results to the store and audit trail.
type Tracker struct {
	store    store.Store
	recorder *events.Recorder
}

// New creates a Tracker.
func New(st store.Store, recorder *events.Recorder) *Tracker {
	return &Tracker{store: st, recorder: recorder}
}

// RecordMatch moves a pending item to matched or no_match and refreshes the
// request's counters in the same transaction. Divergent replays (same item,
// different result) surface store.ErrConflict.
func (t *Tracker) RecordMatch(ctx context.Context, bomID string, lineNumber int, upd store.MatchUpdate) (*model.EnrichmentRequest, error) {
	req, changed, err := t.store.RecordMatch(ctx, bomID, lineNumber, upd)
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	typ := model.EventItemMatched
	if upd.Status == model.MatchStatusNoMatch {
		typ = model.EventItemNoMatch
	}
	if err := t.recorder.Item(ctx, typ, req, lineNumber, map[string]any{
		"confidence": upd.Confidence,
		"method":     string(upd.Method),
	}); err != nil {
		zap.L().Warn("item event append failed",
			zap.String("bom_id", bomID), zap.Int("line", lineNumber), zap.Error(err))
	}
	return req, nil
}

// RecordEnrichment moves a matched item to enriched with its routed storage
// tier.
func (t *Tracker) RecordEnrichment(ctx context.Context, bomID string, lineNumber int, upd store.EnrichmentUpdate) (*model.EnrichmentRequest, error) {
	req, changed, err := t.store.RecordEnrichment(ctx, bomID, lineNumber, upd)
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	if err := t.recorder.Item(ctx, model.EventItemEnriched, req, lineNumber, map[string]any{
		"confidence":   upd.Confidence,
		"storage_tier": string(upd.Tier),
	}); err != nil {
		zap.L().Warn("item event append failed",
			zap.String("bom_id", bomID), zap.Int("line", lineNumber), zap.Error(err))
	}
	return req, nil
}

// RecordError marks an item failed with its permanent error detail.
func (t *Tracker) RecordError(ctx context.Context, bomID string, lineNumber int, detail string) (*model.EnrichmentRequest, error) {
	req, changed, err := t.store.RecordItemError(ctx, bomID, lineNumber, detail)
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	if err := t.recorder.Item(ctx, model.EventItemError, req, lineNumber, map[string]any{
		"detail": detail,
	}); err != nil {
		zap.L().Warn("item event append failed",
			zap.String("bom_id", bomID), zap.Int("line", lineNumber), zap.Error(err))
	}
	return req, nil
}

// Rollup returns a consistent aggregate over the BOM's items at the instant
// of the call.
func (t *Tracker) Rollup(ctx context.Context, bomID string) (*model.Rollup, error) {
	return t.store.Rollup(ctx, bomID)
}

// OpenItems returns the items still needing work (pending or matched), in
// line order. Crash recovery resumes from exactly this set.
func (t *Tracker) OpenItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error) {
	return t.store.OpenItems(ctx, bomID)
}
