// Package queue implements the durable priority admission queue. One entry
// per BOM; a BOM with a live (queued or processing) request cannot be
// resubmitted until that request reaches a terminal state.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/batch"
	"github.com/sells-group/bomflow/internal/events"
	"github.com/sells-group/bomflow/internal/gate"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

// Submission carries everything needed to admit one BOM.
type Submission struct {
	BOMID             string
	TenantID          string
	Priority          int
	Items             []model.LineItemRecord
	MappingConfidence float64
	Policy            model.ProcessingPolicy
}

// Queue admits, approves, cancels, and dequeues enrichment requests.
type Queue struct {
	store    store.Store
	machine  *batch.Machine
	recorder *events.Recorder
	gateCfg  gate.Config
}

// New creates a Queue.
func New(st store.Store, machine *batch.Machine, recorder *events.Recorder, gateCfg gate.Config) *Queue {
	return &Queue{store: st, machine: machine, recorder: recorder, gateCfg: gateCfg}
}

// Submit scores the batch, creates its request in queued state, and records
// the admission event. Returns store.ErrDuplicateActiveRequest when the BOM
// already has a live request. Priorities outside [1, 10] are clamped; zero
// means "use the default".
func (q *Queue) Submit(ctx context.Context, sub Submission) (*model.EnrichmentRequest, error) {
	verdict := gate.Score(q.gateCfg, gate.Batch{
		Items:             sub.Items,
		MappingConfidence: sub.MappingConfidence,
	})

	req := &model.EnrichmentRequest{
		ID:               uuid.NewString(),
		BOMID:            sub.BOMID,
		TenantID:         sub.TenantID,
		Priority:         clampPriority(sub.Priority),
		QualityScore:     verdict.Score,
		RequiresApproval: verdict.RequiresApproval,
		QueuedAt:         time.Now().UTC(),
		Policy:           sub.Policy,
	}

	created, err := q.store.CreateRequest(ctx, req, sub.Items)
	if err != nil {
		return nil, err
	}

	zap.L().Info("request admitted",
		zap.String("bom_id", created.BOMID),
		zap.String("tenant_id", created.TenantID),
		zap.Int("priority", created.Priority),
		zap.Int("total_items", created.TotalItems),
		zap.Float64("quality_score", created.QualityScore),
		zap.Bool("requires_approval", created.RequiresApproval),
	)

	if err := q.recorder.Request(ctx, model.EventRequestQueued, created, map[string]any{
		"component_scores": verdict.ComponentScores,
	}); err != nil {
		zap.L().Warn("queued event append failed",
			zap.String("bom_id", created.BOMID), zap.Error(err))
	}
	return created, nil
}

// Approve clears the approval gate on a quality-flagged request. The
// request's status is untouched; it simply becomes eligible for Dequeue.
// Returns store.ErrNotPendingApproval when the request was never flagged or
// is already approved.
func (q *Queue) Approve(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	req, err := q.store.Approve(ctx, bomID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	zap.L().Info("request approved", zap.String("bom_id", bomID))
	if err := q.recorder.Request(ctx, model.EventRequestApproved, req, nil); err != nil {
		zap.L().Warn("approved event append failed",
			zap.String("bom_id", bomID), zap.Error(err))
	}
	return req, nil
}

// Cancel moves a live request to cancelled. Returns store.ErrAlreadyTerminal
// when the request already reached a terminal state.
func (q *Queue) Cancel(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	return q.machine.Cancel(ctx, bomID)
}

// Dequeue claims up to workerCapacity requests for processing. Ordering is
// priority DESC then queuedAt ASC; approval-gated requests are never
// returned regardless of priority.
func (q *Queue) Dequeue(ctx context.Context, workerCapacity int) ([]model.EnrichmentRequest, error) {
	return q.machine.Claim(ctx, workerCapacity)
}

// Status returns the current request for a BOM (live one preferred, else the
// most recent terminal one).
func (q *Queue) Status(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	return q.store.GetRequest(ctx, bomID)
}

func clampPriority(p int) int {
	if p == 0 {
		return model.DefaultPriority
	}
	if p < model.MinPriority {
		return model.MinPriority
	}
	if p > model.MaxPriority {
		return model.MaxPriority
	}
	return p
}
