// Package events builds and records the append-only audit trail. Event IDs
// are derived deterministically from the transition they describe, so a
// worker that crashes after writing state but before (or after) appending
// the event can replay the append without producing duplicates.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

// Recorder appends enrichment events to the store.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a Recorder backed by st.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// ID derives the idempotency key for one transition. Request-level
// transitions are keyed by (bom, request, type, retry round) so a
// superseding resubmission never collides with the history of an earlier
// request for the same BOM; item-level transitions additionally carry the
// line number in the discriminator.
func ID(bomID string, typ model.EventType, discriminator string) string {
	sum := sha256.Sum256([]byte(bomID + "|" + string(typ) + "|" + discriminator))
	return hex.EncodeToString(sum[:16])
}

// Request appends a request-level event carrying req's current snapshot.
// Appends are idempotent on the derived ID; a replay is silently absorbed.
func (r *Recorder) Request(ctx context.Context, typ model.EventType, req *model.EnrichmentRequest, payload map[string]any) error {
	ev := model.EnrichmentEvent{
		ID:        ID(req.BOMID, typ, fmt.Sprintf("req:%s:retry:%d", req.ID, req.RetryCount)),
		Type:      typ,
		BOMID:     req.BOMID,
		TenantID:  req.TenantID,
		State:     req.Snapshot(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return err
	}
	zap.L().Debug("event recorded",
		zap.String("bom_id", req.BOMID),
		zap.String("type", string(typ)),
	)
	return nil
}

// Item appends an item-level event for one line. The owning request's
// snapshot rides along so progress consumers never need a second query.
func (r *Recorder) Item(ctx context.Context, typ model.EventType, req *model.EnrichmentRequest, lineNumber int, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["line_number"] = lineNumber

	ev := model.EnrichmentEvent{
		ID:        ID(req.BOMID, typ, fmt.Sprintf("req:%s:line:%d:retry:%d", req.ID, lineNumber, req.RetryCount)),
		Type:      typ,
		BOMID:     req.BOMID,
		TenantID:  req.TenantID,
		State:     req.Snapshot(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return r.store.AppendEvent(ctx, ev)
}

// Latest returns the most recent event for a BOM, which carries the
// best-known request state for external progress consumers.
func (r *Recorder) Latest(ctx context.Context, bomID string) (*model.EnrichmentEvent, error) {
	return r.store.LatestEvent(ctx, bomID)
}

// History returns the full ordered event trail for a BOM.
func (r *Recorder) History(ctx context.Context, bomID string) ([]model.EnrichmentEvent, error) {
	return r.store.ListEvents(ctx, bomID)
}
