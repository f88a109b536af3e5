package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bomflow/internal/model"
)

// Sentinel errors surfaced to admission-queue callers. These are caller
// mistakes, not retryable conditions.
var (
	ErrNotFound               = eris.New("store: not found")
	ErrDuplicateActiveRequest = eris.New("store: duplicate active request")
	ErrNotPendingApproval     = eris.New("store: request not pending approval")
	ErrAlreadyTerminal        = eris.New("store: request already terminal")

	// ErrConflict indicates a broken invariant (double-claim, divergent
	// replay). It is a bug, not an expected runtime condition; callers must
	// abort rather than reconcile.
	ErrConflict = eris.New("store: conflicting state transition")
)

// RequestFilter specifies criteria for listing enrichment requests.
type RequestFilter struct {
	Status   model.RequestStatus `json:"status,omitempty"`
	TenantID string              `json:"tenant_id,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
	Offset   int                 `json:"offset,omitempty"`
}

// MatchUpdate carries the result of a match call for one line item.
type MatchUpdate struct {
	Status       model.MatchStatus
	Confidence   float64
	Method       model.MatchMethod
	ComponentRef string
}

// EnrichmentUpdate carries the result of an enrichment call for one line item.
type EnrichmentUpdate struct {
	Payload    json.RawMessage
	Confidence float64
	Tier       model.StorageTier
	CacheRef   string
}

// Stats is a point-in-time aggregate over the whole store, used by the
// monitoring collector.
type Stats struct {
	RequestsByStatus map[model.RequestStatus]int `json:"requests_by_status"`
	ItemsByStatus    map[model.MatchStatus]int   `json:"items_by_status"`
	QueueDepth       int                         `json:"queue_depth"`
	AwaitingApproval int                         `json:"awaiting_approval"`
}

// Store defines the persistence contract for the enrichment engine.
//
// Write semantics the backends must honor:
//   - CreateRequest rejects a BOM with an existing non-terminal request.
//   - ClaimQueued atomically flips queued→processing so no two workers claim
//     the same request, honoring (priority DESC, queued_at ASC) order and
//     skipping requests gated on approval.
//   - Record* writes the item and recomputes the owning request's aggregate
//     counters in the same transaction, and is idempotent against replays
//     of identical calls (changed == false).
//   - AppendEvent is idempotent on the event ID.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, req *model.EnrichmentRequest, items []model.LineItemRecord) (*model.EnrichmentRequest, error)
	GetRequest(ctx context.Context, bomID string) (*model.EnrichmentRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnrichmentRequest, error)
	Approve(ctx context.Context, bomID string, at time.Time) (*model.EnrichmentRequest, error)
	ClaimQueued(ctx context.Context, limit int) ([]model.EnrichmentRequest, error)
	Transition(ctx context.Context, bomID string, from []model.RequestStatus, to model.RequestStatus, lastError string) (*model.EnrichmentRequest, error)
	Heartbeat(ctx context.Context, bomID string, at time.Time) error
	StaleProcessing(ctx context.Context, olderThan time.Time) ([]model.EnrichmentRequest, error)

	// Line items
	GetItem(ctx context.Context, bomID string, lineNumber int) (*model.LineItemRecord, error)
	ListItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error)
	OpenItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error)
	RecordMatch(ctx context.Context, bomID string, lineNumber int, upd MatchUpdate) (*model.EnrichmentRequest, bool, error)
	RecordEnrichment(ctx context.Context, bomID string, lineNumber int, upd EnrichmentUpdate) (*model.EnrichmentRequest, bool, error)
	RecordItemError(ctx context.Context, bomID string, lineNumber int, detail string) (*model.EnrichmentRequest, bool, error)
	Rollup(ctx context.Context, bomID string) (*model.Rollup, error)

	// Durable enriched components
	PutComponent(ctx context.Context, rec model.ComponentRecord) error
	GetComponent(ctx context.Context, bomID string, lineNumber int) (*model.ComponentRecord, error)

	// Events
	AppendEvent(ctx context.Context, ev model.EnrichmentEvent) error
	LatestEvent(ctx context.Context, bomID string) (*model.EnrichmentEvent, error)
	ListEvents(ctx context.Context, bomID string) ([]model.EnrichmentEvent, error)

	// Monitoring
	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
