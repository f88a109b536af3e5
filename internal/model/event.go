package model

import "time"

// EventType enumerates the observable request and item transitions.
type EventType string

const (
	EventRequestQueued     EventType = "request_queued"
	EventRequestApproved   EventType = "request_approved"
	EventRequestProcessing EventType = "request_processing"
	EventRequestCompleted  EventType = "request_completed"
	EventRequestFailed     EventType = "request_failed"
	EventRequestCancelled  EventType = "request_cancelled"
	EventRequestRequeued   EventType = "request_requeued"
	EventItemMatched       EventType = "item_matched"
	EventItemNoMatch       EventType = "item_no_match"
	EventItemEnriched      EventType = "item_enriched"
	EventItemError         EventType = "item_error"
)

// RequestSnapshot is a point-in-time view of a request's countable fields,
// embedded in every event so the latest event alone describes current state.
type RequestSnapshot struct {
	Status           RequestStatus `json:"status"`
	QualityScore     float64       `json:"quality_score"`
	RequiresApproval bool          `json:"requires_approval"`
	TotalItems       int           `json:"total_items"`
	MatchedItems     int           `json:"matched_items"`
	EnrichedItems    int           `json:"enriched_items"`
	ErrorItems       int           `json:"error_items"`
	MatchRate        float64       `json:"match_rate"`
	AvgConfidence    float64       `json:"avg_confidence"`
	RetryCount       int           `json:"retry_count"`
	LastError        string        `json:"last_error,omitempty"`
}

// EnrichmentEvent is one append-only audit row per observed transition.
// The ID doubles as an idempotency key: replayed appends are no-ops.
type EnrichmentEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	BOMID     string          `json:"bom_id"`
	TenantID  string          `json:"tenant_id"`
	State     RequestSnapshot `json:"state"`
	Payload   map[string]any  `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
