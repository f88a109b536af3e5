package model

import "time"

// RequestStatus represents the lifecycle state of an enrichment request.
type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether no further automatic transition can occur.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

// Priority bounds for enrichment requests. Submissions outside the range are
// clamped; zero means "use the default".
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ProcessingPolicy is supplied by the upload source at submission time and
// bounds how aggressively a single batch may drive external collaborators.
type ProcessingPolicy struct {
	BatchSize        int `json:"batch_size" yaml:"batch_size"`
	Concurrency      int `json:"concurrency" yaml:"concurrency"`
	InterItemDelayMS int `json:"inter_item_delay_ms" yaml:"inter_item_delay_ms"`
}

// InterItemDelay returns the configured delay as a duration.
func (p ProcessingPolicy) InterItemDelay() time.Duration {
	return time.Duration(p.InterItemDelayMS) * time.Millisecond
}

// EnrichmentRequest is the batch-level record: one per BOM submitted for
// enrichment. At most one non-terminal request exists per BOM at a time.
type EnrichmentRequest struct {
	ID               string           `json:"id"`
	BOMID            string           `json:"bom_id"`
	TenantID         string           `json:"tenant_id"`
	Priority         int              `json:"priority"`
	Status           RequestStatus    `json:"status"`
	QualityScore     float64          `json:"quality_score"`
	RequiresApproval bool             `json:"requires_approval"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	QueuedAt         time.Time        `json:"queued_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	FailedAt         *time.Time       `json:"failed_at,omitempty"`
	HeartbeatAt      *time.Time       `json:"heartbeat_at,omitempty"`
	TotalItems       int              `json:"total_items"`
	MatchedItems     int              `json:"matched_items"`
	EnrichedItems    int              `json:"enriched_items"`
	ErrorItems       int              `json:"error_items"`
	AvgConfidence    float64          `json:"avg_confidence"`
	Policy           ProcessingPolicy `json:"policy"`
	WorkflowRef      string           `json:"workflow_ref,omitempty"`
	RetryCount       int              `json:"retry_count"`
	LastError        string           `json:"last_error,omitempty"`
}

// MatchRate returns the fraction of items that found a match.
func (r *EnrichmentRequest) MatchRate() float64 {
	if r.TotalItems == 0 {
		return 0
	}
	return float64(r.MatchedItems) / float64(r.TotalItems)
}

// Snapshot captures the request's countable fields for embedding in an
// enrichment event. The latest event's snapshot answers "what is the current
// progress" without replaying history.
func (r *EnrichmentRequest) Snapshot() RequestSnapshot {
	return RequestSnapshot{
		Status:           r.Status,
		QualityScore:     r.QualityScore,
		RequiresApproval: r.RequiresApproval,
		TotalItems:       r.TotalItems,
		MatchedItems:     r.MatchedItems,
		EnrichedItems:    r.EnrichedItems,
		ErrorItems:       r.ErrorItems,
		MatchRate:        r.MatchRate(),
		AvgConfidence:    r.AvgConfidence,
		RetryCount:       r.RetryCount,
		LastError:        r.LastError,
	}
}

// Rollup is a consistent aggregate over a BOM's line items.
type Rollup struct {
	Total         int     `json:"total"`
	Matched       int     `json:"matched"`
	Enriched      int     `json:"enriched"`
	NoMatch       int     `json:"no_match"`
	Errors        int     `json:"errors"`
	MatchRate     float64 `json:"match_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Terminal reports whether every item has reached a terminal state.
func (r Rollup) Terminal() bool {
	return r.Total > 0 && r.Enriched+r.NoMatch+r.Errors == r.Total
}

// ErrorRatio returns the fraction of items in error state.
func (r Rollup) ErrorRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Errors) / float64(r.Total)
}
