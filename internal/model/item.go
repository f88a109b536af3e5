package model

import (
	"encoding/json"
	"time"
)

// MatchStatus represents the per-item enrichment progress.
type MatchStatus string

const (
	MatchStatusPending  MatchStatus = "pending"
	MatchStatusMatched  MatchStatus = "matched"
	MatchStatusNoMatch  MatchStatus = "no_match"
	MatchStatusEnriched MatchStatus = "enriched"
	MatchStatusError    MatchStatus = "error"
)

// Terminal reports whether the item needs no further processing.
func (s MatchStatus) Terminal() bool {
	switch s {
	case MatchStatusNoMatch, MatchStatusEnriched, MatchStatusError:
		return true
	}
	return false
}

// MatchMethod describes how a line item was matched to a component.
type MatchMethod string

const (
	MatchMethodExact     MatchMethod = "exact"
	MatchMethodFuzzy     MatchMethod = "fuzzy"
	MatchMethodManual    MatchMethod = "manual"
	MatchMethodUnmatched MatchMethod = "unmatched"
)

// StorageTier indicates where an enriched payload was written.
type StorageTier string

const (
	StorageTierDurable   StorageTier = "durable"
	StorageTierEphemeral StorageTier = "ephemeral"
)

// LineItemRecord is one part row within a BOM. Raw fields are captured at
// upload and never mutated; enrichment fields are overwritten per attempt.
type LineItemRecord struct {
	BOMID           string          `json:"bom_id"`
	LineNumber      int             `json:"line_number"`
	RawManufacturer string          `json:"raw_manufacturer"`
	RawPartNumber   string          `json:"raw_part_number"`
	RawDescription  string          `json:"raw_description"`
	Quantity        int             `json:"quantity"`
	References      string          `json:"references,omitempty"`
	MatchStatus     MatchStatus     `json:"match_status"`
	MatchConfidence float64         `json:"match_confidence"`
	MatchMethod     MatchMethod     `json:"match_method,omitempty"`
	ComponentRef    string          `json:"component_ref,omitempty"`
	EnrichedPayload json.RawMessage `json:"enriched_payload,omitempty"`
	StorageTier     StorageTier     `json:"storage_tier,omitempty"`
	CacheRef        string          `json:"cache_ref,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ComponentRecord is a durably stored enrichment result, keyed by the owning
// BOM line. Only results at or above the durability threshold land here.
type ComponentRecord struct {
	BOMID      string          `json:"bom_id"`
	LineNumber int             `json:"line_number"`
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
}
