package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestStatusTerminal(t *testing.T) {
	assert.False(t, RequestStatusQueued.Terminal())
	assert.False(t, RequestStatusProcessing.Terminal())
	assert.True(t, RequestStatusCompleted.Terminal())
	assert.True(t, RequestStatusFailed.Terminal())
	assert.True(t, RequestStatusCancelled.Terminal())
}

func TestRollupTerminal(t *testing.T) {
	assert.False(t, Rollup{}.Terminal()) // empty batch never terminates
	assert.False(t, Rollup{Total: 3, Enriched: 2}.Terminal())
	assert.True(t, Rollup{Total: 3, Enriched: 1, NoMatch: 1, Errors: 1}.Terminal())
}

func TestRollupErrorRatio(t *testing.T) {
	assert.Zero(t, Rollup{}.ErrorRatio())
	assert.InDelta(t, 0.25, Rollup{Total: 4, Errors: 1}.ErrorRatio(), 0.001)
}

func TestProcessingPolicyInterItemDelay(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, ProcessingPolicy{InterItemDelayMS: 200}.InterItemDelay())
	assert.Zero(t, ProcessingPolicy{}.InterItemDelay())
}

func TestSnapshotMirrorsRequest(t *testing.T) {
	req := &EnrichmentRequest{
		Status: RequestStatusProcessing, QualityScore: 91.5,
		TotalItems: 4, MatchedItems: 3, EnrichedItems: 2, ErrorItems: 1,
		RetryCount: 1, LastError: "blip",
	}
	snap := req.Snapshot()
	assert.Equal(t, RequestStatusProcessing, snap.Status)
	assert.Equal(t, 4, snap.TotalItems)
	assert.Equal(t, 2, snap.EnrichedItems)
	assert.InDelta(t, 0.75, snap.MatchRate, 0.001)
	assert.Equal(t, "blip", snap.LastError)
}
