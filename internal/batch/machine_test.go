package batch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bomflow/internal/events"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

func newMachine(t *testing.T, cfg Config) (*Machine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return NewMachine(st, events.NewRecorder(st), cfg), st
}

func seedProcessing(t *testing.T, st store.Store, bomID string, items int) {
	t.Helper()
	recs := make([]model.LineItemRecord, items)
	for i := range recs {
		recs[i] = model.LineItemRecord{
			BOMID: bomID, LineNumber: i + 1,
			RawPartNumber: "LM358", Quantity: 1,
		}
	}
	_, err := st.CreateRequest(context.Background(), &model.EnrichmentRequest{
		ID: uuid.NewString(), BOMID: bomID, TenantID: "t1",
		Priority: 5, QueuedAt: time.Now().UTC(),
	}, recs)
	require.NoError(t, err)
	claimed, err := st.ClaimQueued(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func enrichItem(t *testing.T, st store.Store, bomID string, line int) {
	t.Helper()
	ctx := context.Background()
	_, _, err := st.RecordMatch(ctx, bomID, line, store.MatchUpdate{
		Status: model.MatchStatusMatched, Confidence: 90,
		Method: model.MatchMethodExact, ComponentRef: "LM358",
	})
	require.NoError(t, err)
	_, _, err = st.RecordEnrichment(ctx, bomID, line, store.EnrichmentUpdate{
		Payload: json.RawMessage(`{}`), Confidence: 90, Tier: model.StorageTierDurable,
	})
	require.NoError(t, err)
}

func TestFinalizeNotYetTerminal(t *testing.T) {
	m, st := newMachine(t, Config{})
	seedProcessing(t, st, "bom-1", 2)
	enrichItem(t, st, "bom-1", 1)

	req, err := m.Finalize(context.Background(), "bom-1")
	require.NoError(t, err)
	assert.Nil(t, req) // item 2 still pending

	got, err := st.GetRequest(context.Background(), "bom-1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusProcessing, got.Status)
}

func TestFinalizeCompletes(t *testing.T) {
	m, st := newMachine(t, Config{})
	ctx := context.Background()
	seedProcessing(t, st, "bom-1", 2)
	enrichItem(t, st, "bom-1", 1)
	enrichItem(t, st, "bom-1", 2)

	req, err := m.Finalize(ctx, "bom-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, model.RequestStatusCompleted, req.Status)
	assert.NotNil(t, req.CompletedAt)

	latest, err := st.LatestEvent(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventRequestCompleted, latest.Type)
}

func TestFinalizeFailsOverTolerance(t *testing.T) {
	m, st := newMachine(t, Config{FailureToleranceRatio: 0.25})
	ctx := context.Background()
	seedProcessing(t, st, "bom-1", 2)
	enrichItem(t, st, "bom-1", 1)
	_, _, err := st.RecordItemError(ctx, "bom-1", 2, "boom")
	require.NoError(t, err)

	// 1 of 2 failed: 50% > 25% tolerance.
	req, err := m.Finalize(ctx, "bom-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, model.RequestStatusFailed, req.Status)
	assert.Contains(t, req.LastError, "1 of 2 items failed")
}

func TestFinalizeCompletesWithinTolerance(t *testing.T) {
	m, st := newMachine(t, Config{FailureToleranceRatio: 0.5})
	ctx := context.Background()
	seedProcessing(t, st, "bom-1", 2)
	enrichItem(t, st, "bom-1", 1)
	_, _, err := st.RecordItemError(ctx, "bom-1", 2, "boom")
	require.NoError(t, err)

	req, err := m.Finalize(ctx, "bom-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, model.RequestStatusCompleted, req.Status)
}

func TestCancelKeepsItemResults(t *testing.T) {
	m, st := newMachine(t, Config{})
	ctx := context.Background()
	seedProcessing(t, st, "bom-1", 3)
	enrichItem(t, st, "bom-1", 1)

	req, err := m.Cancel(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusCancelled, req.Status)
	assert.Equal(t, 1, req.EnrichedItems)

	item, err := st.GetItem(ctx, "bom-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.MatchStatusEnriched, item.MatchStatus)

	// Cancel is not replayable once terminal.
	_, err = m.Cancel(ctx, "bom-1")
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)
}

func TestRequeueIncrementsRetry(t *testing.T) {
	m, st := newMachine(t, Config{})
	ctx := context.Background()
	seedProcessing(t, st, "bom-1", 1)

	req, err := m.Requeue(ctx, "bom-1", "heartbeat expired")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusQueued, req.Status)
	assert.Equal(t, 1, req.RetryCount)

	// The requeued batch is claimable again.
	claimed, err := m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "bom-1", claimed[0].BOMID)
}

func TestClaimRecordsProcessingEvents(t *testing.T) {
	m, st := newMachine(t, Config{})
	ctx := context.Background()

	_, err := st.CreateRequest(ctx, &model.EnrichmentRequest{
		ID: uuid.NewString(), BOMID: "bom-1", TenantID: "t1",
		Priority: 5, QueuedAt: time.Now().UTC(),
	}, []model.LineItemRecord{{BOMID: "bom-1", LineNumber: 1, RawPartNumber: "X1", Quantity: 1}})
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	latest, err := st.LatestEvent(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventRequestProcessing, latest.Type)
	assert.Equal(t, model.RequestStatusProcessing, latest.State.Status)
}
