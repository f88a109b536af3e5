package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bomflow/internal/batch"
	"github.com/sells-group/bomflow/internal/events"
	"github.com/sells-group/bomflow/internal/gate"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

func newQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	recorder := events.NewRecorder(st)
	machine := batch.NewMachine(st, recorder, batch.Config{})
	return New(st, machine, recorder, gate.DefaultConfig()), st
}

func cleanItems(n int) []model.LineItemRecord {
	items := make([]model.LineItemRecord, n)
	for i := range items {
		items[i] = model.LineItemRecord{
			LineNumber:      i + 1,
			RawPartNumber:   "LM358",
			RawManufacturer: "TI",
			RawDescription:  "dual op-amp",
			Quantity:        1,
		}
	}
	return items
}

func TestSubmitAdmitsCleanBatch(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	req, err := q.Submit(ctx, Submission{
		BOMID: "bom-1", TenantID: "t1", Priority: 7,
		Items: cleanItems(3), MappingConfidence: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, model.RequestStatusQueued, req.Status)
	assert.Equal(t, 7, req.Priority)
	assert.Equal(t, 3, req.TotalItems)
	assert.False(t, req.RequiresApproval)
	assert.InDelta(t, 100, req.QualityScore, 0.001)

	evs, err := q.recorder.History(ctx, "bom-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventRequestQueued, evs[0].Type)
}

func TestSubmitFlagsLowQualityBatch(t *testing.T) {
	q, _ := newQueue(t)

	items := []model.LineItemRecord{
		{LineNumber: 1, RawPartNumber: "TBD"},
		{LineNumber: 2, RawPartNumber: "n/a"},
		{LineNumber: 3, RawPartNumber: "?"},
	}
	req, err := q.Submit(context.Background(), Submission{
		BOMID: "bom-dirty", TenantID: "t1",
		Items: items, MappingConfidence: 0.4,
	})
	require.NoError(t, err)
	assert.True(t, req.RequiresApproval)
	assert.Less(t, req.QualityScore, 80.0)
}

func TestSubmitClampsPriority(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	tests := []struct {
		bomID string
		given int
		want  int
	}{
		{"bom-default", 0, model.DefaultPriority},
		{"bom-low", -3, model.MinPriority},
		{"bom-high", 99, model.MaxPriority},
	}
	for _, tt := range tests {
		req, err := q.Submit(ctx, Submission{
			BOMID: tt.bomID, TenantID: "t1",
			Items: cleanItems(1), MappingConfidence: 1, Priority: tt.given,
		})
		require.NoError(t, err)
		assert.Equal(t, tt.want, req.Priority, "bom %s", tt.bomID)
	}
}

func TestSubmitRejectsDuplicateActive(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	sub := Submission{BOMID: "bom-1", TenantID: "t1", Items: cleanItems(1), MappingConfidence: 1}
	_, err := q.Submit(ctx, sub)
	require.NoError(t, err)

	_, err = q.Submit(ctx, sub)
	require.ErrorIs(t, err, store.ErrDuplicateActiveRequest)

	// After cancellation the BOM is free again.
	_, err = q.Cancel(ctx, "bom-1")
	require.NoError(t, err)
	_, err = q.Submit(ctx, sub)
	require.NoError(t, err)
}

func TestResubmitAfterCancelAppendsFreshEvents(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	sub := Submission{BOMID: "bom-r", TenantID: "t1", Items: cleanItems(1), MappingConfidence: 1}
	_, err := q.Submit(ctx, sub)
	require.NoError(t, err)
	_, err = q.Cancel(ctx, "bom-r")
	require.NoError(t, err)
	_, err = q.Submit(ctx, sub)
	require.NoError(t, err)

	// The superseding request writes its own queued event; it must not be
	// absorbed into the cancelled request's history.
	evs, err := q.recorder.History(ctx, "bom-r")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, model.EventRequestQueued, evs[0].Type)
	assert.Equal(t, model.EventRequestCancelled, evs[1].Type)
	assert.Equal(t, model.EventRequestQueued, evs[2].Type)

	latest, err := q.recorder.Latest(ctx, "bom-r")
	require.NoError(t, err)
	assert.Equal(t, model.EventRequestQueued, latest.Type)
	assert.Equal(t, model.RequestStatusQueued, latest.State.Status)
}

func TestApproveFlow(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, Submission{
		BOMID: "bom-gated", TenantID: "t1",
		Items: []model.LineItemRecord{{LineNumber: 1, RawPartNumber: "TBD"}},
	})
	require.NoError(t, err)

	// Gated requests are invisible to Dequeue.
	claimed, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	req, err := q.Approve(ctx, "bom-gated")
	require.NoError(t, err)
	assert.NotNil(t, req.ApprovedAt)

	claimed, err = q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "bom-gated", claimed[0].BOMID)
	assert.Equal(t, model.RequestStatusProcessing, claimed[0].Status)
}

func TestApproveRejectsUnflaggedRequest(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, Submission{
		BOMID: "bom-clean", TenantID: "t1",
		Items: cleanItems(1), MappingConfidence: 1,
	})
	require.NoError(t, err)

	_, err = q.Approve(ctx, "bom-clean")
	require.ErrorIs(t, err, store.ErrNotPendingApproval)
}

func TestDequeueHonorsPriorityThenFIFO(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	for _, s := range []struct {
		bomID    string
		priority int
	}{
		{"bom-p3", 3}, {"bom-p9", 9}, {"bom-p5", 5},
	} {
		_, err := q.Submit(ctx, Submission{
			BOMID: s.bomID, TenantID: "t1", Priority: s.priority,
			Items: cleanItems(1), MappingConfidence: 1,
		})
		require.NoError(t, err)
	}

	claimed, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "bom-p9", claimed[0].BOMID)
	assert.Equal(t, "bom-p5", claimed[1].BOMID)

	claimed, err = q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "bom-p3", claimed[0].BOMID)
}

func TestStatusUnknownBOM(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Status(context.Background(), "bom-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
