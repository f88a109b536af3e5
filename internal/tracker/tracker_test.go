package tracker

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

func newTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return New(st, events.NewRecorder(st)), st
}

func seedBatch(t *testing.T, st store.Store, bomID string, n int) {
	t.Helper()
	items := make([]model.LineItemRecord, n)
	for i := range items {
		items[i] = model.LineItemRecord{
			BOMID: bomID, LineNumber: i + 1,
			RawPartNumber: "LM358", Quantity: 1,
		}
	}
	_, err := st.CreateRequest(context.Background(), &model.EnrichmentRequest{
		ID: uuid.NewString(), BOMID: bomID, TenantID: "t1",
		Priority: 5, QueuedAt: time.Now().UTC(),
	}, items)
	require.NoError(t, err)
}

func itemEvents(t *testing.T, st store.Store, bomID string, typ model.EventType) []model.EnrichmentEvent {
	t.Helper()
	all, err := st.ListEvents(context.Background(), bomID)
	require.NoError(t, err)
	var out []model.EnrichmentEvent
	for _, ev := range all {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRecordMatchEmitsOneEvent(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	seedBatch(t, st, "bom-1", 2)

	upd := store.MatchUpdate{
		Status: model.MatchStatusMatched, Confidence: 92,
		Method: model.MatchMethodExact, ComponentRef: "LM358",
	}
	req, err := tr.RecordMatch(ctx, "bom-1", 1, upd)
	require.NoError(t, err)
	assert.Equal(t, 1, req.MatchedItems)

	// Replay: counters stable, no duplicate event.
	req, err = tr.RecordMatch(ctx, "bom-1", 1, upd)
	require.NoError(t, err)
	assert.Equal(t, 1, req.MatchedItems)

	assert.Len(t, itemEvents(t, st, "bom-1", model.EventItemMatched), 1)
}

func TestRecordMatchNoMatchEventType(t *testing.T) {
	tr, st := newTracker(t)
	seedBatch(t, st, "bom-1", 1)

	_, err := tr.RecordMatch(context.Background(), "bom-1", 1, store.MatchUpdate{
		Status: model.MatchStatusNoMatch, Method: model.MatchMethodUnmatched,
	})
	require.NoError(t, err)

	assert.Len(t, itemEvents(t, st, "bom-1", model.EventItemNoMatch), 1)
	assert.Empty(t, itemEvents(t, st, "bom-1", model.EventItemMatched))
}

func TestRecordEnrichmentEventCarriesTier(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	seedBatch(t, st, "bom-1", 1)

	_, err := tr.RecordMatch(ctx, "bom-1", 1, store.MatchUpdate{
		Status: model.MatchStatusMatched, Confidence: 88,
		Method: model.MatchMethodFuzzy, ComponentRef: "LM358",
	})
	require.NoError(t, err)

	req, err := tr.RecordEnrichment(ctx, "bom-1", 1, store.EnrichmentUpdate{
		Payload: json.RawMessage(`{"mpn":"LM358"}`), Confidence: 88,
		Tier: model.StorageTierEphemeral, CacheRef: "bomflow:enriched:bom-1:1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, req.EnrichedItems)

	evs := itemEvents(t, st, "bom-1", model.EventItemEnriched)
	require.Len(t, evs, 1)
	assert.Equal(t, "ephemeral", evs[0].Payload["storage_tier"])
	assert.Equal(t, float64(1), evs[0].Payload["line_number"])
}

func TestRecordErrorDivergentReplayConflicts(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	seedBatch(t, st, "bom-1", 1)

	_, err := tr.RecordError(ctx, "bom-1", 1, "supplier timeout")
	require.NoError(t, err)

	// A different terminal result for the same item is a conflict.
	_, err = tr.RecordMatch(ctx, "bom-1", 1, store.MatchUpdate{
		Status: model.MatchStatusMatched, Confidence: 90,
		Method: model.MatchMethodExact, ComponentRef: "LM358",
	})
	require.ErrorIs(t, err, store.ErrConflict)

	assert.Len(t, itemEvents(t, st, "bom-1", model.EventItemError), 1)
}

func TestOpenItemsShrinksAsWorkLands(t *testing.T) {
	tr, st := newTracker(t)
	ctx := context.Background()
	seedBatch(t, st, "bom-1", 3)

	open, err := tr.OpenItems(ctx, "bom-1")
	require.NoError(t, err)
	assert.Len(t, open, 3)

	_, err = tr.RecordMatch(ctx, "bom-1", 1, store.MatchUpdate{
		Status: model.MatchStatusMatched, Confidence: 90,
		Method: model.MatchMethodExact, ComponentRef: "A",
	})
	require.NoError(t, err)

	// Matched is still open: enrichment hasn't landed.
	open, err = tr.OpenItems(ctx, "bom-1")
	require.NoError(t, err)
	assert.Len(t, open, 3)

	_, err = tr.RecordEnrichment(ctx, "bom-1", 1, store.EnrichmentUpdate{
		Payload: json.RawMessage(`{}`), Confidence: 90, Tier: model.StorageTierDurable,
	})
	require.NoError(t, err)
	_, err = tr.RecordMatch(ctx, "bom-1", 2, store.MatchUpdate{
		Status: model.MatchStatusNoMatch, Method: model.MatchMethodUnmatched,
	})
	require.NoError(t, err)

	open, err = tr.OpenItems(ctx, "bom-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 3, open[0].LineNumber)

	rollup, err := tr.Rollup(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rollup.Enriched)
	assert.Equal(t, 1, rollup.NoMatch)
	assert.False(t, rollup.Terminal())
}
