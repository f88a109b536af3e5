package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bomflow/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresHeartbeat(t *testing.T) {
	st, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE enrichment_requests SET heartbeat_at`).
		WithArgs(at, "bom-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, st.Heartbeat(context.Background(), "bom-1", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetComponentNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT bom_id, line_number, payload, confidence, created_at`).
		WithArgs("bom-1", 7).
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetComponent(context.Background(), "bom-1", 7)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetComponent(t *testing.T) {
	st, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT bom_id, line_number, payload, confidence, created_at`).
		WithArgs("bom-1", 1).
		WillReturnRows(pgxmock.NewRows(
			[]string{"bom_id", "line_number", "payload", "confidence", "created_at"},
		).AddRow("bom-1", 1, `{"mpn":"LM358"}`, 95.0, created))

	rec, err := st.GetComponent(context.Background(), "bom-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "bom-1", rec.BOMID)
	assert.InDelta(t, 95, rec.Confidence, 0.001)
	assert.JSONEq(t, `{"mpn":"LM358"}`, string(rec.Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEventIdempotent(t *testing.T) {
	st, mock := newMockStore(t)
	ev := model.EnrichmentEvent{
		ID: "ev-1", Type: model.EventRequestQueued, BOMID: "bom-1", TenantID: "t1",
		State:     model.RequestSnapshot{Status: model.RequestStatusQueued, TotalItems: 2},
		CreatedAt: time.Now().UTC(),
	}

	// Replayed insert hits ON CONFLICT DO NOTHING: zero rows, no error.
	eventArgs := []any{
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
	}
	mock.ExpectExec(`INSERT INTO enrichment_events`).
		WithArgs(eventArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO enrichment_events`).
		WithArgs(eventArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, st.AppendEvent(context.Background(), ev))
	require.NoError(t, st.AppendEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutComponentUpsert(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO enriched_components`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := st.PutComponent(context.Background(), model.ComponentRecord{
		BOMID: "bom-1", LineNumber: 1,
		Payload: []byte(`{"mpn":"LM358"}`), Confidence: 95,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM enrichment_requests`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 2).AddRow("completed", 1))
	mock.ExpectQuery(`SELECT match_status, COUNT\(\*\) FROM line_items`).
		WillReturnRows(pgxmock.NewRows([]string{"match_status", "count"}).
			AddRow("pending", 5).AddRow("enriched", 3))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM enrichment_requests`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RequestsByStatus[model.RequestStatusQueued])
	assert.Equal(t, 3, stats.ItemsByStatus[model.MatchStatusEnriched])
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, 1, stats.AwaitingApproval)
	require.NoError(t, mock.ExpectationsWereMet())
}
