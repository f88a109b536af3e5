package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bomflow/internal/model"
)

// Pool abstracts the pgxpool methods the store needs, so tests can swap in
// pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS enrichment_requests (
	id                TEXT PRIMARY KEY,
	bom_id            TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 5,
	status            TEXT NOT NULL DEFAULT 'queued',
	quality_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
	approved_at       TIMESTAMPTZ,
	queued_at         TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	failed_at         TIMESTAMPTZ,
	heartbeat_at      TIMESTAMPTZ,
	total_items       INTEGER NOT NULL DEFAULT 0,
	matched_items     INTEGER NOT NULL DEFAULT 0,
	enriched_items    INTEGER NOT NULL DEFAULT 0,
	error_items       INTEGER NOT NULL DEFAULT 0,
	avg_confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	policy            JSONB NOT NULL DEFAULT '{}',
	workflow_ref      TEXT NOT NULL DEFAULT '',
	retry_count       INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_active_bom
	ON enrichment_requests(bom_id) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS idx_requests_status ON enrichment_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_dequeue
	ON enrichment_requests(status, priority DESC, queued_at ASC);

CREATE TABLE IF NOT EXISTS line_items (
	bom_id           TEXT NOT NULL,
	line_number      INTEGER NOT NULL,
	raw_manufacturer TEXT NOT NULL DEFAULT '',
	raw_part_number  TEXT NOT NULL DEFAULT '',
	raw_description  TEXT NOT NULL DEFAULT '',
	quantity         INTEGER NOT NULL DEFAULT 1,
	refs             TEXT NOT NULL DEFAULT '',
	match_status     TEXT NOT NULL DEFAULT 'pending',
	match_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	match_method     TEXT NOT NULL DEFAULT '',
	component_ref    TEXT NOT NULL DEFAULT '',
	enriched_payload JSONB,
	storage_tier     TEXT NOT NULL DEFAULT '',
	cache_ref        TEXT NOT NULL DEFAULT '',
	error_detail     TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bom_id, line_number)
);

CREATE INDEX IF NOT EXISTS idx_line_items_status ON line_items(bom_id, match_status);

CREATE TABLE IF NOT EXISTS enriched_components (
	bom_id      TEXT NOT NULL,
	line_number INTEGER NOT NULL,
	payload     JSONB NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bom_id, line_number)
);

CREATE TABLE IF NOT EXISTS enrichment_events (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	bom_id     TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	state      JSONB NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_bom ON enrichment_events(bom_id, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.EnrichmentRequest, items []model.LineItemRecord) (*model.EnrichmentRequest, error) {
	now := time.Now().UTC()
	created := *req
	if created.QueuedAt.IsZero() {
		created.QueuedAt = now
	}
	created.Status = model.RequestStatusQueued

	policyJSON, err := json.Marshal(created.Policy)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal policy")
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var existing int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM enrichment_requests WHERE bom_id = $1 AND status IN ('queued', 'processing')`,
			created.BOMID,
		).Scan(&existing)
		if err != nil {
			return eris.Wrap(err, "postgres: check active request")
		}
		if existing > 0 {
			return ErrDuplicateActiveRequest
		}

		for _, it := range items {
			_, err := tx.Exec(ctx, `
				INSERT INTO line_items (bom_id, line_number, raw_manufacturer, raw_part_number,
					raw_description, quantity, refs, match_status, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
				ON CONFLICT (bom_id, line_number) DO UPDATE SET
					match_status = 'pending', match_confidence = 0, match_method = '',
					component_ref = '', enriched_payload = NULL, storage_tier = '',
					cache_ref = '', error_detail = '', updated_at = excluded.updated_at`,
				created.BOMID, it.LineNumber, it.RawManufacturer, it.RawPartNumber,
				it.RawDescription, it.Quantity, it.References, now,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: upsert item %s/%d", created.BOMID, it.LineNumber)
			}
		}

		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM line_items WHERE bom_id = $1`, created.BOMID,
		).Scan(&created.TotalItems); err != nil {
			return eris.Wrap(err, "postgres: count items")
		}
		created.MatchedItems = 0
		created.EnrichedItems = 0
		created.ErrorItems = 0
		created.AvgConfidence = 0

		_, err = tx.Exec(ctx, `
			INSERT INTO enrichment_requests (id, bom_id, tenant_id, priority, status,
				quality_score, requires_approval, queued_at, total_items, policy, workflow_ref)
			VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, $8, $9, $10)`,
			created.ID, created.BOMID, created.TenantID, created.Priority,
			created.QualityScore, created.RequiresApproval, created.QueuedAt,
			created.TotalItems, string(policyJSON), created.WorkflowRef,
		)
		return eris.Wrap(err, "postgres: insert request")
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests WHERE bom_id = $1
		ORDER BY (status IN ('queued', 'processing')) DESC, queued_at DESC LIMIT 1`,
		bomID,
	)
	return scanPgRequest(row)
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnrichmentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM enrichment_requests WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ` + arg(filter.TenantID)
	}
	query += ` ORDER BY queued_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()

	var reqs []model.EnrichmentRequest
	for rows.Next() {
		r, err := scanPgRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, eris.Wrap(rows.Err(), "postgres: list requests iterate")
}

func (s *PostgresStore) Approve(ctx context.Context, bomID string, at time.Time) (*model.EnrichmentRequest, error) {
	var approved *model.EnrichmentRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		req, err := activePgRequestTx(ctx, tx, bomID)
		if err != nil {
			return err
		}
		if !req.RequiresApproval || req.ApprovedAt != nil {
			return ErrNotPendingApproval
		}

		at = at.UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE enrichment_requests SET approved_at = $1 WHERE id = $2`,
			at, req.ID,
		); err != nil {
			return eris.Wrapf(err, "postgres: approve %s", bomID)
		}
		req.ApprovedAt = &at
		approved = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *PostgresStore) ClaimQueued(ctx context.Context, limit int) ([]model.EnrichmentRequest, error) {
	if limit <= 0 {
		return nil, nil
	}

	// SKIP LOCKED keeps concurrent claimers from blocking on (or
	// double-claiming) the same rows.
	rows, err := s.pool.Query(ctx, `
		UPDATE enrichment_requests
		SET status = 'processing', started_at = now(), heartbeat_at = now()
		WHERE id IN (
			SELECT id FROM enrichment_requests
			WHERE status = 'queued' AND (requires_approval = FALSE OR approved_at IS NOT NULL)
			ORDER BY priority DESC, queued_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+requestColumns,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim queued")
	}
	defer rows.Close()

	var claimed []model.EnrichmentRequest
	for rows.Next() {
		r, err := scanPgRequest(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *r)
	}
	return claimed, eris.Wrap(rows.Err(), "postgres: claim iterate")
}

func (s *PostgresStore) Transition(ctx context.Context, bomID string, from []model.RequestStatus, to model.RequestStatus, lastError string) (*model.EnrichmentRequest, error) {
	var updated *model.EnrichmentRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		req, err := activePgRequestTx(ctx, tx, bomID)
		if err != nil {
			return err
		}

		allowed := false
		for _, f := range from {
			if req.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return eris.Wrapf(ErrConflict, "transition %s: %s -> %s", bomID, req.Status, to)
		}

		now := time.Now().UTC()
		query := `UPDATE enrichment_requests SET status = $1`
		args := []any{string(to)}
		arg := func(v any) string {
			args = append(args, v)
			return "$" + strconv.Itoa(len(args))
		}

		switch to {
		case model.RequestStatusProcessing:
			query += `, started_at = ` + arg(now) + `, heartbeat_at = ` + arg(now)
			req.StartedAt = &now
			req.HeartbeatAt = &now
		case model.RequestStatusCompleted:
			query += `, completed_at = ` + arg(now)
			req.CompletedAt = &now
		case model.RequestStatusFailed:
			query += `, failed_at = ` + arg(now) + `, last_error = ` + arg(lastError)
			req.FailedAt = &now
			req.LastError = lastError
		case model.RequestStatusQueued:
			query += `, started_at = NULL, heartbeat_at = NULL, retry_count = retry_count + 1, last_error = ` + arg(lastError)
			req.StartedAt = nil
			req.HeartbeatAt = nil
			req.RetryCount++
			req.LastError = lastError
		}

		query += ` WHERE id = ` + arg(req.ID) + ` AND status = ` + arg(string(req.Status))

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return eris.Wrapf(err, "postgres: transition %s to %s", bomID, to)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrConflict, "transition %s: request changed underfoot", bomID)
		}
		req.Status = to
		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, bomID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE enrichment_requests SET heartbeat_at = $1 WHERE bom_id = $2 AND status = 'processing'`,
		at.UTC(), bomID,
	)
	return eris.Wrapf(err, "postgres: heartbeat %s", bomID)
}

func (s *PostgresStore) StaleProcessing(ctx context.Context, olderThan time.Time) ([]model.EnrichmentRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE status = 'processing' AND (heartbeat_at IS NULL OR heartbeat_at < $1)`,
		olderThan.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stale processing")
	}
	defer rows.Close()

	var reqs []model.EnrichmentRequest
	for rows.Next() {
		r, err := scanPgRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, eris.Wrap(rows.Err(), "postgres: stale processing iterate")
}

func (s *PostgresStore) GetItem(ctx context.Context, bomID string, lineNumber int) (*model.LineItemRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM line_items WHERE bom_id = $1 AND line_number = $2`,
		bomID, lineNumber,
	)
	return scanPgItem(row)
}

func (s *PostgresStore) ListItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM line_items WHERE bom_id = $1 ORDER BY line_number`,
		bomID)
}

func (s *PostgresStore) OpenItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error) {
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM line_items
		WHERE bom_id = $1 AND match_status IN ('pending', 'matched')
		ORDER BY line_number`,
		bomID)
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]model.LineItemRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query items")
	}
	defer rows.Close()

	var items []model.LineItemRecord
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}

func (s *PostgresStore) RecordMatch(ctx context.Context, bomID string, lineNumber int, upd MatchUpdate) (*model.EnrichmentRequest, bool, error) {
	if upd.Status != model.MatchStatusMatched && upd.Status != model.MatchStatusNoMatch {
		return nil, false, eris.Errorf("postgres: invalid match status %q", upd.Status)
	}

	var req *model.EnrichmentRequest
	var changed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		item, err := scanPgItem(tx.QueryRow(ctx,
			`SELECT `+itemColumns+` FROM line_items WHERE bom_id = $1 AND line_number = $2 FOR UPDATE`,
			bomID, lineNumber,
		))
		if err != nil {
			return err
		}

		switch {
		case item.MatchStatus == model.MatchStatusPending:
			_, err := tx.Exec(ctx, `
				UPDATE line_items
				SET match_status = $1, match_confidence = $2, match_method = $3, component_ref = $4, updated_at = $5
				WHERE bom_id = $6 AND line_number = $7`,
				string(upd.Status), upd.Confidence, string(upd.Method), upd.ComponentRef,
				time.Now().UTC(), bomID, lineNumber,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: record match %s/%d", bomID, lineNumber)
			}
			changed = true
		case matchReplayed(item, upd):
			changed = false
		default:
			return eris.Wrapf(ErrConflict, "record match %s/%d: item is %s", bomID, lineNumber, item.MatchStatus)
		}

		req, err = refreshPgCountersTx(ctx, tx, bomID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

func (s *PostgresStore) RecordEnrichment(ctx context.Context, bomID string, lineNumber int, upd EnrichmentUpdate) (*model.EnrichmentRequest, bool, error) {
	var req *model.EnrichmentRequest
	var changed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		item, err := scanPgItem(tx.QueryRow(ctx,
			`SELECT `+itemColumns+` FROM line_items WHERE bom_id = $1 AND line_number = $2 FOR UPDATE`,
			bomID, lineNumber,
		))
		if err != nil {
			return err
		}

		switch {
		case item.MatchStatus == model.MatchStatusMatched:
			_, err := tx.Exec(ctx, `
				UPDATE line_items
				SET match_status = 'enriched', match_confidence = $1, enriched_payload = $2,
					storage_tier = $3, cache_ref = $4, updated_at = $5
				WHERE bom_id = $6 AND line_number = $7`,
				upd.Confidence, string(upd.Payload), string(upd.Tier), upd.CacheRef,
				time.Now().UTC(), bomID, lineNumber,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: record enrichment %s/%d", bomID, lineNumber)
			}
			changed = true
		case item.MatchStatus == model.MatchStatusEnriched &&
			item.MatchConfidence == upd.Confidence && item.StorageTier == upd.Tier:
			changed = false
		default:
			return eris.Wrapf(ErrConflict, "record enrichment %s/%d: item is %s", bomID, lineNumber, item.MatchStatus)
		}

		req, err = refreshPgCountersTx(ctx, tx, bomID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

func (s *PostgresStore) RecordItemError(ctx context.Context, bomID string, lineNumber int, detail string) (*model.EnrichmentRequest, bool, error) {
	var req *model.EnrichmentRequest
	var changed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		item, err := scanPgItem(tx.QueryRow(ctx,
			`SELECT `+itemColumns+` FROM line_items WHERE bom_id = $1 AND line_number = $2 FOR UPDATE`,
			bomID, lineNumber,
		))
		if err != nil {
			return err
		}

		switch {
		case item.MatchStatus == model.MatchStatusPending || item.MatchStatus == model.MatchStatusMatched:
			_, err := tx.Exec(ctx, `
				UPDATE line_items SET match_status = 'error', error_detail = $1, updated_at = $2
				WHERE bom_id = $3 AND line_number = $4`,
				detail, time.Now().UTC(), bomID, lineNumber,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: record item error %s/%d", bomID, lineNumber)
			}
			changed = true
		case item.MatchStatus == model.MatchStatusError && item.ErrorDetail == detail:
			changed = false
		default:
			return eris.Wrapf(ErrConflict, "record item error %s/%d: item is %s", bomID, lineNumber, item.MatchStatus)
		}

		req, err = refreshPgCountersTx(ctx, tx, bomID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

func refreshPgCountersTx(ctx context.Context, tx pgx.Tx, bomID string) (*model.EnrichmentRequest, error) {
	_, err := tx.Exec(ctx, `
		UPDATE enrichment_requests SET
			matched_items = (SELECT COUNT(*) FROM line_items
				WHERE bom_id = $1 AND match_status IN ('matched', 'enriched')),
			enriched_items = (SELECT COUNT(*) FROM line_items
				WHERE bom_id = $1 AND match_status = 'enriched'),
			error_items = (SELECT COUNT(*) FROM line_items
				WHERE bom_id = $1 AND match_status = 'error'),
			avg_confidence = COALESCE((SELECT AVG(match_confidence) FROM line_items
				WHERE bom_id = $1 AND match_status IN ('matched', 'enriched')), 0)
		WHERE bom_id = $1 AND status IN ('queued', 'processing')`,
		bomID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: refresh counters %s", bomID)
	}
	return activePgRequestTx(ctx, tx, bomID)
}

func (s *PostgresStore) Rollup(ctx context.Context, bomID string) (*model.Rollup, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE match_status IN ('matched', 'enriched')),
			COUNT(*) FILTER (WHERE match_status = 'enriched'),
			COUNT(*) FILTER (WHERE match_status = 'no_match'),
			COUNT(*) FILTER (WHERE match_status = 'error'),
			COALESCE(AVG(match_confidence) FILTER (WHERE match_status IN ('matched', 'enriched')), 0)
		FROM line_items WHERE bom_id = $1`,
		bomID,
	)

	var r model.Rollup
	if err := row.Scan(&r.Total, &r.Matched, &r.Enriched, &r.NoMatch, &r.Errors, &r.AvgConfidence); err != nil {
		return nil, eris.Wrapf(err, "postgres: rollup %s", bomID)
	}
	if r.Total > 0 {
		r.MatchRate = float64(r.Matched) / float64(r.Total)
	}
	return &r, nil
}

func (s *PostgresStore) PutComponent(ctx context.Context, rec model.ComponentRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enriched_components (bom_id, line_number, payload, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (bom_id, line_number) DO UPDATE SET
			payload = excluded.payload, confidence = excluded.confidence, created_at = excluded.created_at`,
		rec.BOMID, rec.LineNumber, string(rec.Payload), rec.Confidence, createdAt,
	)
	return eris.Wrapf(err, "postgres: put component %s/%d", rec.BOMID, rec.LineNumber)
}

func (s *PostgresStore) GetComponent(ctx context.Context, bomID string, lineNumber int) (*model.ComponentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT bom_id, line_number, payload, confidence, created_at
		 FROM enriched_components WHERE bom_id = $1 AND line_number = $2`,
		bomID, lineNumber,
	)

	var rec model.ComponentRecord
	var payload string
	err := row.Scan(&rec.BOMID, &rec.LineNumber, &payload, &rec.Confidence, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get component")
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.EnrichmentEvent) error {
	stateJSON, err := json.Marshal(ev.State)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event state")
	}
	var payloadJSON []byte
	if ev.Payload != nil {
		payloadJSON, err = json.Marshal(ev.Payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal event payload")
		}
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO enrichment_events (id, event_type, bom_id, tenant_id, state, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.BOMID, ev.TenantID, string(stateJSON), nullableString(payloadJSON), createdAt,
	)
	return eris.Wrapf(err, "postgres: append event %s", ev.ID)
}

func (s *PostgresStore) LatestEvent(ctx context.Context, bomID string) (*model.EnrichmentEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_type, bom_id, tenant_id, state, payload, created_at
		FROM enrichment_events WHERE bom_id = $1 ORDER BY seq DESC LIMIT 1`,
		bomID,
	)
	return scanPgEvent(row)
}

func (s *PostgresStore) ListEvents(ctx context.Context, bomID string) ([]model.EnrichmentEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, bom_id, tenant_id, state, payload, created_at
		FROM enrichment_events WHERE bom_id = $1 ORDER BY seq ASC`,
		bomID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var evs []model.EnrichmentEvent
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, *ev)
	}
	return evs, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RequestsByStatus: make(map[model.RequestStatus]int),
		ItemsByStatus:    make(map[model.MatchStatus]int),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM enrichment_requests GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: request stats")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan request stats")
		}
		stats.RequestsByStatus[model.RequestStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: request stats iterate")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT match_status, COUNT(*) FROM line_items GROUP BY match_status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: item stats")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan item stats")
		}
		stats.ItemsByStatus[model.MatchStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: item stats iterate")
	}

	stats.QueueDepth = stats.RequestsByStatus[model.RequestStatusQueued]
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM enrichment_requests
		WHERE status = 'queued' AND requires_approval = TRUE AND approved_at IS NULL`,
	).Scan(&stats.AwaitingApproval)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: awaiting approval")
	}
	return stats, nil
}

// helpers

func activePgRequestTx(ctx context.Context, tx pgx.Tx, bomID string) (*model.EnrichmentRequest, error) {
	req, err := scanPgRequest(tx.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE bom_id = $1 AND status IN ('queued', 'processing') FOR UPDATE`,
		bomID,
	))
	if err == nil {
		return req, nil
	}
	if !eris.Is(err, ErrNotFound) {
		return nil, err
	}

	var terminal int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM enrichment_requests WHERE bom_id = $1`, bomID,
	).Scan(&terminal); err != nil {
		return nil, eris.Wrap(err, "postgres: count requests")
	}
	if terminal > 0 {
		return nil, ErrAlreadyTerminal
	}
	return nil, ErrNotFound
}

func scanPgRequest(row pgx.Row) (*model.EnrichmentRequest, error) {
	var r model.EnrichmentRequest
	var policyJSON string
	var approvedAt, startedAt, completedAt, failedAt, heartbeatAt *time.Time

	err := row.Scan(
		&r.ID, &r.BOMID, &r.TenantID, &r.Priority, &r.Status, &r.QualityScore,
		&r.RequiresApproval, &approvedAt, &r.QueuedAt, &startedAt, &completedAt,
		&failedAt, &heartbeatAt, &r.TotalItems, &r.MatchedItems, &r.EnrichedItems,
		&r.ErrorItems, &r.AvgConfidence, &policyJSON, &r.WorkflowRef,
		&r.RetryCount, &r.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan request")
	}

	r.ApprovedAt = approvedAt
	r.StartedAt = startedAt
	r.CompletedAt = completedAt
	r.FailedAt = failedAt
	r.HeartbeatAt = heartbeatAt

	if err := json.Unmarshal([]byte(policyJSON), &r.Policy); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal policy")
	}
	return &r, nil
}

func scanPgItem(row pgx.Row) (*model.LineItemRecord, error) {
	var it model.LineItemRecord
	var payload *string

	err := row.Scan(
		&it.BOMID, &it.LineNumber, &it.RawManufacturer, &it.RawPartNumber,
		&it.RawDescription, &it.Quantity, &it.References, &it.MatchStatus,
		&it.MatchConfidence, &it.MatchMethod, &it.ComponentRef, &payload,
		&it.StorageTier, &it.CacheRef, &it.ErrorDetail, &it.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan item")
	}
	if payload != nil {
		it.EnrichedPayload = json.RawMessage(*payload)
	}
	return &it, nil
}

func scanPgEvent(row pgx.Row) (*model.EnrichmentEvent, error) {
	var ev model.EnrichmentEvent
	var stateJSON string
	var payloadJSON *string

	err := row.Scan(&ev.ID, &ev.Type, &ev.BOMID, &ev.TenantID, &stateJSON, &payloadJSON, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan event")
	}

	if err := json.Unmarshal([]byte(stateJSON), &ev.State); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal event state")
	}
	if payloadJSON != nil && *payloadJSON != "" {
		if err := json.Unmarshal([]byte(*payloadJSON), &ev.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal event payload")
		}
	}
	return &ev, nil
}

