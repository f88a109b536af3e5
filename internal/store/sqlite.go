package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bomflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// The claim path relies on read-modify-write transactions; a single
	// writer connection keeps them serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrichment_requests (
	id                TEXT PRIMARY KEY,
	bom_id            TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	priority          INTEGER NOT NULL DEFAULT 5,
	status            TEXT NOT NULL DEFAULT 'queued',
	quality_score     REAL NOT NULL DEFAULT 0,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	approved_at       DATETIME,
	queued_at         DATETIME NOT NULL,
	started_at        DATETIME,
	completed_at      DATETIME,
	failed_at         DATETIME,
	heartbeat_at      DATETIME,
	total_items       INTEGER NOT NULL DEFAULT 0,
	matched_items     INTEGER NOT NULL DEFAULT 0,
	enriched_items    INTEGER NOT NULL DEFAULT 0,
	error_items       INTEGER NOT NULL DEFAULT 0,
	avg_confidence    REAL NOT NULL DEFAULT 0,
	policy            TEXT NOT NULL DEFAULT '{}',
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
	match_confidence REAL NOT NULL DEFAULT 0,
	match_method     TEXT NOT NULL DEFAULT '',
	component_ref    TEXT NOT NULL DEFAULT '',
	enriched_payload TEXT,
	storage_tier     TEXT NOT NULL DEFAULT '',
	cache_ref        TEXT NOT NULL DEFAULT '',
	error_detail     TEXT NOT NULL DEFAULT '',
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY (bom_id, line_number)
);

CREATE INDEX IF NOT EXISTS idx_line_items_status ON line_items(bom_id, match_status);

CREATE TABLE IF NOT EXISTS enriched_components (
	bom_id      TEXT NOT NULL,
	line_number INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	confidence  REAL NOT NULL,
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (bom_id, line_number)
);

CREATE TABLE IF NOT EXISTS enrichment_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	bom_id     TEXT NOT NULL,
	tenant_id  TEXT NOT NULL,
	state      TEXT NOT NULL,
	payload    TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_bom ON enrichment_events(bom_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const requestColumns = `id, bom_id, tenant_id, priority, status, quality_score,
	requires_approval, approved_at, queued_at, started_at, completed_at,
	failed_at, heartbeat_at, total_items, matched_items, enriched_items,
	error_items, avg_confidence, policy, workflow_ref, retry_count, last_error`

const itemColumns = `bom_id, line_number, raw_manufacturer, raw_part_number,
	raw_description, quantity, refs, match_status, match_confidence,
	match_method, component_ref, enriched_payload, storage_tier, cache_ref,
	error_detail, updated_at`

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.EnrichmentRequest, items []model.LineItemRecord) (*model.EnrichmentRequest, error) {
	now := time.Now().UTC()
	created := *req
	if created.QueuedAt.IsZero() {
		created.QueuedAt = now
	}
	created.Status = model.RequestStatusQueued

	policyJSON, err := json.Marshal(created.Policy)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal policy")
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM enrichment_requests WHERE bom_id = ? AND status IN ('queued', 'processing')`,
			created.BOMID,
		).Scan(&existing)
		if err != nil {
			return eris.Wrap(err, "sqlite: check active request")
		}
		if existing > 0 {
			return ErrDuplicateActiveRequest
		}

		for _, it := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO line_items (bom_id, line_number, raw_manufacturer, raw_part_number,
					raw_description, quantity, refs, match_status, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
				ON CONFLICT (bom_id, line_number) DO UPDATE SET
					match_status = 'pending', match_confidence = 0, match_method = '',
					component_ref = '', enriched_payload = NULL, storage_tier = '',
					cache_ref = '', error_detail = '', updated_at = excluded.updated_at`,
				created.BOMID, it.LineNumber, it.RawManufacturer, it.RawPartNumber,
				it.RawDescription, it.Quantity, it.References, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert item %s/%d", created.BOMID, it.LineNumber)
			}
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM line_items WHERE bom_id = ?`, created.BOMID,
		).Scan(&created.TotalItems); err != nil {
			return eris.Wrap(err, "sqlite: count items")
		}
		created.MatchedItems = 0
		created.EnrichedItems = 0
		created.ErrorItems = 0
		created.AvgConfidence = 0

		_, err = tx.ExecContext(ctx, `
			INSERT INTO enrichment_requests (id, bom_id, tenant_id, priority, status,
				quality_score, requires_approval, queued_at, total_items, policy, workflow_ref)
			VALUES (?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?)`,
			created.ID, created.BOMID, created.TenantID, created.Priority,
			created.QualityScore, created.RequiresApproval, created.QueuedAt,
			created.TotalItems, string(policyJSON), created.WorkflowRef,
		)
		return eris.Wrap(err, "sqlite: insert request")
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, bomID string) (*model.EnrichmentRequest, error) {
	// Active request first; fall back to the most recent terminal one.
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests WHERE bom_id = ?
		ORDER BY (status IN ('queued', 'processing')) DESC, queued_at DESC LIMIT 1`,
		bomID,
	)
	return scanRequest(row)
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.EnrichmentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM enrichment_requests WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	query += ` ORDER BY queued_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close()

	var reqs []model.EnrichmentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, eris.Wrap(rows.Err(), "sqlite: list requests iterate")
}

func (s *SQLiteStore) Approve(ctx context.Context, bomID string, at time.Time) (*model.EnrichmentRequest, error) {
	var approved *model.EnrichmentRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		req, err := activeRequestTx(ctx, tx, bomID)
		if err != nil {
			return err
		}
		if !req.RequiresApproval || req.ApprovedAt != nil {
			return ErrNotPendingApproval
		}

		at = at.UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE enrichment_requests SET approved_at = ? WHERE id = ?`,
			at, req.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: approve %s", bomID)
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

func (s *SQLiteStore) ClaimQueued(ctx context.Context, limit int) ([]model.EnrichmentRequest, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []model.EnrichmentRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM enrichment_requests
			WHERE status = 'queued' AND (requires_approval = 0 OR approved_at IS NOT NULL)
			ORDER BY priority DESC, queued_at ASC LIMIT ?`,
			limit,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: select claimable")
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return eris.Wrap(err, "sqlite: scan claimable id")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "sqlite: iterate claimable")
		}

		now := time.Now().UTC()
		for _, id := range ids {
			// Conditional on status so a concurrent claimer cannot double-claim.
			res, err := tx.ExecContext(ctx, `
				UPDATE enrichment_requests
				SET status = 'processing', started_at = ?, heartbeat_at = ?
				WHERE id = ? AND status = 'queued'`,
				now, now, id,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: claim %s", id)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: claim rows affected")
			}
			if n == 0 {
				continue
			}
			req, err := scanRequest(tx.QueryRowContext(ctx,
				`SELECT `+requestColumns+` FROM enrichment_requests WHERE id = ?`, id,
			))
			if err != nil {
				return err
			}
			claimed = append(claimed, *req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, bomID string, from []model.RequestStatus, to model.RequestStatus, lastError string) (*model.EnrichmentRequest, error) {
	var updated *model.EnrichmentRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		req, err := activeRequestTx(ctx, tx, bomID)
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
		query := `UPDATE enrichment_requests SET status = ?`
		args := []any{string(to)}

		switch to {
		case model.RequestStatusProcessing:
			query += `, started_at = ?, heartbeat_at = ?`
			args = append(args, now, now)
			req.StartedAt = &now
			req.HeartbeatAt = &now
		case model.RequestStatusCompleted:
			query += `, completed_at = ?`
			args = append(args, now)
			req.CompletedAt = &now
		case model.RequestStatusFailed:
			query += `, failed_at = ?, last_error = ?`
			args = append(args, now, lastError)
			req.FailedAt = &now
			req.LastError = lastError
		case model.RequestStatusQueued:
			// Re-admission after a stale claim: keep original priority and
			// queue position, bump retry bookkeeping.
			query += `, started_at = NULL, heartbeat_at = NULL, retry_count = retry_count + 1, last_error = ?`
			args = append(args, lastError)
			req.StartedAt = nil
			req.HeartbeatAt = nil
			req.RetryCount++
			req.LastError = lastError
		}

		query += ` WHERE id = ? AND status = ?`
		args = append(args, req.ID, string(req.Status))

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: transition %s to %s", bomID, to)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: transition rows affected")
		}
		if n == 0 {
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

func (s *SQLiteStore) Heartbeat(ctx context.Context, bomID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_requests SET heartbeat_at = ? WHERE bom_id = ? AND status = 'processing'`,
		at.UTC(), bomID,
	)
	return eris.Wrapf(err, "sqlite: heartbeat %s", bomID)
}

func (s *SQLiteStore) StaleProcessing(ctx context.Context, olderThan time.Time) ([]model.EnrichmentRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE status = 'processing' AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		olderThan.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stale processing")
	}
	defer rows.Close()

	var reqs []model.EnrichmentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, eris.Wrap(rows.Err(), "sqlite: stale processing iterate")
}

func (s *SQLiteStore) GetItem(ctx context.Context, bomID string, lineNumber int) (*model.LineItemRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM line_items WHERE bom_id = ? AND line_number = ?`,
		bomID, lineNumber,
	)
	return scanItem(row)
}

func (s *SQLiteStore) ListItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM line_items WHERE bom_id = ? ORDER BY line_number`,
		bomID)
}

func (s *SQLiteStore) OpenItems(ctx context.Context, bomID string) ([]model.LineItemRecord, error) {
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM line_items
		WHERE bom_id = ? AND match_status IN ('pending', 'matched')
		ORDER BY line_number`,
		bomID)
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]model.LineItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query items")
	}
	defer rows.Close()

	var items []model.LineItemRecord
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}

func (s *SQLiteStore) RecordMatch(ctx context.Context, bomID string, lineNumber int, upd MatchUpdate) (*model.EnrichmentRequest, bool, error) {
	if upd.Status != model.MatchStatusMatched && upd.Status != model.MatchStatusNoMatch {
		return nil, false, eris.Errorf("sqlite: invalid match status %q", upd.Status)
	}

	var req *model.EnrichmentRequest
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := scanItem(tx.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM line_items WHERE bom_id = ? AND line_number = ?`,
			bomID, lineNumber,
		))
		if err != nil {
			return err
		}

		switch {
		case item.MatchStatus == model.MatchStatusPending:
			_, err := tx.ExecContext(ctx, `
				UPDATE line_items
				SET match_status = ?, match_confidence = ?, match_method = ?, component_ref = ?, updated_at = ?
				WHERE bom_id = ? AND line_number = ?`,
				string(upd.Status), upd.Confidence, string(upd.Method), upd.ComponentRef,
				time.Now().UTC(), bomID, lineNumber,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: record match %s/%d", bomID, lineNumber)
			}
			changed = true
		case matchReplayed(item, upd):
			// Duplicate delivery from a retried worker step: no-op.
			changed = false
		default:
			return eris.Wrapf(ErrConflict, "record match %s/%d: item is %s", bomID, lineNumber, item.MatchStatus)
		}

		req, err = s.refreshCountersTx(ctx, tx, bomID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

func (s *SQLiteStore) RecordEnrichment(ctx context.Context, bomID string, lineNumber int, upd EnrichmentUpdate) (*model.EnrichmentRequest, bool, error) {
	var req *model.EnrichmentRequest
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := scanItem(tx.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM line_items WHERE bom_id = ? AND line_number = ?`,
			bomID, lineNumber,
		))
		if err != nil {
			return err
		}

		switch {
		case item.MatchStatus == model.MatchStatusMatched:
			_, err := tx.ExecContext(ctx, `
				UPDATE line_items
				SET match_status = 'enriched', match_confidence = ?, enriched_payload = ?,
					storage_tier = ?, cache_ref = ?, updated_at = ?
				WHERE bom_id = ? AND line_number = ?`,
				upd.Confidence, string(upd.Payload), string(upd.Tier), upd.CacheRef,
				time.Now().UTC(), bomID, lineNumber,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: record enrichment %s/%d", bomID, lineNumber)
			}
			changed = true
		case item.MatchStatus == model.MatchStatusEnriched &&
			item.MatchConfidence == upd.Confidence && item.StorageTier == upd.Tier:
			changed = false
		default:
			return eris.Wrapf(ErrConflict, "record enrichment %s/%d: item is %s", bomID, lineNumber, item.MatchStatus)
		}

		req, err = s.refreshCountersTx(ctx, tx, bomID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

func (s *SQLiteStore) RecordItemError(ctx context.Context, bomID string, lineNumber int, detail string) (*model.EnrichmentRequest, bool, error) {
	var req *model.EnrichmentRequest
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := scanItem(tx.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM line_items WHERE bom_id = ? AND line_number = ?`,
			bomID, lineNumber,
		))
		if err != nil {
			return err
		}

		switch {
		case item.MatchStatus == model.MatchStatusPending || item.MatchStatus == model.MatchStatusMatched:
			_, err := tx.ExecContext(ctx, `
				UPDATE line_items SET match_status = 'error', error_detail = ?, updated_at = ?
				WHERE bom_id = ? AND line_number = ?`,
				detail, time.Now().UTC(), bomID, lineNumber,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: record item error %s/%d", bomID, lineNumber)
			}
			changed = true
		case item.MatchStatus == model.MatchStatusError && item.ErrorDetail == detail:
			changed = false
		default:
			return eris.Wrapf(ErrConflict, "record item error %s/%d: item is %s", bomID, lineNumber, item.MatchStatus)
		}

		req, err = s.refreshCountersTx(ctx, tx, bomID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

// refreshCountersTx recomputes the owning request's aggregate counters from
// the line items inside the caller's transaction. This is what keeps the
// request-level rollup equal to the item table at every commit point.
func (s *SQLiteStore) refreshCountersTx(ctx context.Context, tx *sql.Tx, bomID string) (*model.EnrichmentRequest, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE enrichment_requests SET
			matched_items = (SELECT COUNT(*) FROM line_items
				WHERE bom_id = ? AND match_status IN ('matched', 'enriched')),
			enriched_items = (SELECT COUNT(*) FROM line_items
				WHERE bom_id = ? AND match_status = 'enriched'),
			error_items = (SELECT COUNT(*) FROM line_items
				WHERE bom_id = ? AND match_status = 'error'),
			avg_confidence = COALESCE((SELECT AVG(match_confidence) FROM line_items
				WHERE bom_id = ? AND match_status IN ('matched', 'enriched')), 0)
		WHERE bom_id = ? AND status IN ('queued', 'processing')`,
		bomID, bomID, bomID, bomID, bomID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: refresh counters %s", bomID)
	}
	return activeRequestTx(ctx, tx, bomID)
}

func (s *SQLiteStore) Rollup(ctx context.Context, bomID string) (*model.Rollup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE match_status IN ('matched', 'enriched')),
			COUNT(*) FILTER (WHERE match_status = 'enriched'),
			COUNT(*) FILTER (WHERE match_status = 'no_match'),
			COUNT(*) FILTER (WHERE match_status = 'error'),
			COALESCE(AVG(match_confidence) FILTER (WHERE match_status IN ('matched', 'enriched')), 0)
		FROM line_items WHERE bom_id = ?`,
		bomID,
	)

	var r model.Rollup
	if err := row.Scan(&r.Total, &r.Matched, &r.Enriched, &r.NoMatch, &r.Errors, &r.AvgConfidence); err != nil {
		return nil, eris.Wrapf(err, "sqlite: rollup %s", bomID)
	}
	if r.Total > 0 {
		r.MatchRate = float64(r.Matched) / float64(r.Total)
	}
	return &r, nil
}

func (s *SQLiteStore) PutComponent(ctx context.Context, rec model.ComponentRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enriched_components (bom_id, line_number, payload, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bom_id, line_number) DO UPDATE SET
			payload = excluded.payload, confidence = excluded.confidence, created_at = excluded.created_at`,
		rec.BOMID, rec.LineNumber, string(rec.Payload), rec.Confidence, createdAt,
	)
	return eris.Wrapf(err, "sqlite: put component %s/%d", rec.BOMID, rec.LineNumber)
}

func (s *SQLiteStore) GetComponent(ctx context.Context, bomID string, lineNumber int) (*model.ComponentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT bom_id, line_number, payload, confidence, created_at
		 FROM enriched_components WHERE bom_id = ? AND line_number = ?`,
		bomID, lineNumber,
	)

	var rec model.ComponentRecord
	var payload string
	err := row.Scan(&rec.BOMID, &rec.LineNumber, &payload, &rec.Confidence, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get component")
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.EnrichmentEvent) error {
	stateJSON, err := json.Marshal(ev.State)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event state")
	}
	var payloadJSON []byte
	if ev.Payload != nil {
		payloadJSON, err = json.Marshal(ev.Payload)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal event payload")
		}
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// INSERT OR IGNORE makes the event ID an idempotency key.
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO enrichment_events (id, event_type, bom_id, tenant_id, state, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.BOMID, ev.TenantID, string(stateJSON), nullableString(payloadJSON), createdAt,
	)
	return eris.Wrapf(err, "sqlite: append event %s", ev.ID)
}

func (s *SQLiteStore) LatestEvent(ctx context.Context, bomID string) (*model.EnrichmentEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, bom_id, tenant_id, state, payload, created_at
		FROM enrichment_events WHERE bom_id = ? ORDER BY seq DESC LIMIT 1`,
		bomID,
	)
	return scanEvent(row)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, bomID string) ([]model.EnrichmentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, bom_id, tenant_id, state, payload, created_at
		FROM enrichment_events WHERE bom_id = ? ORDER BY seq ASC`,
		bomID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var evs []model.EnrichmentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, *ev)
	}
	return evs, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RequestsByStatus: make(map[model.RequestStatus]int),
		ItemsByStatus:    make(map[model.MatchStatus]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrichment_requests GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: request stats")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan request stats")
		}
		stats.RequestsByStatus[model.RequestStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: request stats iterate")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT match_status, COUNT(*) FROM line_items GROUP BY match_status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: item stats")
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan item stats")
		}
		stats.ItemsByStatus[model.MatchStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: item stats iterate")
	}

	stats.QueueDepth = stats.RequestsByStatus[model.RequestStatusQueued]
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrichment_requests
		WHERE status = 'queued' AND requires_approval = 1 AND approved_at IS NULL`,
	).Scan(&stats.AwaitingApproval)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: awaiting approval")
	}
	return stats, nil
}

// helpers

func matchReplayed(item *model.LineItemRecord, upd MatchUpdate) bool {
	switch item.MatchStatus {
	case upd.Status:
		return item.MatchConfidence == upd.Confidence &&
			item.MatchMethod == upd.Method &&
			item.ComponentRef == upd.ComponentRef
	case model.MatchStatusEnriched:
		// A matched item may already have advanced to enriched; the match
		// itself is replayed if method and component agree.
		return upd.Status == model.MatchStatusMatched &&
			item.MatchMethod == upd.Method &&
			item.ComponentRef == upd.ComponentRef
	}
	return false
}

func activeRequestTx(ctx context.Context, tx *sql.Tx, bomID string) (*model.EnrichmentRequest, error) {
	req, err := scanRequest(tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM enrichment_requests
		WHERE bom_id = ? AND status IN ('queued', 'processing')`,
		bomID,
	))
	if err == nil {
		return req, nil
	}
	if !eris.Is(err, ErrNotFound) {
		return nil, err
	}

	// No active request: distinguish "never submitted" from "already done".
	var terminal int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrichment_requests WHERE bom_id = ?`, bomID,
	).Scan(&terminal); err != nil {
		return nil, eris.Wrap(err, "sqlite: count requests")
	}
	if terminal > 0 {
		return nil, ErrAlreadyTerminal
	}
	return nil, ErrNotFound
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (*model.EnrichmentRequest, error) {
	var r model.EnrichmentRequest
	var policyJSON string
	var approvedAt, startedAt, completedAt, failedAt, heartbeatAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.BOMID, &r.TenantID, &r.Priority, &r.Status, &r.QualityScore,
		&r.RequiresApproval, &approvedAt, &r.QueuedAt, &startedAt, &completedAt,
		&failedAt, &heartbeatAt, &r.TotalItems, &r.MatchedItems, &r.EnrichedItems,
		&r.ErrorItems, &r.AvgConfidence, &policyJSON, &r.WorkflowRef,
		&r.RetryCount, &r.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan request")
	}

	r.ApprovedAt = nullTimePtr(approvedAt)
	r.StartedAt = nullTimePtr(startedAt)
	r.CompletedAt = nullTimePtr(completedAt)
	r.FailedAt = nullTimePtr(failedAt)
	r.HeartbeatAt = nullTimePtr(heartbeatAt)

	if err := json.Unmarshal([]byte(policyJSON), &r.Policy); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal policy")
	}
	return &r, nil
}

func scanItem(row scannable) (*model.LineItemRecord, error) {
	var it model.LineItemRecord
	var payload sql.NullString

	err := row.Scan(
		&it.BOMID, &it.LineNumber, &it.RawManufacturer, &it.RawPartNumber,
		&it.RawDescription, &it.Quantity, &it.References, &it.MatchStatus,
		&it.MatchConfidence, &it.MatchMethod, &it.ComponentRef, &payload,
		&it.StorageTier, &it.CacheRef, &it.ErrorDetail, &it.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan item")
	}
	if payload.Valid {
		it.EnrichedPayload = json.RawMessage(payload.String)
	}
	return &it, nil
}

func scanEvent(row scannable) (*model.EnrichmentEvent, error) {
	var ev model.EnrichmentEvent
	var stateJSON string
	var payloadJSON sql.NullString

	err := row.Scan(&ev.ID, &ev.Type, &ev.BOMID, &ev.TenantID, &stateJSON, &payloadJSON, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan event")
	}

	if err := json.Unmarshal([]byte(stateJSON), &ev.State); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal event state")
	}
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal event payload")
		}
	}
	return &ev, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
