// Package orchestrator drains the admission queue and drives each claimed
// batch through match, enrich, route, and record. Worker-pool concurrency
// bounds how many batches run at once; each batch's own fan-out is bounded
// by its submission-time processing policy.
package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/bomflow/internal/batch"
	"github.com/sells-group/bomflow/internal/enrich"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/queue"
	"github.com/sells-group/bomflow/internal/resilience"
	"github.com/sells-group/bomflow/internal/router"
	"github.com/sells-group/bomflow/internal/store"
	"github.com/sells-group/bomflow/internal/tracker"
)

// errBatchCancelled aborts a batch fan-out at the next item boundary after
// an external cancel. The cancel itself already wrote the terminal state.
var errBatchCancelled = eris.New("orchestrator: batch cancelled")

// Config bounds the worker pool and recovery sweep.
type Config struct {
	// WorkerConcurrency is how many batches may process simultaneously.
	WorkerConcurrency int

	// PerBatchConcurrency caps a single batch's item fan-out, regardless
	// of what its processing policy asks for.
	PerBatchConcurrency int

	// MaxRetries bounds how many times an abandoned batch is requeued
	// before it is failed outright.
	MaxRetries int

	// HeartbeatInterval is how often a worker refreshes its claim.
	HeartbeatInterval time.Duration

	// StaleTimeout is how long a processing batch may go without a
	// heartbeat before the recovery sweep reclaims it.
	StaleTimeout time.Duration

	// PollInterval is how long an idle worker waits between dequeues.
	PollInterval time.Duration
}

// Orchestrator owns the worker pool.
type Orchestrator struct {
	queue    *queue.Queue
	tracker  *tracker.Tracker
	machine  *batch.Machine
	store    store.Store
	matcher  enrich.Matcher
	enricher enrich.Enricher
	router   *router.Router
	cfg      Config
}

// New creates an Orchestrator.
func New(q *queue.Queue, t *tracker.Tracker, m *batch.Machine, st store.Store,
	matcher enrich.Matcher, enricher enrich.Enricher, r *router.Router, cfg Config) *Orchestrator {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.PerBatchConcurrency <= 0 {
		cfg.PerBatchConcurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Orchestrator{
		queue: q, tracker: t, machine: m, store: st,
		matcher: matcher, enricher: enricher, router: r, cfg: cfg,
	}
}

// Run blocks until ctx is cancelled, draining the queue with
// cfg.WorkerConcurrency workers plus a recovery sweep for abandoned
// batches.
func (o *Orchestrator) Run(ctx context.Context) error {
	zap.L().Info("orchestrator starting",
		zap.Int("workers", o.cfg.WorkerConcurrency),
		zap.Int("per_batch_concurrency", o.cfg.PerBatchConcurrency),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.WorkerConcurrency; i++ {
		worker := i
		g.Go(func() error {
			return o.workerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return o.sweepLoop(ctx)
	})

	err := g.Wait()
	if eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) workerLoop(ctx context.Context, worker int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		claimed, err := o.queue.Dequeue(ctx, 1)
		if err != nil {
			zap.L().Error("dequeue failed", zap.Int("worker", worker), zap.Error(err))
		}
		if len(claimed) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.PollInterval):
			}
			continue
		}

		req := &claimed[0]
		zap.L().Info("batch claimed",
			zap.Int("worker", worker),
			zap.String("bom_id", req.BOMID),
			zap.Int("priority", req.Priority),
			zap.Int("total_items", req.TotalItems),
		)
		o.processBatch(ctx, req)
	}
}

// ProcessOne claims and processes a single batch. Returns store.ErrNotFound
// when the queue is empty. Intended for tests and one-shot CLI runs.
func (o *Orchestrator) ProcessOne(ctx context.Context) (*model.EnrichmentRequest, error) {
	claimed, err := o.queue.Dequeue(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, store.ErrNotFound
	}
	req := &claimed[0]
	o.processBatch(ctx, req)
	return o.store.GetRequest(ctx, req.BOMID)
}

func (o *Orchestrator) processBatch(ctx context.Context, req *model.EnrichmentRequest) {
	batchCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeatLoop(batchCtx, req.BOMID)

	err := o.fanOut(batchCtx, req)
	stopHeartbeat()

	switch {
	case err == nil:
		// Detached context: a shutdown between fan-out and finalize must
		// not strand a fully-processed batch in processing state.
		if _, ferr := o.machine.Finalize(context.WithoutCancel(ctx), req.BOMID); ferr != nil {
			zap.L().Error("finalize failed", zap.String("bom_id", req.BOMID), zap.Error(ferr))
		}
	case eris.Is(err, errBatchCancelled):
		zap.L().Info("batch stopped at item boundary after cancel",
			zap.String("bom_id", req.BOMID))
	case eris.Is(err, store.ErrConflict):
		zap.L().Error("batch state conflict, aborting without recovery",
			zap.String("bom_id", req.BOMID), zap.Error(err))
	default:
		o.recoverBatch(context.WithoutCancel(ctx), req, err)
	}
}

// recoverBatch decides between requeue and terminal failure for a batch
// whose fan-out stopped early.
func (o *Orchestrator) recoverBatch(ctx context.Context, req *model.EnrichmentRequest, cause error) {
	if req.RetryCount >= o.cfg.MaxRetries {
		if _, err := o.machine.Fail(ctx, req.BOMID, eris.ToString(cause, false)); err != nil {
			zap.L().Error("fail transition failed",
				zap.String("bom_id", req.BOMID), zap.Error(err))
		}
		return
	}
	if _, err := o.machine.Requeue(ctx, req.BOMID, eris.ToString(cause, false)); err != nil {
		zap.L().Error("requeue failed",
			zap.String("bom_id", req.BOMID), zap.Error(err))
	}
}

// fanOut processes the batch's open items with the policy-bounded sub-pool.
// Items already terminal from a previous attempt are skipped entirely, so a
// resumed batch never repeats a collaborator call for finished work.
func (o *Orchestrator) fanOut(ctx context.Context, req *model.EnrichmentRequest) error {
	items, err := o.tracker.OpenItems(ctx, req.BOMID)
	if err != nil {
		return err
	}

	concurrency := req.Policy.Concurrency
	if concurrency <= 0 || concurrency > o.cfg.PerBatchConcurrency {
		concurrency = o.cfg.PerBatchConcurrency
	}

	var limiter *rate.Limiter
	if delay := req.Policy.InterItemDelay(); delay > 0 {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range items {
		item := items[i]
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if err := o.checkLive(gctx, req.BOMID); err != nil {
				return err
			}
			return o.processItem(gctx, req, &item)
		})
	}
	return g.Wait()
}

// checkLive aborts the fan-out when the request left processing state
// (cancelled externally, or reclaimed by the sweep).
func (o *Orchestrator) checkLive(ctx context.Context, bomID string) error {
	current, err := o.store.GetRequest(ctx, bomID)
	if err != nil {
		return err
	}
	if current.Status != model.RequestStatusProcessing {
		return errBatchCancelled
	}
	return nil
}

// processItem drives one line item through match, enrich, route, record.
// Collaborator failures are absorbed into the item's state; only
// infrastructure errors propagate to fail the fan-out.
func (o *Orchestrator) processItem(ctx context.Context, req *model.EnrichmentRequest, item *model.LineItemRecord) error {
	componentRef := item.ComponentRef

	if item.MatchStatus == model.MatchStatusPending {
		retry := resilience.DefaultRetryConfig()
		retry.OnRetry = resilience.RetryLogger("matcher", "match")

		match, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*enrich.Match, error) {
			return o.matcher.Match(ctx, item)
		})
		switch {
		case eris.Is(err, enrich.ErrNoMatch):
			_, rerr := o.tracker.RecordMatch(ctx, req.BOMID, item.LineNumber, store.MatchUpdate{
				Status: model.MatchStatusNoMatch,
				Method: model.MatchMethodUnmatched,
			})
			return rerr
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			_, rerr := o.tracker.RecordError(ctx, req.BOMID, item.LineNumber, eris.ToString(err, false))
			return rerr
		}

		if _, err := o.tracker.RecordMatch(ctx, req.BOMID, item.LineNumber, store.MatchUpdate{
			Status:       model.MatchStatusMatched,
			Confidence:   match.Confidence,
			Method:       match.Method,
			ComponentRef: match.ComponentRef,
		}); err != nil {
			return err
		}
		componentRef = match.ComponentRef
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("enricher", "enrich")

	result, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*enrich.Enrichment, error) {
		return o.enricher.Enrich(ctx, item, componentRef)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		_, rerr := o.tracker.RecordError(ctx, req.BOMID, item.LineNumber, eris.ToString(err, false))
		return rerr
	}

	upd, err := o.router.Route(ctx, req.BOMID, item.LineNumber, result.Payload, result.Confidence)
	if err != nil {
		return err
	}

	_, err = o.tracker.RecordEnrichment(ctx, req.BOMID, item.LineNumber, upd)
	return err
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context, bomID string) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.machine.Heartbeat(ctx, bomID); err != nil && ctx.Err() == nil {
				zap.L().Warn("heartbeat failed", zap.String("bom_id", bomID), zap.Error(err))
			}
		}
	}
}

// sweepLoop reclaims batches whose worker died: processing requests with no
// heartbeat inside StaleTimeout are requeued (or failed after MaxRetries).
func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	interval := o.cfg.StaleTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass. Exported for tests and one-shot CLI use.
func (o *Orchestrator) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-o.cfg.StaleTimeout)
	stale, err := o.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		zap.L().Error("stale sweep query failed", zap.Error(err))
		return
	}

	for i := range stale {
		req := &stale[i]
		zap.L().Warn("reclaiming abandoned batch",
			zap.String("bom_id", req.BOMID),
			zap.Int("retry_count", req.RetryCount),
		)
		if req.RetryCount >= o.cfg.MaxRetries {
			if _, err := o.machine.Fail(ctx, req.BOMID, "abandoned: heartbeat expired, retries exhausted"); err != nil {
				zap.L().Error("sweep fail transition failed",
					zap.String("bom_id", req.BOMID), zap.Error(err))
			}
			continue
		}
		if _, err := o.machine.Requeue(ctx, req.BOMID, "abandoned: heartbeat expired"); err != nil {
			zap.L().Error("sweep requeue failed",
				zap.String("bom_id", req.BOMID), zap.Error(err))
		}
	}
}
