// Package router decides where an enriched payload lands: the durable
// component store when confidence clears the durability threshold, the
// expiring cache otherwise. Low-confidence results stay re-derivable rather
// than polluting the durable catalog.
package router

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bomflow/internal/cache"
	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/resilience"
	"github.com/sells-group/bomflow/internal/store"
)

// Config holds routing policy.
type Config struct {
	// DurabilityThreshold is the 0-100 confidence at or above which a
	// payload is persisted durably.
	DurabilityThreshold float64

	// CacheTTL bounds the lifetime of ephemeral results.
	CacheTTL time.Duration
}

// Router writes enriched payloads to their storage tier.
type Router struct {
	store store.Store
	cache cache.Cache
	cfg   Config
	retry resilience.RetryConfig
}

// New creates a Router.
func New(st store.Store, c cache.Cache, cfg Config) *Router {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("router", "put_component")
	return &Router{store: st, cache: c, cfg: cfg, retry: retry}
}

// Route writes payload to the tier its confidence earns and returns the
// enrichment update to record against the line item. Durable writes are
// retried; if they still fail the result is downgraded to the ephemeral
// tier instead of being lost, and the downgrade is logged.
func (r *Router) Route(ctx context.Context, bomID string, lineNumber int, payload json.RawMessage, confidence float64) (store.EnrichmentUpdate, error) {
	if confidence >= r.cfg.DurabilityThreshold {
		err := resilience.Do(ctx, r.retry, func(ctx context.Context) error {
			return r.store.PutComponent(ctx, model.ComponentRecord{
				BOMID:      bomID,
				LineNumber: lineNumber,
				Payload:    payload,
				Confidence: confidence,
				CreatedAt:  time.Now().UTC(),
			})
		})
		if err == nil {
			return store.EnrichmentUpdate{
				Payload:    payload,
				Confidence: confidence,
				Tier:       model.StorageTierDurable,
			}, nil
		}
		zap.L().Warn("durable write failed, downgrading to ephemeral tier",
			zap.String("bom_id", bomID),
			zap.Int("line", lineNumber),
			zap.Error(err),
		)
	}

	key := cache.ItemKey(bomID, lineNumber)
	if err := r.cache.Put(ctx, key, payload, r.cfg.CacheTTL); err != nil {
		return store.EnrichmentUpdate{}, err
	}
	return store.EnrichmentUpdate{
		Payload:    payload,
		Confidence: confidence,
		Tier:       model.StorageTierEphemeral,
		CacheRef:   key,
	}, nil
}

// Lookup fetches an enriched payload from whichever tier holds it.
func (r *Router) Lookup(ctx context.Context, item *model.LineItemRecord) (json.RawMessage, error) {
	switch item.StorageTier {
	case model.StorageTierDurable:
		rec, err := r.store.GetComponent(ctx, item.BOMID, item.LineNumber)
		if err != nil {
			return nil, err
		}
		return rec.Payload, nil
	case model.StorageTierEphemeral:
		val, err := r.cache.Get(ctx, item.CacheRef)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(val), nil
	default:
		return nil, store.ErrNotFound
	}
}
