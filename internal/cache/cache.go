// Package cache provides the ephemeral storage tier for enrichment results
// that do not meet the durability threshold. Entries expire; the engine never
// treats a cache miss as an error.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = eris.New("cache: miss")

// Cache is the ephemeral result store. Put always carries a TTL; expired
// entries behave as absent.
type Cache interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ItemKey builds the cache key for one line item's enrichment payload.
func ItemKey(bomID string, lineNumber int) string {
	return "bomflow:enriched:" + bomID + ":" + strconv.Itoa(lineNumber)
}
