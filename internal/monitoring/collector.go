// Package monitoring exposes engine health: a JSON snapshot for dashboards
// and a Prometheus collector for scraping.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bomflow/internal/model"
	"github.com/sells-group/bomflow/internal/store"
)

// Snapshot holds a point-in-time view of engine health.
type Snapshot struct {
	// Request counts by lifecycle state.
	RequestsQueued     int `json:"requests_queued"`
	RequestsProcessing int `json:"requests_processing"`
	RequestsCompleted  int `json:"requests_completed"`
	RequestsFailed     int `json:"requests_failed"`
	RequestsCancelled  int `json:"requests_cancelled"`

	// Item counts by match state.
	ItemsPending  int `json:"items_pending"`
	ItemsMatched  int `json:"items_matched"`
	ItemsEnriched int `json:"items_enriched"`
	ItemsNoMatch  int `json:"items_no_match"`
	ItemsError    int `json:"items_error"`

	// Queue health.
	QueueDepth       int `json:"queue_depth"`
	AwaitingApproval int `json:"awaiting_approval"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers engine metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a point-in-time snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	return &Snapshot{
		RequestsQueued:     stats.RequestsByStatus[model.RequestStatusQueued],
		RequestsProcessing: stats.RequestsByStatus[model.RequestStatusProcessing],
		RequestsCompleted:  stats.RequestsByStatus[model.RequestStatusCompleted],
		RequestsFailed:     stats.RequestsByStatus[model.RequestStatusFailed],
		RequestsCancelled:  stats.RequestsByStatus[model.RequestStatusCancelled],
		ItemsPending:       stats.ItemsByStatus[model.MatchStatusPending],
		ItemsMatched:       stats.ItemsByStatus[model.MatchStatusMatched],
		ItemsEnriched:      stats.ItemsByStatus[model.MatchStatusEnriched],
		ItemsNoMatch:       stats.ItemsByStatus[model.MatchStatusNoMatch],
		ItemsError:         stats.ItemsByStatus[model.MatchStatusError],
		QueueDepth:         stats.QueueDepth,
		AwaitingApproval:   stats.AwaitingApproval,
		CollectedAt:        time.Now().UTC(),
	}, nil
}
