package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	requestsDesc = prometheus.NewDesc(
		"bomflow_requests",
		"Enrichment requests by lifecycle status.",
		[]string{"status"}, nil,
	)
	itemsDesc = prometheus.NewDesc(
		"bomflow_line_items",
		"Line items by match status.",
		[]string{"status"}, nil,
	)
	queueDepthDesc = prometheus.NewDesc(
		"bomflow_queue_depth",
		"Requests waiting in the admission queue.",
		nil, nil,
	)
	awaitingApprovalDesc = prometheus.NewDesc(
		"bomflow_awaiting_approval",
		"Queued requests gated on human approval.",
		nil, nil,
	)
)

// PrometheusCollector adapts Collector to the Prometheus scrape model:
// each scrape takes a fresh snapshot rather than tracking counters
// in-process, so metrics survive worker restarts.
type PrometheusCollector struct {
	collector *Collector
	timeout   time.Duration
}

// NewPrometheusCollector wraps c for registration with a Prometheus
// registry.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	return &PrometheusCollector{collector: c, timeout: 5 * time.Second}
}

func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
	ch <- itemsDesc
	ch <- queueDepthDesc
	ch <- awaitingApprovalDesc
}

func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	snap, err := p.collector.Collect(ctx)
	if err != nil {
		zap.L().Warn("prometheus scrape failed", zap.Error(err))
		return
	}

	gauge := func(desc *prometheus.Desc, value int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value), labels...)
	}

	gauge(requestsDesc, snap.RequestsQueued, "queued")
	gauge(requestsDesc, snap.RequestsProcessing, "processing")
	gauge(requestsDesc, snap.RequestsCompleted, "completed")
	gauge(requestsDesc, snap.RequestsFailed, "failed")
	gauge(requestsDesc, snap.RequestsCancelled, "cancelled")

	gauge(itemsDesc, snap.ItemsPending, "pending")
	gauge(itemsDesc, snap.ItemsMatched, "matched")
	gauge(itemsDesc, snap.ItemsEnriched, "enriched")
	gauge(itemsDesc, snap.ItemsNoMatch, "no_match")
	gauge(itemsDesc, snap.ItemsError, "error")

	gauge(queueDepthDesc, snap.QueueDepth)
	gauge(awaitingApprovalDesc, snap.AwaitingApproval)
}
