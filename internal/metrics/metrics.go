// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the service's operational counters.
type Collector struct {
	messagesPosted   prometheus.Counter
	broadcastsSent   prometheus.Counter
	rateLimited      prometheus.Counter
	magicLinksIssued prometheus.Counter
	magicLinkRedeems *prometheus.CounterVec
	wsConnections    prometheus.Gauge
	httpStatus       *prometheus.CounterVec
}

// NewCollector registers the service metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkroom_messages_posted_total",
			Help: "Messages accepted and stored.",
		}),
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkroom_broadcasts_total",
			Help: "Fan-out broadcasts issued to thread subscribers.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkroom_rate_limited_total",
			Help: "Posts rejected by the sliding-window rate limiter.",
		}),
		magicLinksIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkroom_magic_links_issued_total",
			Help: "Magic-link credentials issued.",
		}),
		magicLinkRedeems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkroom_magic_link_redeems_total",
			Help: "Magic-link redemption attempts by outcome.",
		}, []string{"outcome"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkroom_ws_connections",
			Help: "Currently open WebSocket connections.",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkroom_http_status_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.messagesPosted,
		c.broadcastsSent,
		c.rateLimited,
		c.magicLinksIssued,
		c.magicLinkRedeems,
		c.wsConnections,
		c.httpStatus,
	)

	return c
}

// NewDefaultCollector builds a collector on a fresh registry that also
// carries the Go runtime and process collectors, and returns both.
func NewDefaultCollector() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewCollector(reg), reg
}

func (c *Collector) RecordMessagePosted() { c.messagesPosted.Inc() }

func (c *Collector) RecordBroadcast() { c.broadcastsSent.Inc() }

func (c *Collector) RecordRateLimited() { c.rateLimited.Inc() }

func (c *Collector) RecordMagicLinkIssued() { c.magicLinksIssued.Inc() }

func (c *Collector) RecordMagicLinkRedeem(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.magicLinkRedeems.WithLabelValues(outcome).Inc()
}

func (c *Collector) WSConnectionOpened() { c.wsConnections.Inc() }
func (c *Collector) WSConnectionClosed() { c.wsConnections.Dec() }

func (c *Collector) RecordHTTPStatus(code int) {
	c.httpStatus.WithLabelValues(statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
