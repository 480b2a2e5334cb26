// Package metrics exposes the dispatcher's Prometheus counters and
// gauges (spec.md §2's "Metrics" ambient concern): accepted
// connections, auth outcomes, active workers, resync duration.
// Grounded on the pack's imap-server Server metrics block
// (github.com/prometheus/client_golang/prometheus + promauto).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asimapd_connections_accepted_total",
		Help: "Total TCP connections accepted by the dispatcher.",
	})
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asimapd_connections_active",
		Help: "Currently open client connections.",
	})
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asimapd_auth_attempts_total",
		Help: "Authentication attempts by outcome.",
	}, []string{"result"})
	AuthThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asimapd_auth_throttled_total",
		Help: "Authentication attempts rejected by the throttle before reaching the password file.",
	})
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asimapd_workers_active",
		Help: "Per-user worker processes currently running.",
	})
	WorkersSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asimapd_workers_spawned_total",
		Help: "Total per-user worker processes spawned.",
	})
	ResyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "asimapd_resync_duration_seconds",
		Help:    "Wall-clock time spent reconciling a mailbox's on-disk state.",
		Buckets: prometheus.DefBuckets,
	})
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asimapd_commands_total",
		Help: "IMAP commands processed by name.",
	}, []string{"command"})
)

// ObserveResync records one resync's duration; call with
// time.Since(start) at the call site.
func ObserveResync(d time.Duration) {
	ResyncDuration.Observe(d.Seconds())
}
