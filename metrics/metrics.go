// Package metrics provides Prometheus metrics for key-share nodes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NodeMetrics holds all Prometheus metrics for a key-share node.
// A nil *NodeMetrics is valid and records nothing.
type NodeMetrics struct {
	Registry *prometheus.Registry

	// Share store
	SharesWritten       prometheus.Counter
	IntegrityMismatches prometheus.Counter

	// Sync engine
	SyncPages       *prometheus.CounterVec // labels: peer, result
	SyncSessions    *prometheus.CounterVec // labels: result
	RepairQueueSize prometheus.Gauge

	// Directory
	PeerScore     *prometheus.GaugeVec // labels: peer
	PeerLatencyMs *prometheus.GaugeVec // labels: peer

	// Quote service
	Quotes *prometheus.CounterVec // labels: outcome

	// Auditor
	Gaps           prometheus.Gauge
	PersistentGaps prometheus.Gauge
	AuditCycles    prometheus.Counter
}

// New creates a registry with Go and process collectors and all node metrics
// labelled with the node id.
func New(nodeID string) *NodeMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	constLabels := prometheus.Labels{"node": nodeID}
	f := promauto.With(reg)

	return &NodeMetrics{
		Registry: reg,
		SharesWritten: f.NewCounter(prometheus.CounterOpts{
			Name:        "keyshare_shares_written_total",
			Help:        "Key-share records written to the local store",
			ConstLabels: constLabels,
		}),
		IntegrityMismatches: f.NewCounter(prometheus.CounterOpts{
			Name:        "keyshare_integrity_mismatches_total",
			Help:        "Puts rejected because the integrity tag did not match",
			ConstLabels: constLabels,
		}),
		SyncPages: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "keyshare_sync_pages_total",
			Help:        "Sync pages requested from peers",
			ConstLabels: constLabels,
		}, []string{"peer", "result"}),
		SyncSessions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "keyshare_sync_sessions_total",
			Help:        "Completed sync sessions by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		RepairQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name:        "keyshare_repair_queue_size",
			Help:        "Capsules waiting for repair",
			ConstLabels: constLabels,
		}),
		PeerScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "keyshare_peer_score",
			Help:        "Decayed reliability score per peer",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		PeerLatencyMs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "keyshare_peer_latency_ms",
			Help:        "Last observed latency per peer in milliseconds",
			ConstLabels: constLabels,
		}, []string{"peer"}),
		Quotes: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "keyshare_quotes_total",
			Help:        "Quote requests by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		Gaps: f.NewGauge(prometheus.GaugeOpts{
			Name:        "keyshare_gaps",
			Help:        "Capsules below threshold in the last audit",
			ConstLabels: constLabels,
		}),
		PersistentGaps: f.NewGauge(prometheus.GaugeOpts{
			Name:        "keyshare_persistent_gaps",
			Help:        "Gaps unresolved across the configured number of audit cycles",
			ConstLabels: constLabels,
		}),
		AuditCycles: f.NewCounter(prometheus.CounterOpts{
			Name:        "keyshare_audit_cycles_total",
			Help:        "Completed audit cycles",
			ConstLabels: constLabels,
		}),
	}
}

func (m *NodeMetrics) ShareWritten() {
	if m != nil {
		m.SharesWritten.Inc()
	}
}

func (m *NodeMetrics) IntegrityMismatch() {
	if m != nil {
		m.IntegrityMismatches.Inc()
	}
}

func (m *NodeMetrics) SyncPage(peer, result string) {
	if m != nil {
		m.SyncPages.WithLabelValues(peer, result).Inc()
	}
}

func (m *NodeMetrics) SyncSession(result string) {
	if m != nil {
		m.SyncSessions.WithLabelValues(result).Inc()
	}
}

func (m *NodeMetrics) SetRepairQueueSize(n int) {
	if m != nil {
		m.RepairQueueSize.Set(float64(n))
	}
}

func (m *NodeMetrics) ObservePeer(peer string, score float64, latencyMs float64) {
	if m != nil {
		m.PeerScore.WithLabelValues(peer).Set(score)
		m.PeerLatencyMs.WithLabelValues(peer).Set(latencyMs)
	}
}

func (m *NodeMetrics) Quote(outcome string) {
	if m != nil {
		m.Quotes.WithLabelValues(outcome).Inc()
	}
}

func (m *NodeMetrics) AuditCompleted(gaps, persistent int) {
	if m != nil {
		m.AuditCycles.Inc()
		m.Gaps.Set(float64(gaps))
		m.PersistentGaps.Set(float64(persistent))
	}
}
