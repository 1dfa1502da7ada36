package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *NodeMetrics
	assert.NotPanics(t, func() {
		m.ShareWritten()
		m.IntegrityMismatch()
		m.SyncPage("peer", "ok")
		m.SyncSession("ok")
		m.SetRepairQueueSize(3)
		m.ObservePeer("peer", 0.5, 12)
		m.Quote("ok")
		m.AuditCompleted(1, 0)
	})
}

func TestNodeMetrics(t *testing.T) {
	m := New("node-a")

	m.ShareWritten()
	m.ShareWritten()
	m.Quote("rate_limited")
	m.AuditCompleted(4, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SharesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Quotes.WithLabelValues("rate_limited")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Gaps))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistentGaps))

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `keyshare_shares_written_total{node="node-a"} 2`)
}
