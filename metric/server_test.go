package metric

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jingxuan97/Pneumatic/health"
)

func TestRegistry_Exposition(t *testing.T) {
	reg := NewRegistry()
	m := reg.Metrics()

	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Set(3)
	m.MessagesIngested.WithLabelValues("created").Inc()
	m.BroadcastPublished.WithLabelValues("local").Inc()
	m.TransportConnected.Set(0)

	srv := httptest.NewServer(promhttp.HandlerFor(reg.PrometheusRegistry(), promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "pneumatic_websocket_connections_total 1")
	assert.Contains(t, text, "pneumatic_websocket_connections_active 3")
	assert.Contains(t, text, `pneumatic_ingest_messages_total{result="created"} 1`)
	assert.Contains(t, text, `pneumatic_broadcast_published_total{path="local"} 1`)
	assert.Contains(t, text, "pneumatic_transport_connected 0")
}

func TestHealthzStatusCodes(t *testing.T) {
	monitor := health.NewMonitor()
	s := NewServer(":0", NewRegistry(), monitor)

	get := func() (int, health.Status) {
		rec := httptest.NewRecorder()
		s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var st health.Status
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
		return rec.Code, st
	}

	monitor.UpdateHealthy("broadcast", "ok")
	code, st := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", st.Status)

	// Degraded capability keeps serving: still 200.
	monitor.UpdateDegraded("broadcast", "transport unreachable, local-only fanout")
	code, st = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", st.Status)
	require.Len(t, st.SubStatuses, 1)
	assert.True(t, strings.Contains(st.SubStatuses[0].Message, "local-only"))

	monitor.UpdateUnhealthy("store", "badger dir unwritable")
	code, st = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", st.Status)
}
