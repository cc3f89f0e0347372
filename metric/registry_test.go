package metric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
)

func gather(t *testing.T, r *MetricsRegistry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNewMetricsRegistry_CoreMetrics(t *testing.T) {
	r := NewMetricsRegistry()
	require.NotNil(t, r.CoreMetrics())

	r.CoreMetrics().RecordRejected("malformed")
	r.CoreMetrics().RecordRejected("malformed")
	r.CoreMetrics().RecordReceived("subscribe")
	r.CoreMetrics().RecordNATSStatus(true)

	f := gather(t, r, "radar_dispatch_messages_rejected_total")
	require.NotNil(t, f)
	assert.Equal(t, 2.0, f.GetMetric()[0].GetCounter().GetValue())

	f = gather(t, r, "radar_nats_connected")
	require.NotNil(t, f)
	assert.Equal(t, 1.0, f.GetMetric()[0].GetGauge().GetValue())
}

func TestMetricsRegistry_RegisterDuplicate(t *testing.T) {
	r := NewMetricsRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "radar_test_total", Help: "test"})
	require.NoError(t, r.RegisterCounter("svc", "test", c))

	err := r.RegisterCounter("svc", "test", c)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "radar_test_total", Help: "test"})
	err = r.RegisterCounter("svc2", "test", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "prometheus name conflict is invalid input")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	r := NewMetricsRegistry()

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "radar_test_gauge", Help: "test"})
	require.NoError(t, r.RegisterGauge("svc", "gauge", g))

	assert.True(t, r.Unregister("svc", "gauge"))
	assert.False(t, r.Unregister("svc", "gauge"))
	require.NoError(t, r.RegisterGauge("svc", "gauge", g), "can register again after unregister")
}

func TestHandler_ServesExposition(t *testing.T) {
	r := NewMetricsRegistry()
	r.CoreMetrics().Connections.Set(3)

	rec := httptest.NewRecorder()
	Handler(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "radar_transport_connections 3"))
}
