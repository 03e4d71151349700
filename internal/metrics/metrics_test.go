package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-secure-chat/internal/metrics"
)

func TestMetrics_HandlerExposesCollectors(t *testing.T) {
	m := metrics.New()
	m.Sessions.Inc()
	m.Recalls.WithLabelValues("ok").Inc()
	m.Frames.WithLabelValues("TEXT").Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Frames.WithLabelValues("TEXT")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "securechat_sessions 1")
	assert.Contains(t, string(body), `securechat_recalls_total{result="ok"} 1`)
}

func TestMetrics_InstancesAreIndependent(t *testing.T) {
	a := metrics.New()
	b := metrics.New()
	a.Sessions.Inc()
	assert.Zero(t, testutil.ToFloat64(b.Sessions))
}
