package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	SendsTotal.Reset()
	SendsTotal.WithLabelValues(ResultOK).Inc()
	SendsTotal.WithLabelValues("recipient").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(SendsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(SendsTotal.WithLabelValues("recipient")))
	assert.Equal(t, 2, testutil.CollectAndCount(SendsTotal))
}

func TestHandlerExposesMetrics(t *testing.T) {
	PoolSessions.Reset()
	PoolSessions.WithLabelValues("test", "idle").Set(3)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mailer_pool_sessions{pool="test",state="idle"} 3`)
}
