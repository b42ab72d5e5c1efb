// ABOUTME: Tests for the Prometheus collector wrapper.
// ABOUTME: Verifies recording, nil safety and the exposition handler.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ChainOutcome("request", "reject")
	c.ChainOutcome("request", "reject")
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.BackendMessage("nats", "sent")
	c.CacheLookup("hit")
	c.RateLimited()
	c.ObserveLatency("getColor", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chainOutcomes.WithLabelValues("request", "reject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.openConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.backendMessages.WithLabelValues("nats", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimited))
	assert.Equal(t, 1, testutil.CollectAndCount(c.requestLatency))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ChainOutcome("request", "continue")
		c.ConnectionOpened()
		c.ConnectionClosed()
		c.BackendMessage("http", "sent")
		c.ObserveLatency("m", time.Second)
		c.CacheLookup("miss")
		c.RateLimited()
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.RateLimited()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relaygate_rate_limited_total 1")
}
