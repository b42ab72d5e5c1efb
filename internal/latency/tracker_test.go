// ABOUTME: Tests for the latency tracker plugin
// ABOUTME: Uses a fake clock and a private registry to check observed durations

package latency

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relaygate/internal/metrics"
	"github.com/2389/relaygate/internal/routing"
)

type nopTransport struct{}

func (nopTransport) Send(context.Context, routing.Payload) error { return nil }
func (nopTransport) Close() error                                  { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTracker_ObservesElapsed(t *testing.T) {
	now := time.Unix(1000, 0)
	reg := prometheus.NewRegistry()
	tr := New(10, time.Minute,
		WithClock(func() time.Time { return now }),
		WithMetrics(metrics.New(reg)),
		WithLogger(testLogger()))
	defer tr.Close()

	conn := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	req := routing.NewRequest(conn, routing.NewPayload([]byte(`{"method":"getColor"}`)))

	out, err := tr.HandleRequest(t.Context(), req)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, tr.Inflight())

	now = now.Add(250 * time.Millisecond)
	_, err = tr.HandleResponse(t.Context(), routing.NewResponse(conn, routing.NewPayload([]byte(`{}`)), req.ID))
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Inflight())

	expected := `
# HELP relaygate_request_latency_seconds Time between a request and its response
# TYPE relaygate_request_latency_seconds histogram
relaygate_request_latency_seconds_bucket{method="getColor",le="0.001"} 0
relaygate_request_latency_seconds_bucket{method="getColor",le="0.005"} 0
relaygate_request_latency_seconds_bucket{method="getColor",le="0.01"} 0
relaygate_request_latency_seconds_bucket{method="getColor",le="0.05"} 0
relaygate_request_latency_seconds_bucket{method="getColor",le="0.1"} 0
relaygate_request_latency_seconds_bucket{method="getColor",le="0.5"} 1
relaygate_request_latency_seconds_bucket{method="getColor",le="1"} 1
relaygate_request_latency_seconds_bucket{method="getColor",le="2"} 1
relaygate_request_latency_seconds_bucket{method="getColor",le="5"} 1
relaygate_request_latency_seconds_bucket{method="getColor",le="10"} 1
relaygate_request_latency_seconds_bucket{method="getColor",le="+Inf"} 1
relaygate_request_latency_seconds_sum{method="getColor"} 0.25
relaygate_request_latency_seconds_count{method="getColor"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "relaygate_request_latency_seconds"))
}

func TestTracker_ExpiredAndUnknown(t *testing.T) {
	now := time.Unix(1000, 0)
	reg := prometheus.NewRegistry()
	tr := New(10, time.Second,
		WithClock(func() time.Time { return now }),
		WithMetrics(metrics.New(reg)),
		WithLogger(testLogger()))
	defer tr.Close()

	conn := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	req := routing.NewRequest(conn, routing.NewPayload([]byte(`{}`)))
	_, err := tr.HandleRequest(t.Context(), req)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = tr.HandleResponse(t.Context(), routing.NewResponse(conn, routing.NewPayload(nil), req.ID))
	require.NoError(t, err)
	_, err = tr.HandleResponse(t.Context(), routing.NewResponse(conn, routing.NewPayload(nil), "never-seen"))
	require.NoError(t, err)
	_, err = tr.HandleResponse(t.Context(), routing.NewResponse(conn, routing.NewPayload(nil), ""))
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "relaygate_request_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTracker_BoundedInflight(t *testing.T) {
	tr := New(2, time.Minute, WithLogger(testLogger()))
	defer tr.Close()

	conn := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	for range 5 {
		_, err := tr.HandleRequest(t.Context(), routing.NewRequest(conn, routing.NewPayload([]byte(`{}`))))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, tr.Inflight())
}

func TestFieldMethod(t *testing.T) {
	conn := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	fn := FieldMethod("op")
	assert.Equal(t, "put", fn(routing.NewRequest(conn, routing.NewPayload([]byte(`{"op":"put"}`)))))
	assert.Equal(t, "unknown", fn(routing.NewRequest(conn, routing.NewPayload([]byte(`plain`)))))
}
