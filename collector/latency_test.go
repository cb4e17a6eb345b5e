package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDelivery struct {
	send, delivery time.Duration
	err            error
}

func (f fakeDelivery) CheckDelivery(context.Context) (time.Duration, time.Duration, error) {
	return f.send, f.delivery, f.err
}

func apiServer(t *testing.T, delay time.Duration, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/me" && r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		time.Sleep(delay)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLatencyProbeRelayVsDirect(t *testing.T) {
	relay := apiServer(t, 120*time.Millisecond, http.StatusOK)
	direct := apiServer(t, 0, http.StatusOK)

	p := NewLatencyProbe(ProbeTarget{DirectBase: direct.URL, RelayBase: relay.URL, Path: "/v1/me", Token: "s3cret"},
		2*time.Second, fakeDelivery{send: 80 * time.Millisecond, delivery: 450 * time.Millisecond}, zap.NewNop())

	f, err := p.Collect(context.Background(), true)
	require.NoError(t, err)

	relayMs, ok := f["relay_api_ms"].Float()
	require.True(t, ok)
	directMs, ok := f["direct_api_ms"].Float()
	require.True(t, ok)
	assert.GreaterOrEqual(t, relayMs, 120.0)
	assert.Less(t, directMs, relayMs)
	assert.Contains(t, f, "api_connectivity_ms")
	d, _ := f["api_delivery_ms"].Float()
	assert.Equal(t, 450.0, d)
	assert.NotContains(t, f, "relay_api_error")
}

func TestLatencyProbeErrorsAreKeys(t *testing.T) {
	relay := apiServer(t, 0, http.StatusBadGateway)
	direct := apiServer(t, 0, http.StatusOK)
	direct.Close() // unreachable

	p := NewLatencyProbe(ProbeTarget{DirectBase: direct.URL, RelayBase: relay.URL, Path: "v1/me", Token: "s3cret"},
		time.Second, fakeDelivery{err: errors.New("message not observed")}, zap.NewNop())

	f, err := p.Collect(context.Background(), true)
	require.NoError(t, err, "network failures never fail the probe")

	msg, _ := f["relay_api_error"].Text()
	assert.Equal(t, "HTTP 502", msg)
	assert.Contains(t, f, "direct_api_error")
	assert.Contains(t, f, "api_connectivity_error")
	assert.Contains(t, f, "api_delivery_error")
	for _, k := range []string{"relay_api_ms", "direct_api_ms", "api_connectivity_ms", "api_delivery_ms", "api_send_ms"} {
		assert.NotContains(t, f, k)
	}
}

func TestLatencyProbeConnectivityAcceptsAnyStatus(t *testing.T) {
	direct := apiServer(t, 0, http.StatusNotFound)
	p := NewLatencyProbe(ProbeTarget{DirectBase: direct.URL}, time.Second, nil, zap.NewNop())

	f, err := p.Collect(context.Background(), true)
	require.NoError(t, err)
	assert.Contains(t, f, "api_connectivity_ms")
}

func TestResponseProbe(t *testing.T) {
	ok := apiServer(t, 20*time.Millisecond, http.StatusOK)
	f, err := NewResponseProbe(ok.URL, time.Second).Collect(context.Background(), false)
	require.NoError(t, err)
	ms, _ := f["response_time_ms"].Float()
	assert.GreaterOrEqual(t, ms, 20.0)

	broken := apiServer(t, 0, http.StatusInternalServerError)
	f, err = NewResponseProbe(broken.URL, time.Second).Collect(context.Background(), false)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, f, "response_time_ms")
	assert.Contains(t, f, "response_error")
}
