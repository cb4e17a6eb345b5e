package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInternalMetricsMapsPresentFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"event_loop_lag_ms": 1200.5, "gc_objects_tracked": 51234, "tasks_pending": 3, "api_error": "timeout"}`))
	}))
	defer srv.Close()

	c := NewInternalMetricsCollector(srv.URL, 300*time.Millisecond, zap.NewNop())
	f, err := c.Collect(context.Background(), false)
	require.NoError(t, err)

	lag, _ := f["app_event_loop_lag_ms"].Float()
	assert.Equal(t, 1200.5, lag)
	objs, _ := f["app_gc_objects"].Float()
	assert.Equal(t, 51234.0, objs)
	txt, _ := f["app_api_error"].Text()
	assert.Equal(t, "timeout", txt)
	assert.NotContains(t, f, "app_event_loop_lag_avg_ms")
	assert.NotContains(t, f, "app_gc_gen2")
	assert.NotContains(t, f, "app_internal_error")
	assert.Len(t, f, 4)
}

func TestInternalMetricsTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewInternalMetricsCollector(srv.URL, 50*time.Millisecond, zap.NewNop())
	start := time.Now()
	f, err := c.Collect(context.Background(), false)
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, f, 1)
	assert.Contains(t, f, "app_internal_error")
}

func TestInternalMetricsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := NewInternalMetricsCollector(srv.URL, time.Second, zap.NewNop()).Collect(context.Background(), false)
	assert.ErrorIs(t, err, ErrUnavailable)
	msg, _ := f["app_internal_error"].Text()
	assert.Equal(t, "status 503", msg)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// "é" is two bytes; a cut at 100 would land inside the 50th one
	s := "x" + strings.Repeat("é", 60)
	got := truncate(s, 100)
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, got, 99)

	assert.Equal(t, "", truncate("日本", 2))
}
