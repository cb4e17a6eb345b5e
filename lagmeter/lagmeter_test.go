package lagmeter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Millisecond)
	}
}

func TestSnapshotLagStats(t *testing.T) {
	m := New(100*time.Millisecond, 3, zap.NewNop())
	m.now = fixedClock(time.Now())

	for _, d := range []time.Duration{5 * time.Millisecond, 40 * time.Millisecond, 12 * time.Millisecond, 3 * time.Millisecond} {
		m.record(d)
	}

	p := m.Snapshot()
	require.NotNil(t, p.EventLoopLagMs)
	assert.Equal(t, 3.0, *p.EventLoopLagMs)
	// history of 3 dropped the first sample
	assert.Equal(t, 40.0, *p.EventLoopLagMaxMs)
	assert.Equal(t, 18.33, *p.EventLoopLagAvgMs)
	assert.Nil(t, p.GCCountGen2)
	assert.NotNil(t, p.GCCountGen0)
	assert.NotNil(t, p.TasksCount)
}

func TestSnapshotBeforeFirstSample(t *testing.T) {
	m := New(time.Second, 10, zap.NewNop())
	p := m.Snapshot()
	assert.Nil(t, p.EventLoopLagMs)
	assert.Nil(t, p.APILatencyMs)
	assert.Nil(t, p.APIError)
	require.NotNil(t, p.UptimeSeconds)
}

func TestRecordAPILatency(t *testing.T) {
	m := New(time.Second, 10, zap.NewNop())
	m.now = fixedClock(time.Now())

	m.RecordAPILatency(200*time.Millisecond, nil)
	m.RecordAPILatency(0, errors.New("connection reset"))

	p := m.Snapshot()
	require.NotNil(t, p.APIError)
	assert.Equal(t, "connection reset", *p.APIError)
	assert.Equal(t, 200.0, *p.APILatencyMs)

	m.RecordAPILatency(400*time.Millisecond, nil)
	p = m.Snapshot()
	assert.Nil(t, p.APIError)
	assert.Equal(t, 300.0, *p.APILatencyAvgMs)
	assert.Equal(t, 400.0, *p.APILatencyMaxMs)
}

func TestPendingTasks(t *testing.T) {
	m := New(time.Second, 10, zap.NewNop())
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		m.Go(func() { <-release })
	}
	assert.Equal(t, 3.0, *m.Snapshot().TasksPending)

	close(release)
	assert.Eventually(t, func() bool {
		return *m.Snapshot().TasksPending == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRunRecordsSamples(t *testing.T) {
	m := New(5*time.Millisecond, 50, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, func() bool {
		return m.Snapshot().EventLoopLagMs != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerOmitsUnreportedFields(t *testing.T) {
	m := New(time.Second, 10, zap.NewNop())
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.NotContains(t, raw, "event_loop_lag_ms")
	assert.NotContains(t, raw, "gc_count_gen2")
	assert.Contains(t, raw, "tasks_count")
	assert.Contains(t, raw, "uptime_seconds")
}
