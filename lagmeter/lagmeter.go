// Package lagmeter is embedded in a monitored Go service. It measures how
// late the runtime schedules work and serves that, together with GC and
// goroutine counts, as a small JSON document the health monitor polls.
package lagmeter

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"healthwatch/window"
)

// Payload is the wire format of the internal metrics endpoint. Every field
// is optional; consumers must treat a missing field as "not reported".
type Payload struct {
	EventLoopLagMs    *float64 `json:"event_loop_lag_ms,omitempty"`
	EventLoopLagMaxMs *float64 `json:"event_loop_lag_max_ms,omitempty"`
	EventLoopLagAvgMs *float64 `json:"event_loop_lag_avg_ms,omitempty"`
	GCCountGen0       *float64 `json:"gc_count_gen0,omitempty"`
	GCCountGen1       *float64 `json:"gc_count_gen1,omitempty"`
	GCCountGen2       *float64 `json:"gc_count_gen2,omitempty"`
	GCObjectsTracked  *float64 `json:"gc_objects_tracked,omitempty"`
	ThreadCount       *float64 `json:"thread_count,omitempty"`
	TasksCount        *float64 `json:"tasks_count,omitempty"`
	TasksPending      *float64 `json:"tasks_pending,omitempty"`
	UptimeSeconds     *float64 `json:"uptime_seconds,omitempty"`
	APILatencyMs      *float64 `json:"api_latency_ms,omitempty"`
	APILatencyAvgMs   *float64 `json:"api_latency_avg_ms,omitempty"`
	APILatencyMaxMs   *float64 `json:"api_latency_max_ms,omitempty"`
	APIError          *string  `json:"api_error,omitempty"`
}

// Meter samples scheduling delay on a fixed interval.
type Meter struct {
	interval time.Duration
	started  time.Time
	log      *zap.Logger

	mu      sync.Mutex
	lag     *window.Window
	api     *window.Window
	apiErr  string
	pending atomic.Int64

	// now is swapped in tests
	now func() time.Time
}

// New returns a meter sampling every interval and keeping the last history
// lag samples. API latency samples are kept for the same count.
func New(interval time.Duration, history int, log *zap.Logger) *Meter {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Meter{
		interval: interval,
		started:  time.Now(),
		log:      log.Named("lagmeter"),
		lag:      window.New(0, history),
		api:      window.New(0, history),
		now:      time.Now,
	}
}

// Run samples until ctx is cancelled. Each tick a fresh goroutine is
// scheduled and the delay between the tick being due and that goroutine
// actually running is recorded.
func (m *Meter) Run(ctx context.Context) {
	m.log.Info("lag meter started", zap.Duration("interval", m.interval))
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	due := time.Now().Add(m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d := due
		go func() { m.record(time.Since(d)) }()
		due = time.Now().Add(m.interval)
		timer.Reset(m.interval)
	}
}

func (m *Meter) record(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.mu.Lock()
	m.lag.Add(m.now(), float64(lag.Microseconds())/1000)
	m.mu.Unlock()
}

// RecordAPILatency stores the latency of an outbound API call made by the
// host service. A non-nil err is remembered as the last API error.
func (m *Meter) RecordAPILatency(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.apiErr = err.Error()
		return
	}
	m.apiErr = ""
	m.api.Add(m.now(), float64(d.Microseconds())/1000)
}

// Go runs fn in a goroutine counted as a pending task until it returns.
func (m *Meter) Go(fn func()) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Add(-1)
		fn()
	}()
}

// Snapshot builds the current payload.
func (m *Meter) Snapshot() Payload {
	var p Payload

	m.mu.Lock()
	if last, ok := m.lag.Last(); ok {
		p.EventLoopLagMs = ptr(round2(last.Value))
	}
	if s, ok := m.lag.Summary(); ok {
		p.EventLoopLagAvgMs = ptr(round2(s.Avg))
		p.EventLoopLagMaxMs = ptr(round2(s.Max))
	}
	if last, ok := m.api.Last(); ok {
		p.APILatencyMs = ptr(round2(last.Value))
	}
	if s, ok := m.api.Summary(); ok {
		p.APILatencyAvgMs = ptr(round2(s.Avg))
		p.APILatencyMaxMs = ptr(round2(s.Max))
	}
	if m.apiErr != "" {
		e := m.apiErr
		p.APIError = &e
	}
	m.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	p.GCCountGen0 = ptr(float64(ms.NumGC))
	p.GCCountGen1 = ptr(float64(ms.NumForcedGC))
	p.GCObjectsTracked = ptr(float64(ms.HeapObjects))
	if tc := pprof.Lookup("threadcreate"); tc != nil {
		p.ThreadCount = ptr(float64(tc.Count()))
	}
	p.TasksCount = ptr(float64(runtime.NumGoroutine()))
	p.TasksPending = ptr(float64(m.pending.Load()))
	p.UptimeSeconds = ptr(round2(m.now().Sub(m.started).Seconds()))
	return p
}

// Handler serves the payload as JSON.
func (m *Meter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Snapshot()); err != nil {
			m.log.Warn("write internal metrics", zap.Error(err))
		}
	})
}

func ptr[T any](v T) *T { return &v }

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
