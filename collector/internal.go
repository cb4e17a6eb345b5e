package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"healthwatch/lagmeter"
)

// InternalMetricsCollector polls the monitored application's self-reported
// metrics endpoint over loopback.
type InternalMetricsCollector struct {
	URL  string
	HTTP *http.Client
	Log  *zap.Logger
}

// NewInternalMetricsCollector returns a collector with a short client
// timeout; an overloaded application must not stall the cycle.
func NewInternalMetricsCollector(url string, timeout time.Duration, log *zap.Logger) *InternalMetricsCollector {
	return &InternalMetricsCollector{
		URL:  url,
		HTTP: &http.Client{Timeout: timeout},
		Log:  log.Named("internal"),
	}
}

func (c *InternalMetricsCollector) Name() string { return "internal" }

// Collect implements the Collector interface. On any failure all app_* keys
// are absent and only app_internal_error is set.
func (c *InternalMetricsCollector) Collect(ctx context.Context, _ bool) (Fragment, error) {
	fail := func(err error) (Fragment, error) {
		return Fragment{"app_internal_error": Str(truncate(err.Error(), 100))},
			fmt.Errorf("%w: internal metrics: %w", ErrUnavailable, err)
	}

	status, _, body, err := timedGet(ctx, c.HTTP, c.URL, "")
	if err != nil {
		return fail(err)
	}
	if status != http.StatusOK {
		return fail(fmt.Errorf("status %d", status))
	}

	var p lagmeter.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fail(fmt.Errorf("decode: %w", err))
	}
	return payloadFragment(p), nil
}

func payloadFragment(p lagmeter.Payload) Fragment {
	f := Fragment{}
	set := func(key string, v *float64) {
		if v != nil {
			f[key] = Num(*v)
		}
	}
	set("app_event_loop_lag_ms", p.EventLoopLagMs)
	set("app_event_loop_lag_avg_ms", p.EventLoopLagAvgMs)
	set("app_event_loop_lag_max_ms", p.EventLoopLagMaxMs)
	set("app_gc_gen0", p.GCCountGen0)
	set("app_gc_gen1", p.GCCountGen1)
	set("app_gc_gen2", p.GCCountGen2)
	set("app_gc_objects", p.GCObjectsTracked)
	set("app_thread_count", p.ThreadCount)
	set("app_tasks", p.TasksCount)
	set("app_tasks_pending", p.TasksPending)
	set("app_uptime_seconds", p.UptimeSeconds)
	set("app_api_latency_ms", p.APILatencyMs)
	set("app_api_latency_avg_ms", p.APILatencyAvgMs)
	set("app_api_latency_max_ms", p.APILatencyMaxMs)
	if p.APIError != nil {
		f["app_api_error"] = Str(truncate(*p.APIError, 100))
	}
	return f
}

// truncate caps s at n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
