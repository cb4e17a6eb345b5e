// Package diagnosis turns a merged sample and its rolling windows into a
// ranked list of findings.
package diagnosis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"healthwatch/collector"
)

// Severity of a finding. Critical ranks first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	}
	return 3
}

// Finding is one diagnosed problem. Findings are recomputed on every
// evaluation and carry no state of their own.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Metrics  []string `json:"metrics"`
}

// Thresholds tunes the default rule set.
type Thresholds struct {
	SwapCriticalPercent    float64
	IowaitPercent          float64
	IowaitCriticalPercent  float64
	LagMs                  float64
	LagStalledMs           float64
	OldestQuerySeconds     float64
	CloseWait              float64
	CPUPercent             float64
	MemoryPercent          float64
	DiskPercent            float64
	DiskCriticalPercent    float64
	FDPercent              float64
	SlowResponseMs         float64
	StalledResponseMs      float64
	HighResponseMs         float64 // response time considered "high" by composite rules
	HighLatencyMs          float64 // relay/direct/app API latency considered "high"
	TrendSamples           int
	CollectorFailureStreak int
}

// DefaultThresholds mirrors the values operators expect out of the box.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SwapCriticalPercent:    50,
		IowaitPercent:          10,
		IowaitCriticalPercent:  30,
		LagMs:                  50,
		LagStalledMs:           1000,
		OldestQuerySeconds:     30,
		CloseWait:              50,
		CPUPercent:             90,
		MemoryPercent:          90,
		DiskPercent:            90,
		DiskCriticalPercent:    97,
		FDPercent:              80,
		SlowResponseMs:         10000,
		StalledResponseMs:      30000,
		HighResponseMs:         3000,
		HighLatencyMs:          1000,
		TrendSamples:           5,
		CollectorFailureStreak: 3,
	}
}

// Engine evaluates an ordered rule set. It holds no state between calls.
type Engine struct {
	rules []Rule
}

// New returns an engine over rules, evaluated in the given order.
func New(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefault returns an engine with the built-in rules.
func NewDefault(th Thresholds) *Engine {
	return New(DefaultRules(th)...)
}

// Rules returns the rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// TrendMetrics lists the keys trend rules watch. Their windows must span
// enough cycles for a trend to show.
func (e *Engine) TrendMetrics() []string {
	var keys []string
	for _, r := range e.rules {
		if t, ok := r.(TrendRule); ok {
			keys = append(keys, t.Metric)
		}
	}
	return keys
}

// Evaluate runs every rule and returns the findings ordered by severity.
// Findings of equal severity keep rule order.
func (e *Engine) Evaluate(in Input) []Finding {
	if in.Sample == nil {
		return []Finding{}
	}
	out := []Finding{}
	for _, r := range e.rules {
		out = append(out, r.Evaluate(in)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.rank() < out[j].Severity.rank()
	})
	return out
}

// Worst returns the most severe level among findings, or "" when empty.
func Worst(findings []Finding) Severity {
	var worst Severity
	for _, f := range findings {
		if worst == "" || f.Severity.rank() < worst.rank() {
			worst = f.Severity
		}
	}
	return worst
}

// DefaultRules builds the built-in rule set.
func DefaultRules(th Thresholds) []Rule {
	return []Rule{
		ThresholdRule{
			RuleCode: "swap_active",
			Metric:   "swap_percent",
			Levels: []Level{
				{Op: OpGT, Target: 0, Severity: SeverityWarning},
				{Op: OpGE, Target: th.SwapCriticalPercent, Severity: SeverityCritical},
			},
			Message: "swap in use at %.1f%%, memory access latency is degraded",
			Detail:  bytesDetail("swap_used_bytes", "used"),
		},
		ThresholdRule{
			RuleCode: "disk_bound",
			Metric:   "iowait_percent",
			Levels: []Level{
				{Op: OpGT, Target: th.IowaitPercent, Severity: SeverityWarning},
				{Op: OpGT, Target: th.IowaitCriticalPercent, Severity: SeverityCritical},
			},
			Message: "CPU waiting on disk I/O %.1f%% of the time",
		},
		ThresholdRule{
			RuleCode: "event_loop_overloaded",
			Metric:   "app_event_loop_lag_ms",
			Levels: []Level{
				{Op: OpGT, Target: th.LagMs, Severity: SeverityWarning},
				{
					Op: OpGT, Target: th.LagStalledMs, Severity: SeverityCritical,
					Code:    "event_loop_stalled",
					Message: "application scheduler stalled, work delayed by %.0f ms",
				},
			},
			Message: "application scheduler overloaded, work delayed by %.0f ms",
		},
		CompositeRule{RuleCode: "db_contention", Fn: dbContention},
		ThresholdRule{
			RuleCode: "runaway_query",
			Metric:   "pg_oldest_query_seconds",
			Levels:   []Level{{Op: OpGT, Target: th.OldestQuerySeconds, Severity: SeverityWarning}},
			Message:  "oldest active query has been running for %.0f s",
		},
		ThresholdRule{
			RuleCode: "long_queries",
			Metric:   "pg_long_queries",
			Levels:   []Level{{Op: OpGT, Target: 0, Severity: SeverityInfo}},
			Message:  "%.0f queries running longer than the long-query threshold",
		},
		ThresholdRule{
			RuleCode: "idle_in_transaction",
			Metric:   "pg_idle_in_transaction",
			Levels:   []Level{{Op: OpGT, Target: 0, Severity: SeverityWarning}},
			Message:  "%.0f sessions idle in an open transaction, holding locks",
		},
		ThresholdRule{
			RuleCode: "connection_leak",
			Metric:   "close_wait_count",
			Levels:   []Level{{Op: OpGT, Target: th.CloseWait, Severity: SeverityWarning}},
			Message:  "%.0f sockets stuck in CLOSE_WAIT, connections are not being closed",
		},
		TrendRule{
			RuleCode:   "possible_memory_leak",
			Metric:     "app_gc_objects",
			MinSamples: th.TrendSamples,
			Severity:   SeverityWarning,
			Message:    "tracked objects grew from %.0f to %.0f across %d samples",
		},
		TrendRule{
			RuleCode:   "possible_task_leak",
			Metric:     "app_tasks_pending",
			MinSamples: th.TrendSamples,
			Severity:   SeverityWarning,
			Message:    "pending tasks grew from %.0f to %.0f across %d samples",
		},
		ThresholdRule{
			RuleCode: "cpu_saturated",
			Metric:   "cpu_percent",
			Levels:   []Level{{Op: OpGT, Target: th.CPUPercent, Severity: SeverityWarning}},
			Message:  "CPU at %.1f%%",
		},
		ThresholdRule{
			RuleCode: "memory_pressure",
			Metric:   "memory_percent",
			Levels:   []Level{{Op: OpGT, Target: th.MemoryPercent, Severity: SeverityWarning}},
			Message:  "memory at %.1f%%",
			Detail:   bytesDetail("memory_available_bytes", "available"),
		},
		ThresholdRule{
			RuleCode: "disk_full",
			Metric:   "disk_percent",
			Levels: []Level{
				{Op: OpGT, Target: th.DiskPercent, Severity: SeverityWarning},
				{Op: OpGT, Target: th.DiskCriticalPercent, Severity: SeverityCritical},
			},
			Message: "primary volume %.1f%% full",
			Detail:  bytesDetail("disk_free_bytes", "free"),
		},
		CompositeRule{RuleCode: "fd_exhaustion", Fn: fdExhaustion(th)},
		ThresholdRule{
			RuleCode: "slow_response",
			Metric:   "response_time_ms",
			Levels: []Level{
				{Op: OpGE, Target: th.SlowResponseMs, Severity: SeverityWarning},
				{Op: OpGE, Target: th.StalledResponseMs, Severity: SeverityCritical},
			},
			Message: "service answered in %.0f ms",
		},
		CompositeRule{RuleCode: "differential_latency", Fn: differentialLatency(th)},
		CompositeRule{RuleCode: "application_stalled", Fn: applicationStalled(th)},
		CompositeRule{RuleCode: "collector_unavailable", Fn: collectorUnavailable(th)},
	}
}

func bytesDetail(key, label string) func(*collector.Sample) string {
	return func(s *collector.Sample) string {
		v, ok := s.Float(key)
		if !ok || v < 0 {
			return ""
		}
		return humanize.IBytes(uint64(v)) + " " + label
	}
}

func dbContention(in Input) []Finding {
	waits, wok := in.Sample.Float("pg_lock_waits")
	blocked, bok := in.Sample.Float("pg_blocked_queries")
	if !(wok && waits > 0) && !(bok && blocked > 0) {
		return nil
	}
	var parts, keys []string
	if bok {
		parts = append(parts, fmt.Sprintf("%.0f blocked queries", blocked))
		keys = append(keys, "pg_blocked_queries")
	}
	if wok {
		parts = append(parts, fmt.Sprintf("%.0f sessions waiting on locks", waits))
		keys = append(keys, "pg_lock_waits")
	}
	return []Finding{{
		Severity: SeverityWarning,
		Code:     "db_contention",
		Message:  "database lock contention: " + strings.Join(parts, ", "),
		Metrics:  keys,
	}}
}

func fdExhaustion(th Thresholds) func(Input) []Finding {
	return func(in Input) []Finding {
		var out []Finding
		for _, p := range []string{"app", "relay"} {
			key := p + "_fd_used_percent"
			v, ok := in.Sample.Float(key)
			if !ok || v <= th.FDPercent {
				continue
			}
			out = append(out, Finding{
				Severity: SeverityWarning,
				Code:     "fd_exhaustion",
				Message:  fmt.Sprintf("%s process uses %.1f%% of its file descriptor limit", p, v),
				Metrics:  []string{key, p + "_fd_count", p + "_fd_limit"},
			})
		}
		return out
	}
}

// differentialLatency localises slowness by comparing the same API call made
// through the relay and directly.
func differentialLatency(th Thresholds) func(Input) []Finding {
	return func(in Input) []Finding {
		s := in.Sample
		relay, relayOK := s.Float("relay_api_ms")
		direct, directOK := s.Float("direct_api_ms")
		relayErr := s.Has("relay_api_error")
		directErr := s.Has("direct_api_error")
		keys := []string{"relay_api_ms", "direct_api_ms"}

		switch {
		case relayErr && directErr:
			return []Finding{{
				Severity: SeverityCritical,
				Code:     "upstream_unreachable",
				Message:  "external API unreachable both through the relay and directly",
				Metrics:  []string{"relay_api_error", "direct_api_error"},
			}}
		case relayErr && directOK:
			return []Finding{{
				Severity: SeverityCritical,
				Code:     "intermediary_unreachable",
				Message:  fmt.Sprintf("relay failing while the direct call answers in %.0f ms", direct),
				Metrics:  []string{"relay_api_error", "direct_api_ms"},
			}}
		case !relayOK || !directOK:
			return nil
		}

		relayHigh := relay >= th.HighLatencyMs
		directHigh := direct >= th.HighLatencyMs
		switch {
		case relayHigh && !directHigh:
			return []Finding{{
				Severity: SeverityWarning,
				Code:     "intermediary_bottleneck",
				Message:  fmt.Sprintf("relay adds latency: %.0f ms through relay vs %.0f ms direct", relay, direct),
				Metrics:  keys,
			}}
		case relayHigh && directHigh:
			return []Finding{{
				Severity: SeverityWarning,
				Code:     "upstream_degraded",
				Message:  fmt.Sprintf("external API or network path degraded: %.0f ms through relay, %.0f ms direct", relay, direct),
				Metrics:  keys,
			}}
		}

		// both paths fast: look for slowness the application reports itself
		if v, ok := s.Float("response_time_ms"); ok && v >= th.HighResponseMs {
			return []Finding{applicationBottleneck(relay, direct, "response time", v, append(keys, "response_time_ms"))}
		}
		if v, ok := s.Float("app_api_latency_ms"); ok && v >= th.HighLatencyMs {
			return []Finding{applicationBottleneck(relay, direct, "API latency seen by the application", v, append(keys, "app_api_latency_ms"))}
		}
		return nil
	}
}

func applicationBottleneck(relay, direct float64, what string, v float64, keys []string) Finding {
	return Finding{
		Severity: SeverityWarning,
		Code:     "application_bottleneck",
		Message: fmt.Sprintf("network paths are fast (%.0f ms relay, %.0f ms direct) but %s is %.0f ms, bottleneck is inside the application",
			relay, direct, what, v),
		Metrics: keys,
	}
}

// applicationStalled infers a stall when the application cannot even serve
// its own metrics while its responses are slow or failing.
func applicationStalled(th Thresholds) func(Input) []Finding {
	return func(in Input) []Finding {
		s := in.Sample
		if !s.Has("app_internal_error") {
			return nil
		}
		if v, ok := s.Float("response_time_ms"); ok && v >= th.HighResponseMs {
			return []Finding{{
				Severity: SeverityCritical,
				Code:     "application_stalled",
				Message:  fmt.Sprintf("internal metrics unanswered and responses take %.0f ms, application appears stalled", v),
				Metrics:  []string{"app_internal_error", "response_time_ms"},
			}}
		}
		if s.Has("response_error") {
			return []Finding{{
				Severity: SeverityCritical,
				Code:     "application_stalled",
				Message:  "internal metrics unanswered and the service does not respond, application appears stalled",
				Metrics:  []string{"app_internal_error", "response_error"},
			}}
		}
		return nil
	}
}

func collectorUnavailable(th Thresholds) func(Input) []Finding {
	return func(in Input) []Finding {
		names := make([]string, 0, len(in.Streaks))
		for name, n := range in.Streaks {
			if n >= th.CollectorFailureStreak {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		out := make([]Finding, 0, len(names))
		for _, name := range names {
			out = append(out, Finding{
				Severity: SeverityWarning,
				Code:     "collector_unavailable",
				Message:  fmt.Sprintf("collector %s failed %d consecutive cycles", name, in.Streaks[name]),
				Metrics:  []string{},
			})
		}
		return out
	}
}
