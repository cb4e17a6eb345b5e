package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"healthwatch/collector"
	"healthwatch/diagnosis"
)

func TestCounterRate(t *testing.T) {
	cases := []struct {
		name      string
		prev, cur float64
		elapsed   time.Duration
		want      float64
		ok        bool
	}{
		{"steady", 1024, 1024 * 11, 10 * time.Second, 1, true},
		{"idle", 5000, 5000, time.Second, 0, true},
		{"fractional", 0, 1536, 2 * time.Second, 0.75, true},
		{"reset", 1 << 30, 4096, 10 * time.Second, 0, false},
		{"zero interval", 0, 1024, 0, 0, false},
		{"clock went back", 0, 1024, -time.Second, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := counterRate(tc.prev, tc.cur, tc.elapsed)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
		})
	}
}

func TestDeriveRatesAfterReset(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := map[string]counterPoint{}
	at := func(d time.Duration, recv, sout float64) *collector.Sample {
		return collector.NewSample(t0.Add(d), false, collector.Fragment{
			"net_bytes_recv": collector.Num(recv),
			"swap_sout":      collector.Num(sout),
		})
	}

	assert.Empty(t, deriveRates(at(0, 10240, 0), prev))

	f := deriveRates(at(10*time.Second, 20480, 2048), prev)
	rx, _ := f["net_rx_kb_s"].Float()
	assert.Equal(t, 1.0, rx)
	so, _ := f["swap_out_kb_s"].Float()
	assert.Equal(t, 0.2, so)

	// reboot: counters start over, no rate this cycle, baseline moves
	f = deriveRates(at(20*time.Second, 1024, 2048), prev)
	assert.NotContains(t, f, "net_rx_kb_s")
	assert.Contains(t, f, "swap_out_kb_s")

	f = deriveRates(at(30*time.Second, 11264, 2048), prev)
	rx, _ = f["net_rx_kb_s"].Float()
	assert.Equal(t, 1.0, rx)
}

func TestDeriveRatesKeepsBaselineWhenCounterMissing(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := map[string]counterPoint{}
	deriveRates(collector.NewSample(t0, false, collector.Fragment{"disk_read_bytes": collector.Num(0)}), prev)
	f := deriveRates(collector.NewSample(t0.Add(10*time.Second), false, collector.Fragment{}), prev)
	assert.Empty(t, f)

	f = deriveRates(collector.NewSample(t0.Add(20*time.Second), false, collector.Fragment{"disk_read_bytes": collector.Num(20480)}), prev)
	r, _ := f["disk_read_kb_s"].Float()
	assert.Equal(t, 1.0, r)
}

func report(codes ...string) *diagnosis.Report {
	r := &diagnosis.Report{CycleID: "c"}
	for _, c := range codes {
		r.Findings = append(r.Findings, diagnosis.Finding{Severity: diagnosis.SeverityCritical, Code: c})
	}
	r.Findings = append(r.Findings, diagnosis.Finding{Severity: diagnosis.SeverityWarning, Code: "swap_active"})
	return r
}

func TestAlertState(t *testing.T) {
	a := alertState{alertAfter: 2}

	_, ok := a.next(report())
	assert.False(t, ok, "warnings alone never alert")

	_, ok = a.next(report("event_loop_stalled"))
	assert.False(t, ok, "first critical cycle is debounced")

	ev, ok := a.next(report("event_loop_stalled"))
	require.True(t, ok)
	assert.Equal(t, EventAlert, ev.Kind)
	assert.Equal(t, []string{"event_loop_stalled"}, ev.Codes)

	_, ok = a.next(report("event_loop_stalled"))
	assert.False(t, ok, "same codes are not re-sent")

	ev, ok = a.next(report("upstream_unreachable", "event_loop_stalled"))
	require.True(t, ok)
	assert.Equal(t, []string{"event_loop_stalled", "upstream_unreachable"}, ev.Codes)

	ev, ok = a.next(report())
	require.True(t, ok)
	assert.Equal(t, EventRecovered, ev.Kind)

	_, ok = a.next(report())
	assert.False(t, ok)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := LogNotifier{Log: zap.New(core)}

	require.NoError(t, n.Notify(context.Background(), Event{Kind: EventAlert, Codes: []string{"disk_full"}, Report: &diagnosis.Report{CycleID: "abc"}}))
	require.NoError(t, n.Notify(context.Background(), Event{Kind: EventRecovered}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "critical health findings", entries[0].Message)
	assert.Equal(t, "abc", entries[0].ContextMap()["cycle_id"])
	assert.Equal(t, "health recovered", entries[1].Message)
}
