package scheduler

import (
	"time"

	"healthwatch/collector"
)

// rateKeys maps each derived KB/s key to the cumulative byte counter it is
// computed from.
var rateKeys = []struct{ rate, counter string }{
	{"net_rx_kb_s", "net_bytes_recv"},
	{"net_tx_kb_s", "net_bytes_sent"},
	{"disk_read_kb_s", "disk_read_bytes"},
	{"disk_write_kb_s", "disk_write_bytes"},
	{"swap_in_kb_s", "swap_sin"},
	{"swap_out_kb_s", "swap_sout"},
}

type counterPoint struct {
	value float64
	at    time.Time
}

// counterRate returns the KB/s rate between two readings of a cumulative
// byte counter. A decrease is a counter reset (reboot, wrap, driver reload)
// and yields no rate, as does a non-positive interval.
func counterRate(prev, cur float64, elapsed time.Duration) (float64, bool) {
	if elapsed <= 0 || cur < prev {
		return 0, false
	}
	return (cur - prev) / 1024 / elapsed.Seconds(), true
}

// deriveRates computes every rate it has a baseline for and then moves the
// baselines forward. Counters missing from s keep their old baseline.
func deriveRates(s *collector.Sample, prev map[string]counterPoint) collector.Fragment {
	out := collector.Fragment{}
	for _, k := range rateKeys {
		cur, ok := s.Float(k.counter)
		if !ok {
			continue
		}
		if p, seen := prev[k.counter]; seen {
			if r, ok := counterRate(p.value, cur, s.CapturedAt.Sub(p.at)); ok {
				out.SetNum(k.rate, r, 2)
			}
		}
		prev[k.counter] = counterPoint{value: cur, at: s.CapturedAt}
	}
	return out
}
