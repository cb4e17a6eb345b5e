package diagnosis

import (
	"encoding/json"
	"time"

	"healthwatch/collector"
)

// Trigger says why a cycle ran.
type Trigger string

const (
	TriggerTick   Trigger = "tick"
	TriggerManual Trigger = "manual"
)

// Report is the published outcome of one cycle.
type Report struct {
	CycleID  string              `json:"cycle_id"`
	Trigger  Trigger             `json:"trigger"`
	Sample   *collector.Sample   `json:"sample"`
	Findings []Finding           `json:"findings"`
	Failures []collector.Failure `json:"failures"`
	Duration time.Duration       `json:"-"`
}

// Worst returns the most severe finding level, or "" for a clean report.
func (r *Report) Worst() Severity { return Worst(r.Findings) }

func (r *Report) MarshalJSON() ([]byte, error) {
	type alias Report
	failures := r.Failures
	if failures == nil {
		failures = []collector.Failure{}
	}
	findings := r.Findings
	if findings == nil {
		findings = []Finding{}
	}
	return json.Marshal(struct {
		*alias
		Findings   []Finding           `json:"findings"`
		Failures   []collector.Failure `json:"failures"`
		DurationMs float64             `json:"duration_ms"`
		Worst      Severity            `json:"worst,omitempty"`
	}{
		alias:      (*alias)(r),
		Findings:   findings,
		Failures:   failures,
		DurationMs: float64(r.Duration.Microseconds()) / 1000,
		Worst:      r.Worst(),
	})
}
