package diagnosis

import (
	"fmt"

	"healthwatch/collector"
	"healthwatch/window"
)

// Op compares a metric against a target.
type Op string

const (
	OpGT Op = ">"
	OpGE Op = ">="
	OpLT Op = "<"
	OpLE Op = "<="
)

func compare(v float64, op Op, target float64) bool {
	switch op {
	case OpGT:
		return v > target
	case OpGE:
		return v >= target
	case OpLT:
		return v < target
	case OpLE:
		return v <= target
	}
	return false
}

// Input is everything a rule may look at. Rules must not modify it.
type Input struct {
	Sample  *collector.Sample
	Windows map[string]*window.Window
	// Streaks holds consecutive failed cycles per collector name.
	Streaks map[string]int
}

func (in Input) window(key string) *window.Window {
	if in.Windows == nil {
		return nil
	}
	return in.Windows[key]
}

// Rule produces zero or more findings from an input.
type Rule interface {
	Code() string
	Evaluate(in Input) []Finding
}

// Level is one threshold of a ThresholdRule. Code and Message override the
// rule's own when set.
type Level struct {
	Op       Op
	Target   float64
	Severity Severity
	Code     string
	Message  string
}

// ThresholdRule fires when a single metric crosses one of its levels. The
// most severe matching level wins.
type ThresholdRule struct {
	RuleCode string
	Metric   string
	Levels   []Level
	// Message is a fmt template receiving the metric value.
	Message string
	// Detail optionally appends context from the rest of the sample.
	Detail func(s *collector.Sample) string
}

func (r ThresholdRule) Code() string { return r.RuleCode }

func (r ThresholdRule) Evaluate(in Input) []Finding {
	v, ok := in.Sample.Float(r.Metric)
	if !ok {
		return nil
	}
	var hit *Level
	for i := range r.Levels {
		l := &r.Levels[i]
		if !compare(v, l.Op, l.Target) {
			continue
		}
		if hit == nil || l.Severity.rank() < hit.Severity.rank() {
			hit = l
		}
	}
	if hit == nil {
		return nil
	}

	code, tmpl := r.RuleCode, r.Message
	if hit.Code != "" {
		code = hit.Code
	}
	if hit.Message != "" {
		tmpl = hit.Message
	}
	msg := fmt.Sprintf(tmpl, v)
	if r.Detail != nil {
		if d := r.Detail(in.Sample); d != "" {
			msg += " (" + d + ")"
		}
	}
	return []Finding{{Severity: hit.Severity, Code: code, Message: msg, Metrics: []string{r.Metric}}}
}

// TrendRule fires when every retained value of a metric's window is strictly
// greater than the one before and the window holds at least MinSamples.
type TrendRule struct {
	RuleCode   string
	Metric     string
	MinSamples int
	Severity   Severity
	Message    string // fmt template receiving first and last value
}

func (r TrendRule) Code() string { return r.RuleCode }

func (r TrendRule) Evaluate(in Input) []Finding {
	w := in.window(r.Metric)
	if w == nil || w.Count() < r.MinSamples || !w.StrictlyIncreasing(w.Count()) {
		return nil
	}
	vals := w.Values()
	return []Finding{{
		Severity: r.Severity,
		Code:     r.RuleCode,
		Message:  fmt.Sprintf(r.Message, vals[0], vals[len(vals)-1], len(vals)),
		Metrics:  []string{r.Metric},
	}}
}

// CompositeRule combines several metrics with arbitrary logic.
type CompositeRule struct {
	RuleCode string
	Fn       func(in Input) []Finding
}

func (r CompositeRule) Code() string { return r.RuleCode }

func (r CompositeRule) Evaluate(in Input) []Finding { return r.Fn(in) }
