package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"healthwatch/diagnosis"
)

// reportCollector turns the latest report into gauges at scrape time.
// Keys absent from the sample produce no series.
type reportCollector struct {
	latest func() *diagnosis.Report

	metric   *prometheus.Desc
	finding  *prometheus.Desc
	failure  *prometheus.Desc
	duration *prometheus.Desc
	captured *prometheus.Desc
}

func newReportCollector(latest func() *diagnosis.Report) *reportCollector {
	return &reportCollector{
		latest: latest,
		metric: prometheus.NewDesc("healthwatch_metric",
			"Numeric sample value from the latest cycle.", []string{"key"}, nil),
		finding: prometheus.NewDesc("healthwatch_finding",
			"Findings in the latest report.", []string{"code", "severity"}, nil),
		failure: prometheus.NewDesc("healthwatch_collector_failures",
			"Collectors that did not fully succeed in the latest cycle.", []string{"collector", "kind"}, nil),
		duration: prometheus.NewDesc("healthwatch_cycle_duration_seconds",
			"Wall time of the latest cycle.", nil, nil),
		captured: prometheus.NewDesc("healthwatch_last_cycle_timestamp_seconds",
			"Unix time the latest sample was captured.", nil, nil),
	}
}

func (c *reportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.metric
	ch <- c.finding
	ch <- c.failure
	ch <- c.duration
	ch <- c.captured
}

func (c *reportCollector) Collect(ch chan<- prometheus.Metric) {
	r := c.latest()
	if r == nil {
		return
	}
	if r.Sample != nil {
		for _, key := range r.Sample.Keys() {
			if v, ok := r.Sample.Float(key); ok {
				ch <- prometheus.MustNewConstMetric(c.metric, prometheus.GaugeValue, v, key)
			}
		}
		ch <- prometheus.MustNewConstMetric(c.captured, prometheus.GaugeValue,
			float64(r.Sample.CapturedAt.UnixNano())/1e9)
	}

	// one rule can report the same code more than once (per process)
	type codeSev struct{ code, sev string }
	counts := make(map[codeSev]int)
	var order []codeSev
	for _, f := range r.Findings {
		k := codeSev{f.Code, string(f.Severity)}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	for _, k := range order {
		ch <- prometheus.MustNewConstMetric(c.finding, prometheus.GaugeValue, float64(counts[k]), k.code, k.sev)
	}

	for _, f := range r.Failures {
		ch <- prometheus.MustNewConstMetric(c.failure, prometheus.GaugeValue, 1, f.Collector, string(f.Kind))
	}
	ch <- prometheus.MustNewConstMetric(c.duration, prometheus.GaugeValue, r.Duration.Seconds())
}
