// Package scheduler drives collection cycles: it runs the collectors under
// their own deadlines, merges the results, derives rates, keeps the rolling
// windows, evaluates the diagnostic rules and publishes the report.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthwatch/collector"
	"healthwatch/diagnosis"
	"healthwatch/logger"
	"healthwatch/window"
)

// Sink receives every published report.
type Sink interface {
	Save(ctx context.Context, r *diagnosis.Report) error
}

// Options tunes the cycle loop.
type Options struct {
	Interval time.Duration
	// ExtendedThresholdMs turns on extended collection once a response time
	// above it is seen. Zero means every cycle is extended.
	ExtendedThresholdMs float64
	WindowMaxAge        time.Duration
	WindowMaxCount      int
	// TrendKeys get a longer window so slow growth spans enough cycles.
	TrendKeys      []string
	TrendMaxAge    time.Duration
	SinkTimeout    time.Duration
	AlertAfter     int
	ResponseBuffer int
}

const responseKey = "response_time_ms"

type responseObs struct {
	at time.Time
	ms float64
}

type checkReq struct {
	reply chan *diagnosis.Report
}

// Scheduler owns all cross-cycle state. Only the loop goroutine touches it;
// other goroutines talk to the loop through channels or read the published
// report.
type Scheduler struct {
	entries  []collector.Entry
	engine   *diagnosis.Engine
	sinks    []Sink
	notifier Notifier
	opts     Options
	log      *zap.Logger

	windows  map[string]*window.Window
	counters map[string]counterPoint
	streaks  map[string]int
	alerts   alertState

	lastResponseMs float64
	haveResponse   bool

	responses chan responseObs
	checks    chan checkReq
	latest    atomic.Pointer[diagnosis.Report]

	now func() time.Time
}

// New builds a scheduler. notifier may be nil.
func New(entries []collector.Entry, engine *diagnosis.Engine, sinks []Sink, notifier Notifier, opts Options, log *zap.Logger) *Scheduler {
	if opts.WindowMaxAge <= 0 {
		opts.WindowMaxAge = window.DefaultMaxAge
	}
	if opts.WindowMaxCount <= 0 {
		opts.WindowMaxCount = window.DefaultMaxCount
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 10 * time.Second
	}
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = 1
	}
	if opts.ResponseBuffer <= 0 {
		opts.ResponseBuffer = 256
	}
	return &Scheduler{
		entries:   entries,
		engine:    engine,
		sinks:     sinks,
		notifier:  notifier,
		opts:      opts,
		log:       log.Named("scheduler"),
		windows:   make(map[string]*window.Window),
		counters:  make(map[string]counterPoint),
		streaks:   make(map[string]int),
		alerts:    alertState{alertAfter: opts.AlertAfter},
		responses: make(chan responseObs, opts.ResponseBuffer),
		checks:    make(chan checkReq),
		now:       time.Now,
	}
}

// Latest returns the most recently published report, or nil before the
// first cycle completes. Safe for concurrent use.
func (s *Scheduler) Latest() *diagnosis.Report { return s.latest.Load() }

// ObserveResponseTime records a response time measured by the host service.
// It never blocks; observations are dropped when the loop falls behind.
func (s *Scheduler) ObserveResponseTime(d time.Duration) {
	select {
	case s.responses <- responseObs{at: s.now(), ms: float64(d.Microseconds()) / 1000}:
	default:
		s.log.Warn("response time buffer full, observation dropped")
	}
}

// Check asks the loop for an immediate extended cycle and waits for its
// report. It blocks until Run picks the request up or ctx ends.
func (s *Scheduler) Check(ctx context.Context) (*diagnosis.Report, error) {
	req := checkReq{reply: make(chan *diagnosis.Report, 1)}
	select {
	case s.checks <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes a cycle immediately and then on every tick until ctx is
// cancelled. Ticks that fire while a cycle is running are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	return s.loop(ctx, ticker.C)
}

func (s *Scheduler) loop(ctx context.Context, ticks <-chan time.Time) error {
	s.log.Info("scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("collectors", len(s.entries)),
		zap.Float64("extended_threshold_ms", s.opts.ExtendedThresholdMs))

	s.RunOnce(ctx, diagnosis.TriggerTick, false)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case obs := <-s.responses:
			s.foldResponse(obs)
		case req := <-s.checks:
			req.reply <- s.RunOnce(ctx, diagnosis.TriggerManual, true)
			s.skipOverrun(ticks)
		case <-ticks:
			s.RunOnce(ctx, diagnosis.TriggerTick, false)
			s.skipOverrun(ticks)
		}
	}
}

// skipOverrun drops a tick that became due while the cycle ran.
func (s *Scheduler) skipOverrun(ticks <-chan time.Time) {
	select {
	case <-ticks:
		s.log.Debug("cycle overran tick, skipping")
	default:
	}
}

// RunOnce executes a single cycle and publishes its report. It must not be
// called concurrently with Run or with itself.
func (s *Scheduler) RunOnce(ctx context.Context, trigger diagnosis.Trigger, forceExtended bool) *diagnosis.Report {
	start := s.now()
	id := uuid.NewString()
	log := s.log.With(zap.String("cycle_id", id))
	ctx = logger.WithContext(ctx, log)

	s.drainResponses()

	extended := forceExtended || s.extendedGate()
	results := collector.CollectAll(ctx, s.entries, extended, log)

	// the host answered slowly in this very cycle: escalate without waiting
	// for the next tick
	if !extended && s.breachesThreshold(results) {
		log.Info("response time over threshold, escalating cycle")
		extended = true
		results = s.escalate(ctx, results, log)
	}

	sample := collector.Merge(start, extended, results)
	sample = sample.With(deriveRates(sample, s.counters))
	s.foldSample(sample)
	sample = sample.With(s.windowSummary())

	if v, ok := sample.Float(responseKey); ok {
		s.lastResponseMs, s.haveResponse = v, true
	}
	s.updateStreaks(results)

	report := &diagnosis.Report{
		CycleID:  id,
		Trigger:  trigger,
		Sample:   sample,
		Findings: s.engine.Evaluate(diagnosis.Input{Sample: sample, Windows: s.windows, Streaks: s.copyStreaks()}),
		Failures: collector.Failures(results),
		Duration: s.now().Sub(start),
	}
	s.latest.Store(report)

	log.Info("cycle complete",
		zap.String("trigger", string(trigger)),
		zap.Bool("extended", extended),
		zap.Int("keys", sample.Len()),
		zap.Int("findings", len(report.Findings)),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("took", report.Duration))

	s.publish(ctx, report)
	return report
}

func (s *Scheduler) extendedGate() bool {
	if s.opts.ExtendedThresholdMs <= 0 {
		return true
	}
	return s.haveResponse && s.lastResponseMs > s.opts.ExtendedThresholdMs
}

func (s *Scheduler) breachesThreshold(results []collector.Result) bool {
	if s.opts.ExtendedThresholdMs <= 0 {
		return false
	}
	for _, r := range results {
		if v, ok := r.Fragment[responseKey].Float(); ok && v > s.opts.ExtendedThresholdMs {
			return true
		}
	}
	return false
}

// escalate re-runs the cycle's collectors in extended mode and lays the new
// fragments over the first pass. Collectors that reported the response time
// are not asked again.
func (s *Scheduler) escalate(ctx context.Context, first []collector.Result, log *zap.Logger) []collector.Result {
	measured := make(map[string]bool)
	for _, r := range first {
		if _, ok := r.Fragment[responseKey]; ok {
			measured[r.Collector] = true
		}
	}
	var rerun []collector.Entry
	for _, e := range s.entries {
		if !measured[e.Collector.Name()] {
			rerun = append(rerun, e)
		}
	}
	second := collector.CollectAll(ctx, rerun, true, log)

	again := make(map[string]collector.Result, len(second))
	for _, r := range second {
		again[r.Collector] = r
	}
	out := make([]collector.Result, 0, len(first)+len(second))
	for _, r := range first {
		if r2, ok := again[r.Collector]; ok {
			r = overlay(r, r2)
			delete(again, r.Collector)
		}
		out = append(out, r)
	}
	// extended-only entries appear in the second pass alone
	for _, r := range second {
		if _, ok := again[r.Collector]; ok {
			out = append(out, r)
		}
	}
	return out
}

// overlay merges an extended re-run into the first result. The re-run's
// failure wins; keys it did not produce keep their first-pass value.
func overlay(first, second collector.Result) collector.Result {
	frag := make(collector.Fragment, len(first.Fragment)+len(second.Fragment))
	for k, v := range first.Fragment {
		frag[k] = v
	}
	for k, v := range second.Fragment {
		frag[k] = v
	}
	second.Fragment = frag
	if second.Failure != nil && len(first.Fragment) > 0 && second.Failure.Kind != collector.FailurePartial {
		f := *second.Failure
		f.Kind = collector.FailurePartial
		second.Failure = &f
	}
	second.Duration += first.Duration
	return second
}

func (s *Scheduler) drainResponses() {
	for {
		select {
		case obs := <-s.responses:
			s.foldResponse(obs)
		default:
			return
		}
	}
}

func (s *Scheduler) foldResponse(obs responseObs) {
	if s.windowFor(responseKey).Add(obs.at, obs.ms) {
		s.lastResponseMs, s.haveResponse = obs.ms, true
	}
}

func (s *Scheduler) windowFor(key string) *window.Window {
	w, ok := s.windows[key]
	if !ok {
		age := s.opts.WindowMaxAge
		for _, k := range s.opts.TrendKeys {
			if k == key && s.opts.TrendMaxAge > 0 {
				age = s.opts.TrendMaxAge
			}
		}
		w = window.New(age, s.opts.WindowMaxCount)
		s.windows[key] = w
	}
	return w
}

// foldSample appends every numeric key to its window and ages out the rest.
func (s *Scheduler) foldSample(sample *collector.Sample) {
	for _, k := range sample.Keys() {
		if v, ok := sample.Float(k); ok {
			s.windowFor(k).Add(sample.CapturedAt, v)
		}
	}
	for _, w := range s.windows {
		w.Expire(sample.CapturedAt)
	}
}

func (s *Scheduler) windowSummary() collector.Fragment {
	f := collector.Fragment{}
	w, ok := s.windows[responseKey]
	if !ok {
		return f
	}
	sum, ok := w.Summary()
	if !ok {
		return f
	}
	f.SetNum("response_time_avg_30s", sum.Avg, 1)
	f.SetNum("response_time_max_30s", sum.Max, 1)
	f.SetNum("response_time_min_30s", sum.Min, 1)
	f.SetInt("response_time_samples_30s", uint64(sum.Count))
	return f
}

// updateStreaks counts consecutive cycles in which a collector produced
// nothing usable. Partial results reset the streak.
func (s *Scheduler) updateStreaks(results []collector.Result) {
	for _, r := range results {
		if r.Failure != nil && r.Failure.Kind != collector.FailurePartial {
			s.streaks[r.Collector]++
			continue
		}
		delete(s.streaks, r.Collector)
	}
}

func (s *Scheduler) copyStreaks() map[string]int {
	out := make(map[string]int, len(s.streaks))
	for k, v := range s.streaks {
		out[k] = v
	}
	return out
}

func (s *Scheduler) publish(ctx context.Context, r *diagnosis.Report) {
	for _, sink := range s.sinks {
		sctx, cancel := context.WithTimeout(ctx, s.opts.SinkTimeout)
		if err := sink.Save(sctx, r); err != nil {
			s.log.Error("sink failed", zap.String("cycle_id", r.CycleID), zap.Error(err))
		}
		cancel()
	}
	if s.notifier == nil {
		return
	}
	if ev, ok := s.alerts.next(r); ok {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.log.Error("notify failed", zap.String("event", string(ev.Kind)), zap.Error(err))
		}
	}
}
