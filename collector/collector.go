package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"healthwatch/logger"
)

// Collector is the public contract any metric source must satisfy.
type Collector interface {
	// Name identifies the collector in failures and logs.
	Name() string
	// Collect fetches metrics from its source. A non-nil error together with
	// a non-empty fragment is a partial result; the keys it did produce are
	// kept. Keys that could not be measured must be left out, never zeroed.
	Collect(ctx context.Context, extended bool) (Fragment, error)
}

var (
	ErrTimeout     = errors.New("collector timed out")
	ErrUnavailable = errors.New("source unavailable")
	ErrPartial     = errors.New("partial result")
)

const userAgent = "healthwatch/0.1"

// Entry is a collector registered with its own time budget.
type Entry struct {
	Collector Collector
	Timeout   time.Duration
	// ExtendedOnly entries are skipped outside extended cycles.
	ExtendedOnly bool
}

// Run executes one collector under its own deadline. It never blocks past
// timeout: when the deadline fires the result is reported as a timeout and
// whatever the collector produces afterwards is dropped. Panics are turned
// into failures.
func Run(ctx context.Context, c Collector, timeout time.Duration, extended bool) Result {
	start := time.Now()
	res := Result{Collector: c.Name()}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		frag Fragment
		err  error
		kind FailureKind
	}
	// buffered so a late collector can still deliver and exit
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r), kind: FailurePanic}
			}
		}()
		frag, err := c.Collect(cctx, extended)
		done <- outcome{frag: frag, err: err}
	}()

	select {
	case o := <-done:
		res.Fragment = o.frag
		if o.err != nil {
			kind := o.kind
			if kind == "" {
				kind = classify(cctx, o.frag, o.err)
			}
			res.Failure = &Failure{Collector: res.Collector, Kind: kind, Error: o.err.Error()}
		}
	case <-cctx.Done():
		res.Failure = &Failure{
			Collector: res.Collector,
			Kind:      FailureTimeout,
			Error:     fmt.Errorf("%w after %s", ErrTimeout, timeout).Error(),
		}
	}
	res.Duration = time.Since(start)
	return res
}

func classify(ctx context.Context, frag Fragment, err error) FailureKind {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return FailureTimeout
	case errors.Is(err, ErrUnavailable):
		return FailureUnavailable
	case errors.Is(err, ErrPartial), len(frag) > 0:
		return FailurePartial
	}
	return FailureError
}

// CollectAll runs every applicable entry concurrently and waits for all of
// them. Each result lands in its own slot so the returned slice follows the
// order of entries (skipped entries are left out). A failing source is logged
// and does not stop the others. Each collector finds a logger tagged with its
// name in its context, derived from the one ctx carries (log otherwise).
func CollectAll(ctx context.Context, entries []Entry, extended bool, log *zap.Logger) []Result {
	slots := make([]*Result, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		if e.ExtendedOnly && !extended {
			continue
		}
		clog := logger.FromContext(ctx, log).With(zap.String("collector", e.Collector.Name()))
		g.Go(func() error {
			r := Run(logger.WithContext(ctx, clog), e.Collector, e.Timeout, extended)
			if r.Failure != nil {
				clog.Warn("collector failed",
					zap.String("kind", string(r.Failure.Kind)),
					zap.String("error", r.Failure.Error),
					zap.Duration("took", r.Duration))
			}
			slots[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Result, 0, len(entries))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Merge folds the fragments of results into a single sample.
func Merge(capturedAt time.Time, extended bool, results []Result) *Sample {
	frags := make([]Fragment, 0, len(results))
	for _, r := range results {
		if r.Fragment != nil {
			frags = append(frags, r.Fragment)
		}
	}
	return NewSample(capturedAt, extended, frags...)
}

// Failures returns the failures carried by results.
func Failures(results []Result) []Failure {
	var out []Failure
	for _, r := range results {
		if r.Failure != nil {
			out = append(out, *r.Failure)
		}
	}
	return out
}

// timedGet issues a GET and reports the wall time until the response headers
// and body were read. The body is drained so the connection can be reused.
func timedGet(ctx context.Context, client *http.Client, url, token string) (int, time.Duration, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, time.Since(start), nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	elapsed := time.Since(start)
	if err != nil {
		return resp.StatusCode, elapsed, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, elapsed, body, nil
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
