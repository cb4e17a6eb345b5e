// Package window keeps short rolling statistics over timestamped samples.
package window

import (
	"time"
)

const (
	DefaultMaxAge   = 30 * time.Second
	DefaultMaxCount = 100
)

// Point is one retained sample.
type Point struct {
	At    time.Time
	Value float64
}

// Summary is the aggregate over the retained span.
type Summary struct {
	Count int
	Avg   float64
	Min   float64
	Max   float64
}

// Window is a ring buffer bounded by age and count. Timestamps must be
// non-decreasing. A Window is not safe for concurrent use.
type Window struct {
	maxAge time.Duration
	buf    []Point
	head   int // index of the oldest point
	size   int
}

// New returns a window keeping at most maxCount points no older than maxAge
// relative to the newest insert. maxAge <= 0 disables the age bound.
func New(maxAge time.Duration, maxCount int) *Window {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &Window{maxAge: maxAge, buf: make([]Point, maxCount)}
}

// Add appends a sample. It returns false, leaving the window untouched, when
// at is older than the newest retained point.
func (w *Window) Add(at time.Time, v float64) bool {
	if w.size > 0 && at.Before(w.at(w.size-1)) {
		return false
	}
	if w.size == len(w.buf) {
		w.dropOldest()
	}
	w.buf[(w.head+w.size)%len(w.buf)] = Point{At: at, Value: v}
	w.size++
	w.Expire(at)
	return true
}

// Expire drops every point older than now minus the age bound.
func (w *Window) Expire(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-w.maxAge)
	for w.size > 0 && w.at(0).Before(cutoff) {
		w.dropOldest()
	}
}

func (w *Window) dropOldest() {
	w.buf[w.head] = Point{}
	w.head = (w.head + 1) % len(w.buf)
	w.size--
}

func (w *Window) at(i int) time.Time {
	return w.buf[(w.head+i)%len(w.buf)].At
}

// Count returns the number of retained points.
func (w *Window) Count() int { return w.size }

// Last returns the newest point.
func (w *Window) Last() (Point, bool) {
	if w.size == 0 {
		return Point{}, false
	}
	return w.buf[(w.head+w.size-1)%len(w.buf)], true
}

// Points returns the retained points oldest first.
func (w *Window) Points() []Point {
	out := make([]Point, w.size)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Values returns the retained values oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.size)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)].Value
	}
	return out
}

// Summary aggregates the retained points. ok is false when the window is
// empty.
func (w *Window) Summary() (s Summary, ok bool) {
	if w.size == 0 {
		return Summary{}, false
	}
	var sum float64
	for i := 0; i < w.size; i++ {
		v := w.buf[(w.head+i)%len(w.buf)].Value
		if i == 0 || v < s.Min {
			s.Min = v
		}
		if i == 0 || v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Count = w.size
	s.Avg = sum / float64(w.size)
	return s, true
}

// StrictlyIncreasing reports whether the last n values each exceed the one
// before. False when fewer than n points are retained.
func (w *Window) StrictlyIncreasing(n int) bool {
	if n < 2 || w.size < n {
		return false
	}
	start := w.size - n
	prev := w.buf[(w.head+start)%len(w.buf)].Value
	for i := start + 1; i < w.size; i++ {
		v := w.buf[(w.head+i)%len(w.buf)].Value
		if v <= prev {
			return false
		}
		prev = v
	}
	return true
}
