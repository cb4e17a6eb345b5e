package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAgeBoundRetention(t *testing.T) {
	w := New(30*time.Second, 1000)

	// 60 samples one second apart span twice the age bound.
	for i := 0; i < 60; i++ {
		require.True(t, w.Add(t0.Add(time.Duration(i)*time.Second), float64(i)))
	}

	// newest is t0+59s, cutoff is t0+29s, so 29..59 stay
	assert.Equal(t, 31, w.Count())
	assert.Len(t, w.Values(), w.Count())
	assert.Equal(t, 29.0, w.Values()[0])
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 59.0, last.Value)
}

func TestCountBound(t *testing.T) {
	w := New(time.Hour, 5)
	for i := 0; i < 12; i++ {
		w.Add(t0.Add(time.Duration(i)*time.Millisecond), float64(i))
	}
	assert.Equal(t, 5, w.Count())
	assert.Equal(t, []float64{7, 8, 9, 10, 11}, w.Values())
}

func TestRejectsOutOfOrder(t *testing.T) {
	w := New(time.Minute, 10)
	require.True(t, w.Add(t0.Add(2*time.Second), 1))
	assert.False(t, w.Add(t0.Add(time.Second), 2))
	assert.True(t, w.Add(t0.Add(2*time.Second), 3), "equal timestamps are allowed")
	assert.Equal(t, []float64{1, 3}, w.Values())
}

func TestSummary(t *testing.T) {
	w := New(time.Minute, 10)
	_, ok := w.Summary()
	assert.False(t, ok)

	for i, v := range []float64{250, 4000, 120, 630} {
		w.Add(t0.Add(time.Duration(i)*time.Second), v)
	}
	s, ok := w.Summary()
	require.True(t, ok)
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 1250.0, s.Avg, 1e-9)
	assert.Equal(t, 120.0, s.Min)
	assert.Equal(t, 4000.0, s.Max)
}

func TestExpireWithoutInsert(t *testing.T) {
	w := New(30*time.Second, 10)
	w.Add(t0, 1)
	w.Add(t0.Add(10*time.Second), 2)

	w.Expire(t0.Add(35 * time.Second))
	assert.Equal(t, []float64{2}, w.Values())

	w.Expire(t0.Add(time.Minute))
	assert.Equal(t, 0, w.Count())
	_, ok := w.Last()
	assert.False(t, ok)
}

func TestWrapAround(t *testing.T) {
	w := New(0, 3)
	for i := 0; i < 7; i++ {
		w.Add(t0.Add(time.Duration(i)*time.Second), float64(i))
	}
	pts := w.Points()
	require.Len(t, pts, 3)
	assert.Equal(t, t0.Add(4*time.Second), pts[0].At)
	assert.Equal(t, t0.Add(6*time.Second), pts[2].At)
}

func TestStrictlyIncreasing(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		n      int
		want   bool
	}{
		{"rising", []float64{1, 2, 3, 4, 5}, 5, true},
		{"plateau", []float64{1, 2, 2, 4, 5}, 5, false},
		{"too few", []float64{1, 2, 3}, 5, false},
		{"only tail counts", []float64{9, 1, 2, 3, 4, 5}, 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := New(time.Hour, 10)
			for i, v := range tc.values {
				w.Add(t0.Add(time.Duration(i)*time.Second), v)
			}
			assert.Equal(t, tc.want, w.StrictlyIncreasing(tc.n))
		})
	}
}
