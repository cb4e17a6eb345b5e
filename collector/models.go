package collector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

type valueKind uint8

const (
	kindNumber valueKind = iota + 1
	kindString
	kindNull
)

// Value is a single metric reading: a number, a short string (usually an
// error description) or an explicit null.
type Value struct {
	kind valueKind
	num  float64
	str  string
}

// Num returns a numeric value.
func Num(f float64) Value { return Value{kind: kindNumber, num: f} }

// Str returns a string value.
func Str(s string) Value { return Value{kind: kindString, str: s} }

// Null returns an explicit null. Only used where "nothing to measure" is
// itself the answer (no active query to age).
func Null() Value { return Value{kind: kindNull} }

// Float returns the numeric payload; ok is false for strings and nulls.
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == kindNumber
}

// Text returns the string payload; ok is false for numbers and nulls.
func (v Value) Text() (string, bool) {
	return v.str, v.kind == kindString
}

// IsNull reports whether v is an explicit null.
func (v Value) IsNull() bool { return v.kind == kindNull }

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("metric value %v is not representable in JSON", v.num)
		}
		return json.Marshal(v.num)
	case kindString:
		return json.Marshal(v.str)
	case kindNull:
		return []byte("null"), nil
	}
	return nil, fmt.Errorf("zero metric value")
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*v = Null()
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Str(s)
	default:
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return err
		}
		*v = Num(f)
	}
	return nil
}

// Fragment holds the keys one collector produced during one run.
type Fragment map[string]Value

// SetNum stores a number rounded to the given number of decimals.
func (f Fragment) SetNum(key string, v float64, decimals int) {
	f[key] = Num(round(v, decimals))
}

// SetInt stores an integer counter.
func (f Fragment) SetInt(key string, v uint64) {
	f[key] = Num(float64(v))
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Sample is the merged result of one collection cycle. A key that is not
// present was not collected this cycle; it never means zero.
type Sample struct {
	CapturedAt time.Time
	Extended   bool
	values     map[string]Value
}

// NewSample builds a sample from the given fragments. Later fragments win on
// key collisions, which only happens when a collector is registered twice.
func NewSample(capturedAt time.Time, extended bool, fragments ...Fragment) *Sample {
	s := &Sample{
		CapturedAt: capturedAt,
		Extended:   extended,
		values:     make(map[string]Value),
	}
	for _, f := range fragments {
		for k, v := range f {
			s.values[k] = v
		}
	}
	return s
}

// With returns a copy of s with the extra fragment merged in. s is not
// modified.
func (s *Sample) With(extra Fragment) *Sample {
	out := NewSample(s.CapturedAt, s.Extended, s.values, extra)
	return out
}

// Get returns the raw value for key.
func (s *Sample) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key was collected.
func (s *Sample) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Float returns the numeric value for key. ok is false when the key is
// absent or not numeric.
func (s *Sample) Float(key string) (float64, bool) {
	v, ok := s.values[key]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Text returns the string value for key.
func (s *Sample) Text(key string) (string, bool) {
	v, ok := s.values[key]
	if !ok {
		return "", false
	}
	return v.Text()
}

// Keys returns the collected keys in lexical order.
func (s *Sample) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of collected keys.
func (s *Sample) Len() int { return len(s.values) }

// MarshalJSON writes every collected key plus "extended" and "captured_at".
// Keys are sorted so that two identical samples serialize identically.
func (s *Sample) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField := func(key string, raw []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(raw)
	}

	ts, err := json.Marshal(s.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	writeField("captured_at", ts)
	ext, _ := json.Marshal(s.Extended)
	writeField("extended", ext)

	for _, k := range s.Keys() {
		if k == "captured_at" || k == "extended" {
			continue
		}
		raw, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		writeField(k, raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON is the inverse of MarshalJSON; used when reading history back.
func (s *Sample) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.values = make(map[string]Value, len(raw))
	for k, msg := range raw {
		switch k {
		case "captured_at":
			var ts time.Time
			if err := json.Unmarshal(msg, &ts); err != nil {
				return fmt.Errorf("captured_at: %w", err)
			}
			s.CapturedAt = ts
		case "extended":
			if err := json.Unmarshal(msg, &s.Extended); err != nil {
				return fmt.Errorf("extended: %w", err)
			}
		default:
			var v Value
			if err := json.Unmarshal(msg, &v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			s.values[k] = v
		}
	}
	return nil
}

// FailureKind classifies why a collector run did not fully succeed.
type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailurePartial     FailureKind = "partial"
	FailureError       FailureKind = "error"
	FailurePanic       FailureKind = "panic"
)

// Failure records a collector that did not fully succeed in a cycle.
type Failure struct {
	Collector string      `json:"collector"`
	Kind      FailureKind `json:"kind"`
	Error     string      `json:"error"`
}

// Result is the outcome of one collector run. Fragment may be non-empty even
// when Failure is set (partial results are valid).
type Result struct {
	Collector string
	Fragment  Fragment
	Failure   *Failure
	Duration  time.Duration
}
