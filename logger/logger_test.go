package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)
}

func TestJSONShape(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOutput("info", &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	WithRequestID(l.Logger, "r-1").Info("hello", zap.Int("n", 3))
	Flush(l.Logger)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "r-1", entry["req_id"])
	assert.Contains(t, entry, "ts")
	assert.Contains(t, entry, "caller")
}

func TestSugarSharesCore(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOutput("debug", &buf)
	require.NoError(t, err)

	l.Sugar.Debugf("read %d reports", 3)
	Flush(l.Logger)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "read 3 reports", entry["msg"])
}

func TestContextRoundTrip(t *testing.T) {
	fallback := zap.NewNop()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	tagged := zap.NewExample().With(zap.String("cycle_id", "x"))
	ctx := WithContext(context.Background(), tagged)
	assert.Same(t, tagged, FromContext(ctx, fallback))
}
