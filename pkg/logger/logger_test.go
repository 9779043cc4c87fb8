package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	l := New(LoggingConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	_, ok := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	fallback := New(LoggingConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
}

func TestEntriesCarryComponentAndTrace(t *testing.T) {
	l := New(LoggingConfig{Level: "info", Format: "json"}).Named("raffle")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ctx := context.WithValue(context.Background(), TraceIDKey, "abc123")
	l.WithContext(ctx).WithField("raffle_id", 7).Info("raffle created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "raffle", line["component"])
	assert.Equal(t, "abc123", line["trace_id"])
	assert.Equal(t, float64(7), line["raffle_id"])
	assert.Equal(t, "raffle created", line["msg"])
}

func TestNewDiscard(t *testing.T) {
	l := NewDiscard()
	l.WithField("k", "v").Error("dropped")
	assert.Equal(t, logrus.PanicLevel, l.GetLevel())
}
