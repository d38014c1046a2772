package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf).WithAttrs([]slog.Attr{slog.String("role", "leader")})

	r := slog.NewRecord(time.Date(2024, 1, 15, 14, 30, 45, 123e6, time.UTC), slog.LevelWarn, "report dropped", 0)
	r.AddAttrs(slog.Int("count", 3))
	require.NoError(t, h.Handle(context.Background(), r))

	require.Equal(t, "2024-01-15 14:30:45.123 [WRN] report dropped role=leader count=3\n", buf.String())
}

func TestSetLevel(t *testing.T) {
	h := NewHandler(&bytes.Buffer{})
	defer SetLevel(slog.LevelInfo)

	SetLevel(slog.LevelInfo)
	require.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	require.True(t, h.Enabled(context.Background(), slog.LevelError))

	SetLevel(slog.LevelDebug)
	require.True(t, h.Enabled(context.Background(), slog.LevelDebug))
}

func TestInitOnce(t *testing.T) {
	var first, second bytes.Buffer
	InitWriter(&first)
	InitWriter(&second)

	Info("hello", "k", "v")
	require.Contains(t, first.String(), "[INF] hello k=v")
	require.Zero(t, second.Len())
}
