package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/14-session-coordinator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), in)
	}
}

func TestNew_ContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.Options{Level: "debug", Format: "json", Output: &buf})

	ctx := logger.WithSessionID(context.Background(), "ABC123")
	ctx = logger.WithConnectionID(ctx, "conn-1")
	l.With("component", "router").InfoContext(ctx, "落子成功")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "ABC123", record["session_id"])
	assert.Equal(t, "conn-1", record["connection_id"])
	assert.Equal(t, "router", record["component"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.Options{Level: "warn", Format: "text", Output: &buf})

	l.Info("不應輸出")
	assert.Zero(t, buf.Len())

	l.Warn("應該輸出")
	assert.Contains(t, buf.String(), "應該輸出")
}
