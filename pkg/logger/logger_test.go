package logger_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/orgsearch/tenant-index/pkg/logger"
	"github.com/stretchr/testify/require"
)

func BenchmarkInfof(b *testing.B) {
	tenant := "0b7e6c4a-8f7e-4d2a-9a57-3f0f2ad6a111"
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		logger.Infof("Migrating tenant %s to version %d", tenant, 2)
	}
}

func BenchmarkInfo(b *testing.B) {
	tenant := "0b7e6c4a-8f7e-4d2a-9a57-3f0f2ad6a111"
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		logger.Info("Migrating tenant", "tenant", tenant, "version", 2)
	}
}

func TestSetLevel(t *testing.T) {
	defer logger.SetLevel(slog.LevelInfo) // reset

	require.False(t, logger.IsDebug())
	require.True(t, logger.IsInfo())
	require.True(t, logger.IsWarn())

	logger.SetLevel(slog.LevelDebug)
	require.True(t, logger.IsDebug())
	require.True(t, logger.IsInfo())
	require.True(t, logger.IsWarn())

	logger.SetLevel(slog.LevelWarn)
	require.False(t, logger.IsDebug())
	require.False(t, logger.IsInfo())
	require.True(t, logger.IsWarn())

	logger.SetLevel(slog.LevelError)
	require.False(t, logger.IsDebug())
	require.False(t, logger.IsInfo())
	require.False(t, logger.IsWarn())
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in    string
		level slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{" Warn ", slog.LevelWarn, true},
		{"ERROR", slog.LevelError, true},
		{"TRACE", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	} {
		lvl, ok := logger.ParseLevel(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.level, lvl, tc.in)
	}
}

func TestPrintfHelpersRespectLevel(t *testing.T) {
	prev := logger.Logger()
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(prev)
		logger.SetLevel(slog.LevelInfo)
	})

	logger.SetLevel(slog.LevelWarn)
	logger.Infof("hidden %s", "line")
	logger.Warnf("visible %s", "line")
	logger.Error("structured", "tenant", "t1")

	out := buf.String()
	require.NotContains(t, out, "hidden line")
	require.Contains(t, out, "visible line")
	require.Contains(t, out, "tenant=t1")
}
