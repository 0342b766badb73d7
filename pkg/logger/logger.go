package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

var level = new(slog.LevelVar)

func init() {
	level.Set(slog.LevelInfo)
	if lvl, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		level.Set(lvl)
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		fmt.Printf("Unknown log level: %s != [ERROR,WARN,INFO,DEBUG]\n", v)
	}

	slog.SetDefault(slog.New(newHandler(os.Stdout)))
}

func newHandler(f *os.File) slog.Handler {
	if isatty.IsTerminal(f.Fd()) {
		return tint.NewHandler(f, &tint.Options{Level: level, TimeFormat: timeFormat})
	}
	return slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
}

// ParseLevel converts a LOG_LEVEL style string into a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return slog.LevelError, true
	case "WARN":
		return slog.LevelWarn, true
	case "INFO":
		return slog.LevelInfo, true
	case "DEBUG":
		return slog.LevelDebug, true
	}
	return slog.LevelInfo, false
}

// Logger returns the process wide slog logger.
func Logger() *slog.Logger {
	return slog.Default()
}

func SetLevel(lvl slog.Level) { level.Set(lvl) }

func IsDebug() bool { return enabled(slog.LevelDebug) }
func IsInfo() bool  { return enabled(slog.LevelInfo) }
func IsWarn() bool  { return enabled(slog.LevelWarn) }

func enabled(lvl slog.Level) bool {
	return level.Level() <= lvl && slog.Default().Enabled(context.Background(), lvl)
}

func logf(lvl slog.Level, format string, args ...any) {
	l := slog.Default()
	if !l.Enabled(context.Background(), lvl) || level.Level() > lvl {
		return
	}
	r := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, args...), 0)
	_ = l.Handler().Handle(context.Background(), r)
}

func Debugf(format string, args ...any) { logf(slog.LevelDebug, format, args...) }
func Infof(format string, args ...any)  { logf(slog.LevelInfo, format, args...) }
func Warnf(format string, args ...any)  { logf(slog.LevelWarn, format, args...) }
func Errorf(format string, args ...any) { logf(slog.LevelError, format, args...) }

func Fatalf(format string, args ...any) {
	logf(slog.LevelError, format, args...)
	os.Exit(1)
}

// Debug, Info, Warn and Error take a message followed by key/value pairs.
func Debug(msg string, args ...any) { logkv(slog.LevelDebug, msg, args...) }
func Info(msg string, args ...any)  { logkv(slog.LevelInfo, msg, args...) }
func Warn(msg string, args ...any)  { logkv(slog.LevelWarn, msg, args...) }
func Error(msg string, args ...any) { logkv(slog.LevelError, msg, args...) }

func Fatal(msg string, args ...any) {
	logkv(slog.LevelError, msg, args...)
	os.Exit(1)
}

func logkv(lvl slog.Level, msg string, args ...any) {
	if level.Level() > lvl {
		return
	}
	slog.Default().Log(context.Background(), lvl, msg, args...)
}
