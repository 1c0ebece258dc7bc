// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
	"github.com/vietddude/stylelog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vietddude/vaultwatch/internal/core/config"
)

// Setup installs the default logger. Console output goes through stylelog;
// when cfg.File is set records are also written to a rotating file.
// The returned closer flushes and closes the file, if any.
func Setup(cfg config.LoggingConfig, debug bool) io.Closer {
	level := ParseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	stylelog.InitDefault(
		&tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})

	if cfg.File == "" {
		return nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	console := slog.Default().Handler()
	slog.SetDefault(slog.New(slogmulti.Fanout(console, fileHandler(file, cfg.Format, level))))
	return file
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fileHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    true,
	})
}

// NewDiscard returns a logger that drops everything; handy in tests.
func NewDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
