package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"passfiles/internal/config"
)

// pfHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
//
// Each record is written with a single Write call, so lines from concurrent
// sync passes do not interleave.
type pfHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	opID  string
	attrs []slog.Attr
}

func newPFHandler(w io.Writer, level slog.Leveler, opID string) *pfHandler {
	return &pfHandler{w: w, mu: &sync.Mutex{}, level: level, opID: opID}
}

func (h *pfHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *pfHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	fmt.Fprintf(&buf, "%s\t%s\t%s\t%s", ts, r.Level.String(), h.opID, r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&buf, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&buf, "\t%s=%v", a.Key, a.Value)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *pfHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &pfHandler{
		w:     h.w,
		mu:    h.mu,
		level: h.level,
		opID:  h.opID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *pfHandler) WithGroup(string) slog.Handler { return h }

// parseLevel maps a config level name to a slog level. Unknown names mean info.
func parseLevel(s string) slog.Level {
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

// newLogger creates a structured logger that writes to cfg.Dir/pf.log, rotated
// by lumberjack, and optionally to stderr. The returned closer releases the
// log file.
func newLogger(cfg config.LogConfig, opID string) (*slog.Logger, io.Closer, error) {
	if cfg.Dir == "" {
		return nil, nil, fmt.Errorf("log directory not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "pf.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	var w io.Writer = file
	if cfg.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}
	handler := newPFHandler(w, parseLevel(cfg.Level), opID)
	return slog.New(handler), file, nil
}

// slogAdapter wraps *slog.Logger to satisfy the pf.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
