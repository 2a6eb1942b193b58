// Package logging provides the structured logger used across hydrochat.
// Every record is routed through the PII masker before it reaches a slog
// handler; no component writes to stderr/stdout directly.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"hydrochat/internal/masking"
)

// Category is the event taxonomy. It is always the first attribute of a
// structured log record.
type Category string

const (
	CategoryIntent  Category = "intent"
	CategoryMissing Category = "missing"
	CategoryTool    Category = "tool"
	CategorySuccess Category = "success"
	CategoryError   Category = "error"
	CategoryFlow    Category = "flow"
)

// Config configures the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, human
	Output io.Writer
}

// Logger wraps slog with mandatory masking.
type Logger struct {
	logger *slog.Logger
	masker *masking.Masker
}

// New creates a structured logger. A nil masker disables redaction and is
// only acceptable in tests.
func New(config Config, masker *masking.Masker) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	if masker == nil {
		masker = masking.New(false)
	}
	return &Logger{logger: slog.New(handler), masker: masker}
}

// With returns a logger with additional fields attached to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(l.maskArgs(args)...), masker: l.masker}
}

// Event emits a taxonomy record: category, session, node, message plus
// free-form extras. Error-category events log at error level, everything
// else at info. A record that cannot be masked is dropped and counted
// rather than emitted raw.
func (l *Logger) Event(category Category, sessionID, node, message string, extra map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			l.masker.RecordDrop()
		}
	}()

	args := []any{
		slog.String("category", string(category)),
		slog.String("session_id", sessionID),
		slog.String("node", node),
	}
	for k, v := range extra {
		if s, ok := v.(string); ok {
			v = l.masker.Mask(s)
		}
		args = append(args, slog.Any(k, v))
	}

	msg := l.masker.Mask(message)
	if category == CategoryError {
		l.logger.Error(msg, args...)
		return
	}
	l.logger.Info(msg, args...)
}

// Debug logs at debug level with masking applied.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(l.masker.Mask(msg), l.maskArgs(args)...)
}

// Info logs at info level with masking applied.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(l.masker.Mask(msg), l.maskArgs(args)...)
}

// Warn logs at warn level with masking applied.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(l.masker.Mask(msg), l.maskArgs(args)...)
}

// Error logs at error level with masking applied.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(l.masker.Mask(msg), l.maskArgs(args)...)
}

// Errorf logs a formatted error with masking applied to the final string.
func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error(l.masker.Mask(fmt.Sprintf(format, args...)))
}

func (l *Logger) maskArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok && i%2 == 1 {
			// Odd positions are attribute values in slog's key-value calling
			// convention; keys stay as-is.
			out[i] = l.masker.Mask(s)
			continue
		}
		out[i] = a
	}
	return out
}

// Nop returns a logger that discards all output. Useful in tests.
func Nop() *Logger {
	return New(Config{Output: io.Discard}, masking.New(false))
}
