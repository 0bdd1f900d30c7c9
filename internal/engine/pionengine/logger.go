package pionengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogFactory routes pion's internal logging into slog so the process
// emits a single log stream. Each pion scope becomes a "scope" attribute.
type slogFactory struct {
	log *slog.Logger
}

func newLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	return &slogFactory{log: log}
}

func (f *slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{log: f.log.With("scope", scope)}
}

// levelTrace sits below slog's Debug so trace output is off unless the
// handler is configured for it explicitly.
const levelTrace = slog.LevelDebug - 4

type slogLogger struct {
	log *slog.Logger
}

func (l *slogLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLogger) emitf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.emit(level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string)                  { l.emit(levelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...any) { l.emitf(levelTrace, format, args...) }
func (l *slogLogger) Debug(msg string)                  { l.emit(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...any) { l.emitf(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(msg string)                   { l.emit(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...any)  { l.emitf(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(msg string)                   { l.emit(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...any)  { l.emitf(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(msg string)                  { l.emit(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...any) { l.emitf(slog.LevelError, format, args...) }
