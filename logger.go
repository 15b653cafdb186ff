package intercept

import (
	"fmt"
	"log"
	"strings"

	"github.com/function61/gokit/log/logex"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is implemented by any type that can log the engine events.
// sessionID identifies the client connection, 0 is used for events not tied
// to one.
type Logger interface {
	Errorf(sessionID int64, format string, values ...any)
	Warnf(sessionID int64, format string, values ...any)
	Infof(sessionID int64, format string, values ...any)
	Debugf(sessionID int64, format string, values ...any)
}

type LoggingLevel int

const (
	DEBUG LoggingLevel = iota
	INFO
	WARNING
	ERROR
)

// ZapLevel is the zap equivalent of l.
func (l LoggingLevel) ZapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARNING:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// ParseLevel maps "debug", "info", "warn(ing)" and "error" to a level.
func ParseLevel(s string) (LoggingLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARNING, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// ZapLogger logs through zap, with the session as a structured field.
type ZapLogger struct {
	l *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{l: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// NewDefaultLogger returns a zap production logger writing to stderr.
func NewDefaultLogger(level LoggingLevel) *ZapLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.ZapLevel())
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return NewZapLogger(l)
}

// Zap returns the underlying logger.
func (z *ZapLogger) Zap() *zap.Logger { return z.l.Desugar() }

func (z *ZapLogger) with(sessionID int64) *zap.SugaredLogger {
	if sessionID == 0 {
		return z.l
	}
	return z.l.With("session", sessionID)
}

func (z *ZapLogger) Errorf(sessionID int64, format string, values ...any) {
	z.with(sessionID).Errorf(format, values...)
}

func (z *ZapLogger) Warnf(sessionID int64, format string, values ...any) {
	z.with(sessionID).Warnf(format, values...)
}

func (z *ZapLogger) Infof(sessionID int64, format string, values ...any) {
	z.with(sessionID).Infof(format, values...)
}

func (z *ZapLogger) Debugf(sessionID int64, format string, values ...any) {
	z.with(sessionID).Debugf(format, values...)
}

// LogexLogger adapts a gokit leveled logger. logex has no warning level,
// warnings go to Error with a prefix.
type LogexLogger struct {
	*logex.Leveled
}

func NewLogexLogger(l *logex.Leveled) *LogexLogger {
	return &LogexLogger{Leveled: l}
}

func (l *LogexLogger) Errorf(sessionID int64, format string, values ...any) {
	l.Error.Printf(formatSessionID(sessionID, format), values...)
}

func (l *LogexLogger) Warnf(sessionID int64, format string, values ...any) {
	l.Error.Printf("WARNING: "+formatSessionID(sessionID, format), values...)
}

func (l *LogexLogger) Infof(sessionID int64, format string, values ...any) {
	l.Info.Printf(formatSessionID(sessionID, format), values...)
}

func (l *LogexLogger) Debugf(sessionID int64, format string, values ...any) {
	l.Debug.Printf(formatSessionID(sessionID, format), values...)
}

func formatSessionID(sessionID int64, format string) string {
	return fmt.Sprintf("[%03d] ", sessionID&0xFFFF) + format
}

// leveled returns a gokit leveled logger feeding l, for the socket level
// code that reports through logex.
func leveled(l Logger) *logex.Leveled {
	if ll, ok := l.(*LogexLogger); ok {
		return ll.Leveled
	}
	return logex.Levels(log.New(logWriter{l}, "", 0))
}

type logWriter struct{ l Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Infof(0, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

type nopLogger struct{}

func (nopLogger) Errorf(int64, string, ...any) {}
func (nopLogger) Warnf(int64, string, ...any)  {}
func (nopLogger) Infof(int64, string, ...any)  {}
func (nopLogger) Debugf(int64, string, ...any) {}
