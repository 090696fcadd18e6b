// Package logger provides leveled structured logging.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "FATAL"
	}
}

// ParseLevel maps a config level name to a Level, defaulting to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// slogLevel maps a Level onto slog; fatal sits above error.
func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

// Logger provides leveled logging.
type Logger struct {
	level   Level
	logger  *log.Logger
	handler slog.Handler // json format only
}

var defaultLogger *Logger

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	l := &Logger{level: ParseLevel(level)}

	switch strings.ToLower(format) {
	case "json":
		l.handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       slog.LevelDebug,
			AddSource:   true,
			ReplaceAttr: replaceAttr,
		})
	case "text":
		l.logger = log.New(w, "", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	default:
		l.logger = log.New(w, "", log.LstdFlags|log.Lmicroseconds)
	}

	defaultLogger = l
}

// replaceAttr keeps level names lowercase and shortens the source to file:line.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey:
		level := a.Value.Any().(slog.Level)
		name := strings.ToLower(level.String())
		if level > slog.LevelError {
			name = "fatal"
		}
		return slog.String(slog.LevelKey, name)
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			return slog.String("caller", fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
		}
	}
	return a
}

// output writes one record; depth counts the frames between the caller of
// the exported function and this one.
func (l *Logger) output(depth int, level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.handler == nil {
		_ = l.logger.Output(depth+1, "["+level.String()+"] "+msg)
		return
	}

	var pcs [1]uintptr
	runtime.Callers(depth+1, pcs[:])
	r := slog.NewRecord(time.Now(), level.slogLevel(), msg, pcs[0])
	_ = l.handler.Handle(context.Background(), r)
}

func logf(level Level, format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= level {
		defaultLogger.output(3, level, format, args...)
	}
}

func Debug(format string, args ...interface{}) {
	logf(DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	logf(InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	logf(WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	logf(ErrorLevel, format, args...)
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.output(2, FatalLevel, format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	}
	os.Exit(1)
}
