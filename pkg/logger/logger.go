package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelFatal: "fatal",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a config value to a Level, falling back to info.
func ParseLevel(level string) Level {
	for l, name := range levelNames {
		if name == level {
			return l
		}
	}
	return LevelInfo
}

type Logger struct {
	encoder *logfmt.Encoder
	output  io.Writer
	mu      *sync.Mutex
	level   *Level
	base    map[string]any
}

func New(output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	level := LevelInfo
	return &Logger{
		encoder: logfmt.NewEncoder(output),
		output:  output,
		mu:      &sync.Mutex{},
		level:   &level,
	}
}

func NewDefault() *Logger {
	return defaultLogger
}

// With returns a logger that adds fields to every record. It shares the
// encoder of its parent.
func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		encoder: l.encoder,
		output:  l.output,
		mu:      l.mu,
		level:   l.level,
		base:    merged,
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.level = level
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < *l.level {
		return
	}

	_ = l.encoder.EncodeKeyval("time", time.Now().Format(time.RFC3339))
	_ = l.encoder.EncodeKeyval("level", level.String())
	_ = l.encoder.EncodeKeyval("msg", msg)

	for _, k := range sortedKeys(l.base) {
		if _, overridden := fields[k]; overridden {
			continue
		}
		_ = l.encoder.EncodeKeyval(k, l.base[k])
	}
	for _, k := range sortedKeys(fields) {
		_ = l.encoder.EncodeKeyval(k, fields[k])
	}

	_ = l.encoder.EndRecord()
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.log(LevelError, msg, merged)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.log(LevelFatal, msg, fields)
	os.Exit(1)
}

var defaultLogger = New(os.Stdout)

// SetDefaultLevel changes the level of the package-level logger and of every
// logger derived from it with With.
func SetDefaultLevel(level Level) {
	defaultLogger.SetLevel(level)
}

func Debug(msg string, fields map[string]any) {
	defaultLogger.Debug(msg, fields)
}

func Info(msg string, fields map[string]any) {
	defaultLogger.Info(msg, fields)
}

func Error(msg string, err error, fields map[string]any) {
	defaultLogger.Error(msg, err, fields)
}

func Warn(msg string, fields map[string]any) {
	defaultLogger.Warn(msg, fields)
}

func Fatal(msg string, fields map[string]any) {
	defaultLogger.Fatal(msg, fields)
}

func Printf(format string, args ...any) {
	defaultLogger.Info(fmt.Sprintf(format, args...), nil)
}

func Fatalf(format string, args ...any) {
	defaultLogger.Fatal(fmt.Sprintf(format, args...), nil)
}
