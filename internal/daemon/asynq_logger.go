package daemon

import (
	"fmt"

	"github.com/hibiken/asynq"

	"sftpflow/pkg/logger"
)

// asynqLogger routes asynq's internal logging through the logfmt logger.
type asynqLogger struct {
	log *logger.Logger
}

func (l *asynqLogger) Debug(args ...any) {
	l.log.Debug(fmt.Sprint(args...), map[string]any{"source": "asynq"})
}

func (l *asynqLogger) Info(args ...any) {
	l.log.Info(fmt.Sprint(args...), map[string]any{"source": "asynq"})
}

func (l *asynqLogger) Warn(args ...any) {
	l.log.Warn(fmt.Sprint(args...), map[string]any{"source": "asynq"})
}

func (l *asynqLogger) Error(args ...any) {
	l.log.Error(fmt.Sprint(args...), nil, map[string]any{"source": "asynq"})
}

func (l *asynqLogger) Fatal(args ...any) {
	l.log.Fatal(fmt.Sprint(args...), map[string]any{"source": "asynq"})
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch level {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	case "fatal":
		return asynq.FatalLevel
	default:
		return asynq.InfoLevel
	}
}
