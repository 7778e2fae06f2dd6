package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// CommandLogger records console commands through zerolog. It satisfies dispatcher.Logger.
type CommandLogger struct {
	logger zerolog.Logger
}

// NewCommandLogger tags every record with component=console.
func NewCommandLogger(logger zerolog.Logger) *CommandLogger {
	return &CommandLogger{logger: logger.With().Str("component", "console").Logger()}
}

func (l *CommandLogger) Debug(msg string, keysAndValues ...any) {
	l.log(zerolog.DebugLevel, msg, keysAndValues)
}

func (l *CommandLogger) Info(msg string, keysAndValues ...any) {
	l.log(zerolog.InfoLevel, msg, keysAndValues)
}

func (l *CommandLogger) Warn(msg string, keysAndValues ...any) {
	l.log(zerolog.WarnLevel, msg, keysAndValues)
}

func (l *CommandLogger) Error(msg string, keysAndValues ...any) {
	l.log(zerolog.ErrorLevel, msg, keysAndValues)
}

// log writes slog-style key/value pairs as typed zerolog fields. Pairs without a string key are dropped.
func (l *CommandLogger) log(level zerolog.Level, msg string, keysAndValues []any) {
	e := l.logger.WithLevel(level)
	if e == nil {
		return
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		switch v := keysAndValues[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
