package orchestrator

import "strings"

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (o *Orchestrator) debugf(format string, args ...any) {
	if o.logLevel <= LogLevelDebug {
		o.logger.Printf("[debug] "+format, args...)
	}
}

func (o *Orchestrator) infof(format string, args ...any) {
	if o.logLevel <= LogLevelInfo {
		o.logger.Printf(format, args...)
	}
}

func (o *Orchestrator) warnf(format string, args ...any) {
	if o.logLevel <= LogLevelWarn {
		o.logger.Printf("[warn] "+format, args...)
	}
}
