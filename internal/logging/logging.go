// Package logging wires a process-wide zap sugared logger used by every
// component. Output goes to stderr and, when possible, to a local log file so
// operators can review history even when stderr is ephemeral. The path can be
// overridden via FLEETCTL_LOG_FILE.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger is the global logger instance.
var logger *zap.SugaredLogger

// Init initialises the global logger. It is safe to call multiple times; the
// first successful call wins.
func Init() error {
	if logger != nil {
		return nil
	}

	lvl := parseLevel(os.Getenv("FLEETCTL_LOG_LEVEL"))

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl),
	}

	logPath := strings.TrimSpace(os.Getenv("FLEETCTL_LOG_FILE"))
	if logPath == "" {
		logPath = "fleetctl.log"
	}
	// A log file that cannot be opened is not fatal; stderr logging still works.
	if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600); err == nil {
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(f), lvl))
	}

	logger = zap.New(zapcore.NewTee(cores...)).Sugar()
	return nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the process-wide logger, initialising it on first use if needed.
func L() *zap.SugaredLogger {
	if logger == nil {
		_ = Init()
	}
	return logger
}

// Sync flushes any buffered log output.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
