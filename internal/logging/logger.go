// Package logging holds the daemon's zap logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger *zap.Logger

// LogLevelEnvVar is the environment variable that controls logging verbosity.
// When neither it nor a level is given, logging is silent.
// Valid values: "debug", "info", "warn", "error"
const LogLevelEnvVar = "CHANNEL_MANAGER_LOG_LEVEL"

// Rotation limits for the log file.
const (
	MaxFileSizeMB = 10
	MaxBackups    = 3
	MaxAgeDays    = 28
)

// Initialize replaces the global logger. See New.
func Initialize(level, file string) error {
	l, err := New(level, file)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// New builds a logger writing console output to stdout and, when file is set,
// JSON lines to a size-rotated file. If level is empty, LogLevelEnvVar is
// consulted; if that is empty too, a nop logger is returned.
func New(level, file string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		return zap.NewNop(), nil
	}
	zapLevel := parseLevel(level)

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), zapLevel),
	}

	if file != "" {
		if err := checkWritable(file); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    MaxFileSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), zapLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		// Unknown level - use info as default when explicitly set to something
		return zapcore.InfoLevel
	}
}

// checkWritable fails early on an unusable log path; lumberjack would only
// report it on the first write.
func checkWritable(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// Sync flushes any buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}
