package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Encoding selects the log line format.
type Encoding string

const (
	// EncodingJSON emits one JSON object per line, for the server.
	EncodingJSON Encoding = "json"
	// EncodingConsole emits human readable lines, for the device CLI.
	EncodingConsole Encoding = "console"
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	return NewLoggerWithEncoding(level, EncodingJSON)
}

// NewLoggerWithEncoding builds a production logger with the given encoding.
// Console loggers write to stderr so command output on stdout stays clean.
func NewLoggerWithEncoding(level string, encoding Encoding) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	if encoding == EncodingConsole {
		cfg.Encoding = string(EncodingConsole)
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.OutputPaths = []string{"stderr"}
		cfg.Sampling = nil
	}

	return cfg.Build()
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
