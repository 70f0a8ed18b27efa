// Package logger builds the zap loggers used by the keyattest command.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig selects the logger flavour.
type LoggerConfig struct {
	// Debug enables human-readable development output at debug level.
	// Otherwise logs are JSON at info level.
	Debug bool
}

// NewLogger returns a logger writing to stderr.
func NewLogger(cfg *LoggerConfig, options ...zap.Option) (*zap.Logger, error) {
	var zc zap.Config
	if cfg != nil && cfg.Debug {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.Sampling = nil
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build(options...)
}
