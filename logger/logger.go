// Package logger builds the zap logger used by the commands.
package logger

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at the given level and installs it as the zap global logger.
// Messages go to stderr so they do not mix with the epoch stats written to stdout.
// If debug is set the development encoder config is used.
func New(level string, debug bool) (*zap.Logger, error) {
	var minLevel zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := minLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	return NewWithSyncer(minLevel, debug, zapcore.Lock(os.Stderr)), nil
}

// NewWithSyncer is like New but writes to the given syncer.
func NewWithSyncer(minLevel zapcore.Level, debug bool, out zapcore.WriteSyncer) *zap.Logger {
	// debug and info level enabler
	lowLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= minLevel && level < zapcore.WarnLevel
	})
	// warn, error and fatal level enabler
	highLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= minLevel && level >= zapcore.WarnLevel
	})
	encConfig := zap.NewProductionEncoderConfig()
	if debug {
		encConfig = zap.NewDevelopmentEncoderConfig()
	}
	encConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(encConfig), out, lowLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encConfig), out, highLevel),
	)
	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if debug {
		opts = append(opts, zap.AddCaller(), zap.Development())
	}
	log := zap.New(core, opts...)
	zap.ReplaceGlobals(log)
	return log
}
