// Package log provides centralized diagnostic logging using zap logger.
//
// Diagnostics are kept apart from the operator console and from the measurement
// log file; by default they go to stderr.
package log

import (
	"fmt"

	"go.uber.org/zap"
)

var log *zap.SugaredLogger

// Options controls how the package-level logger is built
type Options struct {
	Debug bool
	// OutputPath is a file path or one of zap's "stdout"/"stderr" sinks.
	// Empty means stderr.
	OutputPath string
}

// Init initializes the package-level logger
func Init(opts Options) error {
	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if opts.OutputPath != "" {
		cfg.OutputPaths = []string{opts.OutputPath}
		cfg.ErrorOutputPaths = []string{opts.OutputPath}
	}

	zapLogger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %v", err)
	}

	log = zapLogger.Sugar()
	return nil
}

// GetSugaredLogger returns the sugared logger instance
func GetSugaredLogger() *zap.SugaredLogger {
	if log == nil {
		// Fallback logger if not initialized
		fallback, _ := zap.NewProduction(zap.AddCallerSkip(1))
		log = fallback.Sugar()
	}
	return log
}

// Named returns a child logger tagged with the given component name
func Named(component string) *zap.SugaredLogger {
	return GetSugaredLogger().Desugar().WithOptions(zap.AddCallerSkip(-1)).Named(component).Sugar()
}

// Sync flushes any buffered log entries
func Sync() {
	if log != nil {
		log.Sync()
	}
}

// Package-level convenience functions
func Info(args ...interface{}) {
	GetSugaredLogger().Info(args...)
}

func Infof(template string, args ...interface{}) {
	GetSugaredLogger().Infof(template, args...)
}
