// Package logging builds the shared zap logger used across the imaging engine.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	global *zap.SugaredLogger
)

// Logger returns the process-wide sugared logger, constructing it on first use.
// Level is controlled by CHRONOS_LOG_LEVEL (debug|info|warn|error, default info).
// Output is a console encoder when stderr is a terminal and JSON otherwise, so
// CLI runs read naturally and scripted/CI runs get structured lines.
func Logger() *zap.SugaredLogger {
	once.Do(func() {
		level := parseLevel(os.Getenv("CHRONOS_LOG_LEVEL"))

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		var encoder zapcore.Encoder
		if isTerminal(os.Stderr) {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
			encoder = zapcore.NewConsoleEncoder(encCfg)
		} else {
			encoder = zapcore.NewJSONEncoder(encCfg)
		}

		core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
		global = zap.New(core, zap.AddCaller()).Sugar()
	})
	return global
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

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
