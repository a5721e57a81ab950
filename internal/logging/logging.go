// Package logging builds the zap loggers used by the CLI.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// LevelNone disables logging.
	LevelNone = "none"

	// LevelInfo is the default level.
	LevelInfo = "info"

	// LevelDebug logs every eviction and recovery step.
	LevelDebug = "debug"
)

// Rotation limits for file output.
const (
	maxSizeMB  = 100
	maxBackups = 5
	maxAgeDays = 30
)

// New returns a JSON zap logger at the given level. Output goes to stderr, or
// to a size-rotated file when file is set.
func New(level, file string) (*zap.Logger, error) {
	if level == LevelNone {
		return zap.NewNop(), nil
	}
	if level == "" {
		level = LevelInfo
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var out zapcore.WriteSyncer
	if file == "" {
		out = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), out, zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller()), nil
}
