package logutils

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogFileMaxSizeMB = 10
	defaultLogFileBackups   = 5
)

// BuildLogger constructs the process logger. Logs always go to stderr in
// console encoding; when file is non-empty a JSON core writing to a rotated
// file is added as well.
func BuildLogger(level string, file string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		lvl, err = zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			lvl,
		),
	}

	if file != "" {
		syncer := ZapSyncerWithRotation(FileOptions{
			Filename:   file,
			MaxSize:    defaultLogFileMaxSizeMB,
			MaxBackups: defaultLogFileBackups,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), syncer, lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
