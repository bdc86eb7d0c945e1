// Package obs holds the logger every other package shares.
package obs

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// emptyTimeEncoder drops timestamps, matching the teacher's dev console output.
func emptyTimeEncoder(_ time.Time, _ zapcore.PrimitiveArrayEncoder) {}

// Log returns the process-wide logger, building it on first use.
func Log() *zap.Logger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = emptyTimeEncoder
		cfg.EncoderConfig.EncodeCaller = nil
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		logger = l
	})
	return logger
}

// Sugar returns the sugared form of Log, for printf-style call sites.
func Sugar() *zap.SugaredLogger {
	return Log().Sugar()
}
