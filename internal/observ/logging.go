package observ

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger *zap.Logger = zap.NewNop()
)

// Init constructs the process-wide structured logger. level is one of
// zapcore's level names ("debug", "info", "warn", "error"); json selects
// zap's production JSON encoder over the human-readable console encoder.
func Init(level string, json bool) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return err
		}
	}
	cfg := zap.NewProductionConfig()
	if !json {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logMu.Lock()
	logger = l
	logMu.Unlock()
	return nil
}

// L returns the process-wide logger, or a no-op logger before Init is called.
func L() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// Log preserves the teacher's event+fields call shape
// (internal/observ/logging.go) over a zap structured record instead of a
// bare fmt.Println of a JSON blob.
func Log(event string, kv map[string]any) {
	fields := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		fields = append(fields, zap.Any(k, v))
	}
	L().Info(event, fields...)
}

// Sync flushes any buffered log entries; call during shutdown.
func Sync() {
	_ = L().Sync()
}
