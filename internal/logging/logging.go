package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
	mu         sync.RWMutex

	fatalHook = defaultFatal
)

// Logger returns the agent's logger instance.
// It uses a no-op logger until SetLogger is called.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		mu.Lock()
		if logger == nil {
			logger = zap.NewNop()
		}
		mu.Unlock()
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child logger for one component.
func Named(name string) *zap.Logger {
	return Logger().Named(name)
}

// SetLogger configures the process logger.
// This must be called before any stack is registered.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {})
	mu.Lock()
	logger = l
	mu.Unlock()
}

// New builds a production JSON logger at the given level ("debug", "info", ...).
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Fatal reports an unrecoverable condition. The default hook logs at fatal
// level, which terminates the process.
func Fatal(msg string, fields ...zap.Field) {
	mu.RLock()
	hook := fatalHook
	mu.RUnlock()
	hook(msg, fields...)
}

// SetFatalHook replaces the fatal handler and returns a function restoring
// the previous one. Tests use it to observe fatal conditions.
func SetFatalHook(fn func(msg string, fields ...zap.Field)) (restore func()) {
	mu.Lock()
	prev := fatalHook
	fatalHook = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		fatalHook = prev
		mu.Unlock()
	}
}

func defaultFatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
}
