package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	global  *zap.SugaredLogger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("OVERLAY_DEBUG") == "1"
}

func build() *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if enabled() {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if os.Getenv("OVERLAY_LOG_JSON") == "1" {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core).Sugar()
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = build()
	}
	return global
}

// SetLogger replaces the process-wide logger. Passing nil restores the
// environment-configured default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		global = nil
		return
	}
	global = l.Sugar()
}

// Reload rebuilds the default logger after OVERLAY_DEBUG changed.
func Reload() {
	SetLogger(nil)
}

func Named(name string) *zap.SugaredLogger {
	return logger().Named(name)
}

func Sync() {
	_ = logger().Sync()
}

func Logf(format string, args ...any) {
	logger().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	logger().Warnf(format, args...)
}

func Debugf(format string, args ...any) {
	logger().Debugf(format, args...)
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	logger().Warnf(format, args...)
}
