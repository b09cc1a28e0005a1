package debuglog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvDebug = "SECURECHAT_DEBUG"

var (
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func Enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// New builds the process logger: console output on stderr, Info level, or
// Debug when debug is set or SECURECHAT_DEBUG=1.
func New(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug || Enabled() {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// RateLimited reports whether a log line keyed by key may be written now.
// At most one line per key passes per interval.
func RateLimited(key string, interval time.Duration) bool {
	if key == "" {
		return true
	}
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	if now.Sub(rlLast[key]) < interval {
		return false
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
	return true
}
