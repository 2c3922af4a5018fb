package logging

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Structured returns a zap sugared logger for a category, writing JSON
// lines to the category's log file. The scheduler and timeline hot paths
// use it where task-id/op-id field correlation matters more than the
// printf helpers above. Returns a no-op logger when the category or debug
// mode is disabled.
func Structured(category Category) *zap.SugaredLogger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return zap.NewNop().Sugar()
	}

	zapMu.Lock()
	defer zapMu.Unlock()
	if l, ok := zapLoggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, date+"_"+string(category)+".jsonl")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zap.NewNop().Sugar()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.EpochMillisTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zapLevel())

	l := zap.New(core).Named(string(category)).Sugar()
	zapLoggers[category] = l
	return l
}

var (
	zapMu      sync.Mutex
	zapLoggers = make(map[Category]*zap.SugaredLogger)
)

func zapLevel() zapcore.Level {
	switch logLevel {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SyncStructured flushes all structured loggers. Call at shutdown,
// alongside CloseAll.
func SyncStructured() {
	zapMu.Lock()
	defer zapMu.Unlock()
	for _, l := range zapLoggers {
		_ = l.Sync()
	}
	zapLoggers = make(map[Category]*zap.SugaredLogger)
}
