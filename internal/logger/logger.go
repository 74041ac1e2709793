// Package logger provides the process-wide structured logger. Call sites
// use L() rather than threading a *zap.Logger through every constructor.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

func init() {
	log, _ = zap.NewProduction()
}

// Config controls how Init builds the process logger.
type Config struct {
	Level      string // debug, info, warn, error
	FilePath   string // empty disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool // also write to stderr
}

// Init replaces the process-wide logger. Safe to call once at startup;
// concurrent calls to L() before Init returns see the bootstrap default
// logger from init().
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil && cfg.Level != "" {
		return err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if cfg.FilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(writer), level))
	}
	if cfg.Console || cfg.FilePath == "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), level))
	}

	built := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	log = built
	mu.Unlock()
	return nil
}

// L returns the current process-wide logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() {
	_ = L().Sync()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
