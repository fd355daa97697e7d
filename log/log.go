// Package log is the structured logger used across the colo packages. It
// wraps zap with a lumberjack-backed rotating file sink, mirroring the
// github.com/AllenShaw19/paxos/log call-site shape (Info/Error/Warn/Debug
// plus typed field constructors) so every package in this module logs the
// same way.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	logger = newLogger("./logs/colo.log", zap.InfoLevel)
)

// Config controls where and how verbosely the package logs.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      zapcore.Level
	Console    bool
}

func newLogger(path string, level zapcore.Level) *zap.Logger {
	return build(Config{
		Path:       path,
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
		Compress:   true,
		Level:      level,
	})
}

func build(cfg Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "ts"

	fileSync := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSync, cfg.Level),
	}
	if cfg.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), cfg.Level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init replaces the package logger. Call once at process start; safe to
// call again in tests that want a different sink.
func Init(cfg Config) {
	l := build(cfg)
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return logger.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) { current().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { current().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { current().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { current().Error(msg, fields...) }

// Field constructors, named to match the call sites this package's
// callers were written against.
func Int(key string, v int) zap.Field          { return zap.Int(key, v) }
func Int32(key string, v int32) zap.Field       { return zap.Int32(key, v) }
func Int64(key string, v int64) zap.Field       { return zap.Int64(key, v) }
func Uint32(key string, v uint32) zap.Field     { return zap.Uint32(key, v) }
func Uint64(key string, v uint64) zap.Field     { return zap.Uint64(key, v) }
func String(key, v string) zap.Field            { return zap.String(key, v) }
func Bool(key string, v bool) zap.Field         { return zap.Bool(key, v) }
func ByteString(key string, v []byte) zap.Field { return zap.ByteString(key, v) }
func Err(err error) zap.Field                   { return zap.Error(err) }
