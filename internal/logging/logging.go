// Package logging builds the structured zap loggers shared by the client
// and server binaries, grounded on cppla-moto/utils/log.go's
// zapcore.Tee + lumberjack rotation pattern.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// Options configures a logger instance.
type Options struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Console    bool
}

// DefaultOptions mirrors the teacher's hardcoded lumberjack settings.
func DefaultOptions(path string) Options {
	return Options{Path: path, Level: "info", MaxSizeMB: 1024, MaxBackups: 5, MaxAgeDays: 30, Compress: true}
}

// New builds a zap.Logger writing JSON lines to a rotated file, and
// optionally also to stdout (useful for the dev/test fake capture
// source's companion CLI run).
func New(opts Options) *zap.Logger {
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		min, ok := levelMap[opts.Level]
		if !ok {
			min = zapcore.InfoLevel
		}
		return lvl >= min
	})

	hook := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{zapcore.NewCore(fileEncoder, zapcore.AddSync(hook), enabler)}
	if opts.Console {
		consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), enabler))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.Development())
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
