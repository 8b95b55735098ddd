package obs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level string
	// Dir receives combined.log and error.log. Empty disables file output.
	Dir        string
	Production bool
	App        string
	Env        string

	MaxSizeMB  int
	MaxBackups int
}

func NewLogger(c LogConfig) (*zap.Logger, error) {
	level := new(zapcore.Level)
	if err := level.Set(c.Level); err != nil {
		*level = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(*level)

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEnc)
	if c.Production {
		consoleEncoder = zapcore.NewJSONEncoder(fileEncoderConfig())
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), atomic),
	}

	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		jsonEncoder := zapcore.NewJSONEncoder(fileEncoderConfig())
		cores = append(cores,
			zapcore.NewCore(jsonEncoder, c.rotating("combined.log"), atomic),
			zapcore.NewCore(jsonEncoder, c.rotating("error.log"), zap.LevelEnablerFunc(func(l zapcore.Level) bool {
				return l >= zapcore.ErrorLevel && atomic.Enabled(l)
			})),
		)
	}

	l := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(
			zap.String("service", c.App),
			zap.String("env", c.Env),
		),
	)
	return l, nil
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func (c LogConfig) rotating(name string) zapcore.WriteSyncer {
	maxSize := c.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	backups := c.MaxBackups
	if backups <= 0 {
		backups = 5
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(c.Dir, name),
		MaxSize:    maxSize,
		MaxBackups: backups,
	})
}
