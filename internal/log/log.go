package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"zonedb/internal/config"
)

// Setup builds the process logger: JSON-encoded zap over a size-rotated
// file. Callers that only need a logger for tests should use zap.NewNop.
func Setup(cfg config.LogConfig) (*zap.Logger, error) {
	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.BackupDir, 0755); err != nil {
		return nil, err
	}
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.RunDir, "zonedb.log"),
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackup,
		MaxAge:     cfg.MaxAge, // days
		Compress:   true,
		LocalTime:  true,
	}
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(logFile),
		level,
	)

	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	return zap.New(core, options...), nil
}
