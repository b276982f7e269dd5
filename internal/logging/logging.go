// Package logging configures the broker and client's structured logger,
// following the teacher's contrib/logger/zap driver: a Config selecting
// level/format/output, built into a zap.Logger whose SugaredLogger is handed
// out to callers, who derive Named sub-loggers per component.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls level, encoding, and destination of the logger.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json, console
	Output    string // stdout, stderr, or a file path
	AddCaller bool
}

// DefaultConfig matches the teacher's sensible defaults, console-formatted
// for a CLI broker process.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "console",
		Output:    "stdout",
		AddCaller: true,
	}
}

// New builds a SugaredLogger from cfg.
func New(cfg Config) (*zap.SugaredLogger, error) {
	level := parseLevel(cfg.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	output, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, output, level)

	opts := []zap.Option{}
	if cfg.AddCaller {
		opts = append(opts, zap.AddCaller())
	}

	return zap.New(core, opts...).Sugar(), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func openOutput(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}
