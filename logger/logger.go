// Package logger provides the standardized logging setup for pxdb,
// built on top of zap.
package logger

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level is the minimum log level ("debug", "info", "warn", "error")
	Level string
	// Format is the log output format ("json" or "console")
	Format string
	// OutputFile is the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string
}

// New creates a new zap.Logger based on the provided configuration.
// this is expected to be called once at startup.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, errors.Wrap(err, "getWriteSyncer failed")
	}

	core := zapcore.NewCore(getEncoder(config.Format), ws, level)
	return zap.New(core).WithOptions(zap.Fields(zap.String("service", "pxdb"))), nil
}

// getEncoder selects the log encoder based on the configured format
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "os.OpenFile failed")
		}
		return zapcore.AddSync(file), nil
	}
}
