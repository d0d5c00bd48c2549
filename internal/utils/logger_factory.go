package utils

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel enumerates supported diagnostic log levels.
type LogLevel string

// LogFormat enumerates supported diagnostic log encodings.
type LogFormat string

const (
	// LogLevelDebug enables verbose diagnostics.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo records informational events.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn records warnings and errors.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError records errors only.
	LogLevelError LogLevel = "error"

	// LogFormatStructured emits JSON lines.
	LogFormatStructured LogFormat = "structured"
	// LogFormatConsole emits human-readable lines.
	LogFormatConsole LogFormat = "console"
)

const (
	unsupportedLogLevelTemplateConstant  = "unsupported log level %q"
	unsupportedLogFormatTemplateConstant = "unsupported log format %q"
	timestampFieldNameConstant           = "timestamp"
	levelFieldNameConstant               = "level"
	messageFieldNameConstant             = "message"
	loggerFieldNameConstant              = "logger"
	callerFieldNameConstant              = "caller"
)

// LoggerOutputs groups the diagnostic logger with the console logger used for human-facing progress lines.
type LoggerOutputs struct {
	DiagnosticLogger *zap.Logger
	ConsoleLogger    *zap.Logger
}

// LoggerFactory builds zap loggers for the requested level and format.
type LoggerFactory struct{}

// NewLoggerFactory constructs a LoggerFactory.
func NewLoggerFactory() LoggerFactory {
	return LoggerFactory{}
}

// CreateLoggerOutputs builds the diagnostic and console loggers writing to standard error.
func (factory LoggerFactory) CreateLoggerOutputs(logLevel LogLevel, logFormat LogFormat) (LoggerOutputs, error) {
	zapLevel, levelError := resolveZapLevel(logLevel)
	if levelError != nil {
		return LoggerOutputs{}, levelError
	}

	normalizedFormat := LogFormat(strings.ToLower(strings.TrimSpace(string(logFormat))))
	if normalizedFormat != LogFormatStructured && normalizedFormat != LogFormatConsole {
		return LoggerOutputs{}, fmt.Errorf(unsupportedLogFormatTemplateConstant, logFormat)
	}

	outputSyncer := zapcore.Lock(zapcore.AddSync(NewFlushingWriter(os.Stderr)))

	if normalizedFormat == LogFormatStructured {
		diagnosticCore := zapcore.NewCore(zapcore.NewJSONEncoder(structuredEncoderConfig()), outputSyncer, zapLevel)
		return LoggerOutputs{
			DiagnosticLogger: zap.New(diagnosticCore),
			ConsoleLogger:    zap.NewNop(),
		}, nil
	}

	diagnosticCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), outputSyncer, zapLevel)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(messageOnlyEncoderConfig()), outputSyncer, zapLevel)

	return LoggerOutputs{
		DiagnosticLogger: zap.New(diagnosticCore),
		ConsoleLogger:    zap.New(consoleCore),
	}, nil
}

func resolveZapLevel(logLevel LogLevel) (zapcore.Level, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(string(logLevel)))) {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf(unsupportedLogLevelTemplateConstant, logLevel)
	}
}

func structuredEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = timestampFieldNameConstant
	encoderConfig.LevelKey = levelFieldNameConstant
	encoderConfig.MessageKey = messageFieldNameConstant
	encoderConfig.NameKey = loggerFieldNameConstant
	encoderConfig.CallerKey = callerFieldNameConstant
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return encoderConfig
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return encoderConfig
}

func messageOnlyEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     messageFieldNameConstant,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}
