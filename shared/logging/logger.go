package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// Logger wraps zerolog with additional functionality
type Logger struct {
	logger  zerolog.Logger
	service string
}

// Config holds logger configuration
type Config struct {
	Level       LogLevel
	Service     string
	Environment string
	Version     string
	Output      io.Writer
	PrettyLog   bool
	AddCaller   bool
}

// DefaultConfig returns default logger configuration
func DefaultConfig(service string) *Config {
	env := getEnv("ENVIRONMENT", "development")
	return &Config{
		Level:       LogLevel(getEnv("LOG_LEVEL", string(LevelInfo))),
		Service:     service,
		Environment: env,
		Version:     getEnv("SERVICE_VERSION", "unknown"),
		Output:      os.Stdout,
		PrettyLog:   env == "development",
		AddCaller:   true,
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig("unknown")
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.PrettyLog {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000",
		}
	}

	logger := zerolog.New(output).
		Level(parseLevel(config.Level)).
		With().
		Timestamp().
		Str("service", config.Service).
		Str("environment", config.Environment).
		Str("version", config.Version).
		Logger()

	if config.AddCaller {
		logger = logger.With().Caller().Logger()
	}

	return &Logger{logger: logger, service: config.Service}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop(), service: "nop"}
}

// WithContext creates a logger carrying the ids stored in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	c := l.logger.With()
	if id := GetCorrelationID(ctx); id != "" {
		c = c.Str("correlation_id", id)
	}
	if id := GetRequestID(ctx); id != "" {
		c = c.Str("request_id", id)
	}
	if addr := addressFrom(ctx); addr != "" {
		c = c.Str("address", addr)
	}
	return &Logger{logger: c.Logger(), service: l.service}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		logger:  l.logger.With().Interface(key, value).Logger(),
		service: l.service,
	}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		logger:  l.logger.With().Fields(fields).Logger(),
		service: l.service,
	}
}

// WithError adds an error to the logger
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}

	c := l.logger.With().
		Err(err).
		Str("error_type", fmt.Sprintf("%T", err))
	if l.logger.GetLevel() <= zerolog.DebugLevel {
		if stack := getStackTrace(2); len(stack) > 0 {
			c = c.Strs("stack", stack)
		}
	}

	return &Logger{logger: c.Logger(), service: l.service}
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) { l.logger.Fatal().Msg(msg) }

// Performance logs how long an operation took, as a warning when it is slow
func (l *Logger) Performance(operation string, duration time.Duration, fields map[string]interface{}) {
	perfLogger := l.logger.With().
		Str("operation", operation).
		Dur("duration_ms", duration).
		Fields(fields).
		Logger()

	if duration > 1*time.Second {
		perfLogger.Warn().Msg("SLOW_OPERATION")
	} else {
		perfLogger.Debug().Msg("PERFORMANCE")
	}
}

// Security logs a security event
func (l *Logger) Security(event string, severity string, fields map[string]interface{}) {
	secLogger := l.logger.With().
		Str("security_event", event).
		Str("severity", severity).
		Time("security_timestamp", time.Now()).
		Fields(fields).
		Logger()

	switch severity {
	case "critical", "high":
		secLogger.Error().Msg("SECURITY")
	case "medium":
		secLogger.Warn().Msg("SECURITY")
	default:
		secLogger.Info().Msg("SECURITY")
	}
}

func parseLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getStackTrace(skip int) []string {
	var stack []string
	for i := skip; i < skip+5; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		}
	}
	return stack
}

var globalLogger *Logger

// Init initializes the global logger and points zerolog's package logger at it
func Init(config *Config) *Logger {
	globalLogger = NewLogger(config)
	log.Logger = globalLogger.logger
	return globalLogger
}

// Default returns the default global logger
func Default() *Logger {
	if globalLogger == nil {
		Init(DefaultConfig("default"))
	}
	return globalLogger
}
