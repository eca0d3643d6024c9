package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. It discards output until Init
	// is called so packages can log safely from tests.
	Logger = zerolog.Nop()
)

// Init initializes the global logger. ENV=development switches to console output.
func Init(level string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	env := os.Getenv("ENV")
	var output io.Writer = os.Stdout
	if env == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "healthsense").
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Str("env", env).
		Msg("logger initialized")
}

// SetOutput replaces the global logger with one writing JSON to w
func SetOutput(w io.Writer) {
	Logger = zerolog.New(w).With().Timestamp().Logger()
}

// WithComponent returns a logger with a component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) *zerolog.Logger {
	l := Logger.With().Str("request_id", requestID).Logger()
	return &l
}

// WithDevice returns a logger scoped to a reporting device
func WithDevice(component, deviceID string) *zerolog.Logger {
	l := Logger.With().
		Str("component", component).
		Str("device_id", deviceID).
		Logger()
	return &l
}

// WithError returns a logger with an error field
func WithError(err error) *zerolog.Logger {
	l := Logger.With().Err(err).Logger()
	return &l
}
