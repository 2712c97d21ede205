// Package logger provides JSON structured logging using zerolog
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls the process logger.
type Config struct {
	Level      string `yaml:"level"`
	Debug      bool   `yaml:"debug"`
	Output     string `yaml:"output"`
	TimeFormat string `yaml:"time_format"`
}

// Logger is the logging surface every component depends on.
type Logger interface {
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	Fatal() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) Logger
}

type zlogger struct {
	zl zerolog.Logger
}

var globalLogger Logger = &zlogger{zl: zerolog.New(os.Stdout).With().Timestamp().Logger()}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Init configures the process logger and returns it.
func Init(config Config) (Logger, error) {
	var output io.Writer = os.Stdout

	if config.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}

	zl := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = zl
	globalLogger = &zlogger{zl: zl}

	return globalLogger, nil
}

// GetLogger returns the process logger.
func GetLogger() Logger {
	return globalLogger
}

// New wraps an existing zerolog logger.
func New(zl zerolog.Logger) Logger {
	return &zlogger{zl: zl}
}

// NewTestLogger creates a no-op logger for testing that discards all output
func NewTestLogger() Logger {
	return &zlogger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

func (l *zlogger) Debug() *zerolog.Event { return l.zl.Debug() }
func (l *zlogger) Info() *zerolog.Event  { return l.zl.Info() }
func (l *zlogger) Warn() *zerolog.Event  { return l.zl.Warn() }
func (l *zlogger) Error() *zerolog.Event { return l.zl.Error() }
func (l *zlogger) Fatal() *zerolog.Event { return l.zl.Fatal() }
func (l *zlogger) With() zerolog.Context { return l.zl.With() }

func (l *zlogger) WithComponent(component string) Logger {
	return &zlogger{zl: l.zl.With().Str("component", component).Logger()}
}
