package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for logging throughout the application.
// Different implementations can be used for different contexts (console, silent, etc.)
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// Options configures a ConsoleLogger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File, when set, receives logs instead of stderr and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ConsoleLogger writes logs through logrus.
type ConsoleLogger struct {
	entry *logrus.Logger
}

// NewConsoleLogger creates a logger writing human-readable lines to stderr.
func NewConsoleLogger() *ConsoleLogger {
	l, _ := New(Options{Level: "info", Format: "text"})
	return l
}

// New creates a ConsoleLogger from options.
func New(opts Options) (*ConsoleLogger, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch opts.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	l.SetOutput(out)

	return &ConsoleLogger{entry: l}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c *ConsoleLogger) Info(msg string, args ...interface{}) {
	c.entry.Infof(msg, args...)
}

func (c *ConsoleLogger) Warn(msg string, args ...interface{}) {
	c.entry.Warnf(msg, args...)
}

func (c *ConsoleLogger) Error(msg string, args ...interface{}) {
	c.entry.Errorf(msg, args...)
}

func (c *ConsoleLogger) Debug(msg string, args ...interface{}) {
	c.entry.Debugf(msg, args...)
}

// SilentLogger discards all log messages.
// Used when running in TUI mode to prevent log output from interfering with the display.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Warn(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {}
func (s *SilentLogger) Debug(msg string, args ...interface{}) {}

// CronLogger adapts a Logger to robfig/cron's logger interface.
type CronLogger struct {
	Log Logger
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.Log.Debug("[cron] %s %v", msg, keysAndValues)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.Log.Error("[cron] %s: %v %v", msg, err, keysAndValues)
}
