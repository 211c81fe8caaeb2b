// Package logger provides the structured logging used across the player:
// a logrus-backed Logger interface, request-scoped HTTP logging and sampling
// for events that fire on every tick.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/playcore/internal/config"
	"github.com/zsiec/playcore/pkg/version"
)

// Logger is the structured logger handed to player components.
type Logger interface {
	WithFields(fields map[string]interface{}) Logger
	WithField(key string, value interface{}) Logger
	WithError(err error) Logger
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Log(level logrus.Level, args ...interface{})
	Warnf(format string, args ...interface{})
}

type entryLogger struct {
	entry *logrus.Entry
}

// NewLogrusAdapter wraps a logrus entry.
func NewLogrusAdapter(entry *logrus.Entry) Logger {
	return entryLogger{entry: entry}
}

func (l entryLogger) WithFields(fields map[string]interface{}) Logger {
	return entryLogger{entry: l.entry.WithFields(fields)}
}

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{entry: l.entry.WithField(key, value)}
}

func (l entryLogger) WithError(err error) Logger {
	return entryLogger{entry: l.entry.WithError(err)}
}

func (l entryLogger) Debug(args ...interface{}) { l.entry.Log(logrus.DebugLevel, args...) }
func (l entryLogger) Info(args ...interface{})  { l.entry.Log(logrus.InfoLevel, args...) }
func (l entryLogger) Warn(args ...interface{})  { l.entry.Log(logrus.WarnLevel, args...) }
func (l entryLogger) Error(args ...interface{}) { l.entry.Log(logrus.ErrorLevel, args...) }

func (l entryLogger) Log(level logrus.Level, args ...interface{}) {
	l.entry.Log(level, args...)
}

func (l entryLogger) Warnf(format string, args ...interface{}) {
	l.entry.Logf(logrus.WarnLevel, format, args...)
}

// New builds the process logger from cfg. Output is stdout, stderr or a
// file path rotated by lumberjack.
func New(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	out, err := newOutput(cfg)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(newFormatter(cfg.Format))
	log.SetOutput(out)
	log.AddHook(staticFields{
		"service": "playcore",
		"version": version.Version,
	})
	return log, nil
}

func newFormatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	}
}

func newOutput(cfg *config.LoggingConfig) (io.Writer, error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}, nil
}

// staticFields adds the same fields to every entry that does not set them.
type staticFields logrus.Fields

func (h staticFields) Levels() []logrus.Level { return logrus.AllLevels }

func (h staticFields) Fire(e *logrus.Entry) error {
	for k, v := range h {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}

// ForComponent derives a component logger, tagging the media type when set.
func ForComponent(base Logger, component string, mediaType string) Logger {
	if base == nil {
		base = NewNullLogger()
	}
	l := base.WithField("component", component)
	if mediaType != "" {
		l = l.WithField("media_type", mediaType)
	}
	return l
}
