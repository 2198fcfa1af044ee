// Package logging wraps logrus the way the teacher's pkg/logger does:
// a thin struct embedding *logrus.Logger, configured once at startup
// and then handed to every task via WithField("task", ...).
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls a Logger's level, format and destination.
type Config struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// Logger is a wrapper around logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "buildmaster"
		}
		dir := "logs"
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.Errorf("logging: create log dir: %v", err)
			break
		}
		path := filepath.Join(dir, prefix+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Errorf("logging: open log file: %v", err)
			break
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns a Logger at info level writing text to stdout;
// name is not applied to the logger. Used where a task starts before config is parsed
// (e.g. early fatal errors).
func NewDefault(name string) *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stdout)
	return &Logger{Logger: l}
}

// ForTask returns an Entry tagged with the component's identifying tag
// (GAZER, ORACLE, ARCH, DRIVER, JUGGLER, CHASE, SCRIBE, SECRETARY,
// BIG_BRO, SUPERVISOR) so log lines are attributable across the whole
// process.
func (l *Logger) ForTask(tag string) *logrus.Entry {
	return l.WithField("task", tag)
}
