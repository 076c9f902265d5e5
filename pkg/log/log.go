package log

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	logger  *logrus.Logger
	service string
)

// Config log configuration
type Config struct {
	Service    string `json:"service"`     // value of the "service" field on component entries
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // json, text
	Output     string `json:"output"`      // stdout, stderr, file
	Filename   string `json:"filename"`    // log file path
	MaxSize    int    `json:"max_size"`    // megabytes per file before rotation
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	Compress   bool   `json:"compress"`
}

// Init builds the process logger from cfg.
func Init(cfg Config) error {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	var output io.Writer = os.Stdout
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.Filename != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
				return err
			}
			output = &lumberjack.Logger{
				Filename:   cfg.Filename,
				MaxSize:    cfg.MaxSize,
				MaxAge:     cfg.MaxAge,
				MaxBackups: cfg.MaxBackups,
				Compress:   cfg.Compress,
			}
		}
	}
	l.SetOutput(output)

	mu.Lock()
	logger = l
	service = cfg.Service
	mu.Unlock()
	return nil
}

// GetLogger returns the process logger, creating a default one if Init was never called.
func GetLogger() *logrus.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = logrus.New()
	}
	return logger
}

// SetLogger replaces the process logger. Tests use it to capture output.
func SetLogger(l *logrus.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Component returns an entry tagged with the component name.
func Component(name string) *logrus.Entry {
	mu.RLock()
	svc := service
	mu.RUnlock()

	entry := GetLogger().WithField("component", name)
	if svc != "" {
		entry = entry.WithField("service", svc)
	}
	return entry
}

func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatal logs and exits the process.
func Fatal(args ...interface{}) {
	GetLogger().Fatal(args...)
}

// Fatalf logs and exits the process.
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// WithField add field
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields add multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithError add error field
func WithError(err error) *logrus.Entry {
	return GetLogger().WithError(err)
}
