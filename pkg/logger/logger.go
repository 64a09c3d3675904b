package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
	closer io.Closer
}

// Config holds logger configuration
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is one of stdout, stderr, file or discard
	Output string `yaml:"output"`
	File   string `yaml:"file"`
	// Rotation settings for file output, sizes in megabytes and age in days
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
}

// New creates a new logger instance with the given configuration
func New(config Config) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch config.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	var (
		output io.Writer
		closer io.Closer
	)
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	case "file":
		if config.File == "" {
			config.File = "gameserver-lb.log"
		}

		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, err
		}

		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		output = rotator
		closer = rotator
	default:
		output = os.Stdout
	}

	logger.SetOutput(output)

	return &Logger{
		Logger: logger,
		fields: make(logrus.Fields),
		closer: closer,
	}, nil
}

// Close releases the rotating file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	newFields := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
		closer: l.closer,
	}
}

// WithError adds an error field to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Fields returns a copy of the context fields
func (l *Logger) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

func (l *Logger) Debug(args ...interface{}) {
	l.Logger.WithFields(l.fields).Debug(args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Debugf(format, args...)
}

func (l *Logger) Info(args ...interface{}) {
	l.Logger.WithFields(l.fields).Info(args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Infof(format, args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.Logger.WithFields(l.fields).Warn(args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Warnf(format, args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.Logger.WithFields(l.fields).Error(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(args ...interface{}) {
	l.Logger.WithFields(l.fields).Fatal(args...)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Fatalf(format, args...)
}

// RequestLogger creates a logger with request-specific fields
func (l *Logger) RequestLogger(requestID, method, path, remoteAddr string) *Logger {
	return l.WithFields(logrus.Fields{
		"request_id":  requestID,
		"method":      method,
		"path":        path,
		"remote_addr": remoteAddr,
		"component":   "request_handler",
	})
}

// ServerLogger creates a logger scoped to one game server
func (l *Logger) ServerLogger(serverID, address string) *Logger {
	return l.WithFields(logrus.Fields{
		"server_id": serverID,
		"address":   address,
		"component": "server",
	})
}

func (l *Logger) HealthCheckLogger() *Logger {
	return l.WithField("component", "health_check")
}

func (l *Logger) CircuitBreakerLogger() *Logger {
	return l.WithField("component", "circuit_breaker")
}

func (l *Logger) AffinityLogger() *Logger {
	return l.WithField("component", "session_affinity")
}

func (l *Logger) DiscoveryLogger() *Logger {
	return l.WithField("component", "discovery")
}

func (l *Logger) LoadBalancerLogger() *Logger {
	return l.WithField("component", "load_balancer")
}

func (l *Logger) MetricsLogger() *Logger {
	return l.WithField("component", "metrics")
}

// MiddlewareLogger creates a logger with middleware specific fields
func (l *Logger) MiddlewareLogger(middlewareName string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":  "middleware",
		"middleware": middlewareName,
	})
}
