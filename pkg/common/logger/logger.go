package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is replaced by Init; the default keeps packages usable before main runs
// (tests, tools).
var Log = logrus.New()

func Init() {
	Log = logrus.New()
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// ForJob returns an entry tagged with the job coordinates used across the
// controller, watcher and deployment logs.
func ForJob(kind, name string) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"job_kind": kind,
		"job_name": name,
	})
}
