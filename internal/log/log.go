// Package log configures the process-wide structured logger.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

const (
	// LogDirEnvKey defines the environment variable used to specify the log directory.
	LogDirEnvKey = "CIREMOTE_LOG_DIR"
	// TimestampFormat defines the timestamp format used in log files.
	TimestampFormat = "2006-01-02T15:04:05.000Z"
)

var defaultLogger = logrus.StandardLogger()

func init() {
	// Ensure log statements emitted before configuration has loaded go to
	// stdout instead of stderr.
	defaultLogger.Out = os.Stdout
}

// Configure sets the format and level on the default logger.
func Configure(format string, level string) {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: TimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: TimestampFormat}
	case "":
		// Stick with the default.
	default:
		logrus.WithField("format", format).Fatal("invalid logger format")
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}
	defaultLogger.SetLevel(logrusLevel)

	if formatter != nil {
		defaultLogger.Formatter = formatter
	}
}

// Default returns the default logrus logger, tagged with the process id.
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }
