package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	for _, tc := range []struct {
		desc      string
		format    string
		level     string
		formatter logrus.Formatter
		level_    logrus.Level
	}{
		{
			desc:      "json format with info level",
			format:    "json",
			formatter: &logrus.JSONFormatter{TimestampFormat: TimestampFormat},
			level_:    logrus.InfoLevel,
		},
		{
			desc:      "text format with info level",
			format:    "text",
			formatter: &logrus.TextFormatter{TimestampFormat: TimestampFormat},
			level_:    logrus.InfoLevel,
		},
		{
			desc:      "empty format keeps the existing formatter",
			formatter: &logrus.TextFormatter{TimestampFormat: TimestampFormat},
			level_:    logrus.InfoLevel,
		},
		{
			desc:      "text format with debug level",
			format:    "text",
			level:     "debug",
			formatter: &logrus.TextFormatter{TimestampFormat: TimestampFormat},
			level_:    logrus.DebugLevel,
		},
		{
			desc:      "text format with invalid level falls back to info",
			format:    "text",
			level:     "invalid-level",
			formatter: &logrus.TextFormatter{TimestampFormat: TimestampFormat},
			level_:    logrus.InfoLevel,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			defaultLogger = logrus.StandardLogger()
			defaultLogger.Formatter = &logrus.TextFormatter{TimestampFormat: TimestampFormat}

			Configure(tc.format, tc.level)

			require.Equal(t, tc.formatter, defaultLogger.Formatter)
			require.Equal(t, tc.level_, defaultLogger.Level)
		})
	}
}

func TestDefaultTagsWithProcessID(t *testing.T) {
	entry := Default()
	_, ok := entry.Data["pid"]
	require.True(t, ok)
}
