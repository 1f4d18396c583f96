package mmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ofsmmd/mmd/config"
	"github.com/sirupsen/logrus"
)

var logFormats = []string{"text", "json"}

// configLogger applies the logging section to l. Any debug toggle raises the
// level to at least debug.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%w; possible levels: %s", err, logrus.AllLevels)
	}
	if c.GetBool("debug", false) {
		level = max(level, logrus.DebugLevel)
	}

	format := strings.ToLower(c.GetString("logging.format", "text"))
	if !slices.Contains(logFormats, format) {
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}

	l.SetLevel(level)
	l.Formatter = logFormatter(format, c.GetString("logging.timestamp_format", ""), c.GetBool("logging.disable_timestamp", false))
	return nil
}

// logFormatter builds a formatter. An explicit timestamp format on the text
// formatter also switches it to full timestamps.
func logFormatter(format, timestampFormat string, noTimestamp bool) logrus.Formatter {
	full := timestampFormat != ""
	if !full {
		timestampFormat = time.RFC3339
	}

	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: noTimestamp,
		}
	}
	return &logrus.TextFormatter{
		TimestampFormat:  timestampFormat,
		FullTimestamp:    full,
		DisableTimestamp: noTimestamp,
	}
}
