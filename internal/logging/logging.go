// Package logging configures the process-wide logrus logger. This is
// lifted directly from the teacher's InitializeGlobalLogger in
// logger_init.go: parse the configured level, fall back to info on a bad
// value, apply one formatter for the whole process.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures logrus's global level and formatter from logLevel
// (e.g. "debug", "info", "warn").
func Init(logLevel string) {
	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		logrus.WithError(err).Warn("failed to parse log level, defaulting to info")
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logrus.WithField("log_level", level.String()).Info("logger initialized")
}
