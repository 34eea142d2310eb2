package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger configured with the given level and format ("json" or "text").
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(parseLevel(level))

	if strings.EqualFold(strings.TrimSpace(format), "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// Critical logs an error that needs human attention. Alerting rules match on alert=critical.
func Critical(logger logrus.FieldLogger, msg string, fields logrus.Fields) {
	entry := logger.WithField("alert", "critical")
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Error(msg)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
