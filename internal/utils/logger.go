package utils

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Logger = logrus.New()

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// serviceHook tags every entry with the service name: a message prefix for
// text output and a "service" field for JSON.
type serviceHook struct {
	appName string
	asField bool
}

// Levels implements logrus.Hook interface.
func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook interface.
func (h *serviceHook) Fire(entry *logrus.Entry) error {
	if h.asField {
		entry.Data["service"] = h.appName
		return nil
	}
	entry.Message = "[" + h.appName + "] " + entry.Message
	return nil
}

// InitLogger configures the package logger from LOG_LEVEL and LOG_FORMAT.
// Unknown levels fall back to info. Calling it again replaces the previous setup.
func InitLogger(appName, level, format string) {
	Logger.SetOutput(os.Stdout)

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		Logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to INFO", level)
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)

	asJSON := strings.EqualFold(format, LogFormatJSON)
	if asJSON {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	Logger.ReplaceHooks(make(logrus.LevelHooks))
	Logger.AddHook(&serviceHook{appName: appName, asField: asJSON})
}

// TokenPrefix returns enough of a session token to correlate log lines
// without making the token usable.
func TokenPrefix(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "…"
}
