package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger.
// In production (ENVIRONMENT=production) it emits JSON for log aggregation,
// otherwise the human-readable text formatter.
func Init(level, environment string) {
	if strings.EqualFold(strings.TrimSpace(environment), "production") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

// For returns a logger scoped to a component.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
