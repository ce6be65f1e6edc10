package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const defaultLevel = logrus.ErrorLevel

var (
	Logger logrus.FieldLogger
	base   *logrus.Logger
)

func init() {
	base = newLogger(os.Getenv("LOG_LEVEL"))
	Logger = base
}

// ForRole scopes every subsequent log entry to the pipeline role this process runs as.
func ForRole(role string) {
	Logger = base.WithField("role", role)
}

// Writer exposes the underlying logger as an io.Writer for libraries that only
// accept a writer (the New Relic agent, for example).
func Writer() io.Writer {
	return base.Writer()
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{}
	l.Out = os.Stdout

	lvl, err := resolveLogLevel(level)
	l.Level = lvl

	if err != nil {
		l.Errorf("an error occurred resolving the log level: %s", err)
	}

	return l
}

func resolveLogLevel(envLvl string) (logrus.Level, error) {
	if envLvl == "" {
		return defaultLevel, nil
	}

	lvl, err := logrus.ParseLevel(envLvl)
	if err != nil {
		return defaultLevel, err
	}

	return lvl, nil
}
