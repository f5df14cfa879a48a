// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies level ("debug", "info", ...) and format ("text" or "json") to
// the standard logrus logger.
func Setup(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("logging: unknown format %q", format)
	}

	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)
	return nil
}

// For returns an entry tagged with the given component name.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
