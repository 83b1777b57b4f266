// Package logging configures the process-wide logger and hands out
// per-component entries.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

// Setup configures level and output for the process logger. An unknown
// level string falls back to info.
func Setup(level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	root.SetOutput(output)
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	root.SetLevel(parsed)
}

// NewLogger returns an entry tagged with the component name.
func NewLogger(component string) *logrus.Entry {
	return root.WithField("component", component)
}
