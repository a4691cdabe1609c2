package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogrus returns the endpoint logger. Unknown levels fall back to info.
func NewLogrus(level string) *logrus.Logger {
	return newLogrus(os.Stderr, level)
}

func newLogrus(out io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// Discard returns a logrus logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
