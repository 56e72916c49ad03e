package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process logger. Components do not log through it
// directly; they derive tagged entries via WithComponent and
// WithDevice so every line carries its origin.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the process log level from its string name.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)
	return nil
}

// SetLogOutput redirects all log output, primarily for tests.
func SetLogOutput(w io.Writer) {
	Log.SetOutput(w)
}

// SetJSONFormat switches to JSON log lines for machine collection.
func SetJSONFormat() {
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithDevice returns an entry tagged with a homebase address.
func WithDevice(addr string) *logrus.Entry {
	return Log.WithField("device", addr)
}

// WithComponent returns an entry tagged with a gateway component name
// (link, hub, prober, listener, daemon).
func WithComponent(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
