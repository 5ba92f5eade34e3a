// Package common carries the ambient logging shared by the API server
// and the chunk workers: one process-wide logrus logger whose error
// lines go to stderr, plus a small field-carrying wrapper for per-job
// and per-worker context.
package common

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Packages log through it directly or
// through a ContextLogger; the CLI adjusts level and format at startup
// via ConfigureLogger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{Stdout: os.Stdout, Stderr: os.Stderr})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// ConfigureLogger applies the resolved log level and format. Unknown
// values keep the defaults (info, text).
func ConfigureLogger(level, format string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		Logger.SetLevel(lvl)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// OutputSplitter sends error-level lines to Stderr and everything else
// to Stdout, so container runtimes and shell pipelines can treat the two
// streams differently. It matches on the rendered level token, which
// both the text and JSON formatters emit.
type OutputSplitter struct {
	Stdout, Stderr io.Writer
}

var errorMarkers = [][]byte{
	[]byte(`level=error`), []byte(`level=fatal`),
	[]byte(`"level":"error"`), []byte(`"level":"fatal"`),
}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	for _, marker := range errorMarkers {
		if bytes.Contains(p, marker) {
			return s.Stderr.Write(p)
		}
	}
	return s.Stdout.Write(p)
}

// MaskSecret redacts a credential for startup logging, keeping just
// enough of the ends to recognize which key was loaded.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return "<not set>"
	case len(secret) <= 8:
		return "***"
	default:
		return secret[:4] + "..." + secret[len(secret)-4:]
	}
}
