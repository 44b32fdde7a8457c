// Package logging constructs the two logger flavors this system uses: a
// zerolog operational logger passed down through every component, and a
// logrus-backed audit-line encoder used only by the observability writers.
// Neither is a package-level singleton: main builds one operational logger
// per component and passes it to that component's constructor, and
// observability.New builds its own audit encoder (spec §9).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
)

// NewOperational builds the console/JSON zerolog logger for a component.
func NewOperational(component string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

// NewAuditEncoder builds a logrus logger configured purely as a structured
// record encoder: JSON formatter, output discarded (the caller writes the
// formatted line to a file itself via Entry.String()).
func NewAuditEncoder() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(io.Discard)
	return l
}

// EncodeLine renders one structured audit record as a JSON line (newline
// included) using the audit encoder's formatter, without emitting it
// anywhere. The record's own timestamp is used, not wall-clock time.
func EncodeLine(l *logrus.Logger, ts time.Time, fields logrus.Fields) (string, error) {
	entry := l.WithFields(fields).WithTime(ts)
	b, err := l.Formatter.Format(entry)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
