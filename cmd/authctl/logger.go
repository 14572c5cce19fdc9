package main

import (
	"io"

	authclient "github.com/goliatone/go-auth-client"
	"github.com/goliatone/go-auth-client/activitymap"
	log "github.com/sirupsen/logrus"
)

var _ authclient.Logger = (*logrusLogger)(nil)

// logrusLogger adapts a logrus entry to authclient.Logger
type logrusLogger struct {
	entry *log.Entry
}

func newLogger(out io.Writer, level string) *logrusLogger {
	l := log.New()
	l.SetOutput(out)
	l.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return &logrusLogger{entry: l.WithField("component", "authctl")}
}

func (l *logrusLogger) Debug(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

func (l *logrusLogger) Info(format string, args ...any) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Warn(format string, args ...any) {
	l.entry.Warnf(format, args...)
}

func (l *logrusLogger) Error(format string, args ...any) {
	l.entry.Errorf(format, args...)
}

// activity writes a normalized session event as a structured debug line
func (l *logrusLogger) activity(n activitymap.Normalized) error {
	fields := log.Fields{
		"actor":   n.ActorID,
		"object":  n.ObjectType + ":" + n.ObjectID,
		"channel": n.Channel,
	}
	for k, v := range n.Metadata {
		fields["meta_"+k] = v
	}
	l.entry.WithFields(fields).Debug(n.Verb)
	return nil
}
