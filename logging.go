package dbus

import "github.com/jfjallid/golog"

// Logger is the structured logging surface a Connection writes diagnostics
// to: lifecycle transitions, auth mechanism attempts, reconnect attempts,
// and (at Debug level) message send/receive if NewGologLogger or a custom
// implementation chooses to log it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NewGologLogger wraps golog, the same leveled logger a Samba client built
// from this corpus uses, tagged with name so multiple Connections in one
// process are distinguishable in the log stream.
func NewGologLogger(name string) Logger {
	return gologAdapter{golog.Get(name)}
}

type gologAdapter struct {
	l *golog.MyLogger
}

func (g gologAdapter) Debugf(format string, args ...interface{}) { g.l.Debugf(format, args...) }
func (g gologAdapter) Infof(format string, args ...interface{})  { g.l.Infof(format, args...) }
func (g gologAdapter) Errorf(format string, args ...interface{}) { g.l.Errorf(format, args...) }

// nopLogger discards everything; it is the default so a Connection never
// requires a caller to configure logging before it can be used.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
