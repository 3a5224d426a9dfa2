// Package notify delivers connection outcomes to the user.
package notify

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/brevdev/remote-connect/pkg/connection"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/terminal"
)

var (
	_ connection.NotificationSink = Terminal{}
	_ connection.NotificationSink = Log{}
	_ connection.NotificationSink = Reporter{}
	_ connection.NotificationSink = Multi{}
)

// Terminal prints notifications on stderr so stdout stays scriptable.
type Terminal struct {
	T *terminal.Terminal
}

func NewTerminal(t *terminal.Terminal) Terminal {
	return Terminal{T: t}
}

func (s Terminal) OnInfo(message string) {
	s.T.Eprint(s.T.Yellow(message))
}

func (s Terminal) OnSuccess(message string) {
	s.T.Eprint(s.T.Green(message))
}

func (s Terminal) OnError(message string, detail string) {
	s.T.Eprint(s.T.Red(message))
	if detail != "" {
		s.T.Eprint(detail)
	}
}

// Log records notifications as structured log entries.
type Log struct {
	L *zap.Logger
}

func NewLog(l *zap.Logger) Log {
	return Log{L: l.Named("notify")}
}

func (s Log) OnInfo(message string) {
	s.L.Info(message)
}

func (s Log) OnSuccess(message string) {
	s.L.Info(message, zap.Bool("success", true))
}

func (s Log) OnError(message string, detail string) {
	s.L.Error(message, zap.String("detail", detail))
}

// Reporter forwards failures to an error reporter. Info and success are
// dropped.
type Reporter struct {
	R breverrors.ErrorReporter
}

func (Reporter) OnInfo(string)    {}
func (Reporter) OnSuccess(string) {}

func (s Reporter) OnError(message string, detail string) {
	s.R.AddTag("component", "connection")
	s.R.ReportMessage(fmt.Sprintf("%s\n%s", message, detail))
}

// Multi fans out to every sink in order. Nil sinks are skipped.
type Multi []connection.NotificationSink

func (m Multi) OnInfo(message string) {
	for _, s := range m {
		if s != nil {
			s.OnInfo(message)
		}
	}
}

func (m Multi) OnSuccess(message string) {
	for _, s := range m {
		if s != nil {
			s.OnSuccess(message)
		}
	}
}

func (m Multi) OnError(message string, detail string) {
	for _, s := range m {
		if s != nil {
			s.OnError(message, detail)
		}
	}
}
