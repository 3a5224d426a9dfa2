package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

type ErrorReporter interface {
	Setup() func()
	Flush()
	ReportMessage(string) string
	ReportError(error) string
	AddTag(key string, value string)
}

// NewErrorReporter returns a Sentry backed reporter when dsn is set and a
// no-op reporter otherwise.
func NewErrorReporter(dsn string, release string) ErrorReporter {
	if dsn == "" {
		return NoopErrorReporter{}
	}
	return SentryErrorReporter{dsn: dsn, release: release}
}

type SentryErrorReporter struct {
	dsn     string
	release string
}

var _ ErrorReporter = SentryErrorReporter{}

func (s SentryErrorReporter) Setup() func() {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     s.dsn,
		Release: s.release,
	})
	if err != nil {
		fmt.Println(err)
	}
	return func() {
		err := recover()
		if err != nil {
			sentry.CurrentHub().Recover(err)
			sentry.Flush(time.Second * 5)
			panic(err)
		}
		sentry.Flush(2 * time.Second)
	}
}

func (s SentryErrorReporter) Flush() {
	sentry.Flush(time.Second * 2)
}

func (s SentryErrorReporter) ReportMessage(msg string) string {
	event := sentry.CaptureMessage(msg)
	if event != nil {
		return string(*event)
	}
	return ""
}

func (s SentryErrorReporter) ReportError(e error) string {
	event := sentry.CaptureException(e)
	if event != nil {
		return string(*event)
	}
	return ""
}

func (s SentryErrorReporter) AddTag(key string, value string) {
	scope := sentry.CurrentHub().Scope()
	scope.SetTag(key, value)
}

type NoopErrorReporter struct{}

var _ ErrorReporter = NoopErrorReporter{}

func (NoopErrorReporter) Setup() func()               { return func() {} }
func (NoopErrorReporter) Flush()                      {}
func (NoopErrorReporter) ReportMessage(string) string { return "" }
func (NoopErrorReporter) ReportError(error) string    { return "" }
func (NoopErrorReporter) AddTag(string, string)       {}

// ValidationError is a user input problem. It is printed but never reported.
type ValidationError struct {
	Message string
}

func NewValidationError(message string) ValidationError {
	return ValidationError{Message: message}
}

var _ error = ValidationError{}

func (v ValidationError) Error() string {
	return v.Message
}

func WrapAndTrace(err error, messages ...string) error {
	if err == nil {
		return nil
	}
	message := ""
	for _, m := range messages {
		message += fmt.Sprintf(" %s", m)
	}
	return errors.Wrap(err, MakeErrorMessage(message))
}

func MakeErrorMessage(message string) string {
	_, fn, line, _ := runtime.Caller(2)
	return fmt.Sprintf("[error] %s:%d %s\n\t", fn, line, message)
}

func New(message string) error {
	return errors.New(message)
}

func Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
