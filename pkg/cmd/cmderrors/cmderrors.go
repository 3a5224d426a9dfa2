package cmderrors

import (
	"github.com/pkg/errors"

	"github.com/brevdev/remote-connect/pkg/connection"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/terminal"
)

// DisplayAndHandleCmdError runs cmdFunc and reports its failure. Validation
// problems and stage failures are not reported; the latter already went
// through the notification sinks.
func DisplayAndHandleCmdError(er breverrors.ErrorReporter, name string, verbose bool, cmdFunc func() error) error {
	er.AddTag("command", name)
	err := cmdFunc()
	if err == nil {
		return nil
	}
	if shouldReport(err) {
		er.ReportError(err)
	}
	if verbose {
		return err
	}
	return errors.Cause(err) //nolint:wrapcheck // trace prefixes are only shown with --verbose
}

func DisplayAndHandleError(t *terminal.Terminal, err error, verbose bool) {
	if err == nil {
		return
	}
	if verbose {
		t.Eprint(err.Error())
		return
	}

	var stageErr *connection.StageError
	var validationErr breverrors.ValidationError
	switch {
	case breverrors.As(err, &stageErr):
		// the notification sink has printed the message and detail
	case breverrors.As(err, &validationErr):
		t.Eprint(t.Yellow(errors.Cause(err).Error()))
	default:
		t.Errprint(errors.Cause(err), "")
	}
}

func shouldReport(err error) bool {
	var stageErr *connection.StageError
	var validationErr breverrors.ValidationError
	return !breverrors.As(err, &stageErr) && !breverrors.As(err, &validationErr)
}
