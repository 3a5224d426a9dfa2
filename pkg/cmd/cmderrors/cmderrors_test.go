package cmderrors

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/brevdev/remote-connect/pkg/connection"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/terminal"
)

func newTestTerminal() (*terminal.Terminal, *bytes.Buffer) {
	color.NoColor = true
	errOut := &bytes.Buffer{}
	return terminal.NewWithWriters(io.NopCloser(strings.NewReader("")), io.Discard, errOut), errOut
}

func TestDisplayAndHandleError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"unexpected": {breverrors.WrapAndTrace(errors.New("dial tcp: refused")), "Error: dial tcp: refused\n"},
		"validation": {breverrors.NewValidationError("local port out of range"), "local port out of range\n"},
		"stage":      {&connection.StageError{Stage: connection.OpeningTunnel, Err: errors.New("exit status 255")}, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			term, errOut := newTestTerminal()
			DisplayAndHandleError(term, tc.err, false)
			assert.Equal(t, tc.want, errOut.String())
		})
	}
}

type countingReporter struct {
	breverrors.NoopErrorReporter
	reported int
}

func (c *countingReporter) ReportError(error) string {
	c.reported++
	return ""
}

func TestDisplayAndHandleCmdErrorSkipsStageFailures(t *testing.T) {
	r := &countingReporter{}
	stageErr := &connection.StageError{Stage: connection.Registering, Err: errors.New("rejected")}

	err := DisplayAndHandleCmdError(r, "connect", false, func() error { return stageErr })
	assert.Equal(t, stageErr, err)
	assert.Equal(t, 0, r.reported)

	_ = DisplayAndHandleCmdError(r, "connect", false, func() error { return errors.New("boom") })
	assert.Equal(t, 1, r.reported)
}
