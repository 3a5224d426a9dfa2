package cmd

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	breverrors "github.com/brevdev/remote-connect/pkg/errors"
)

func run(t *testing.T, fs afero.Fs, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	c := NewCommand(io.NopCloser(strings.NewReader("")), out, io.Discard, fs, breverrors.NoopErrorReporter{})
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, afero.NewMemMapFs(), "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "remote-connect "), out)
}

func TestConnectRejectsInvalidFlags(t *testing.T) {
	_, err := run(t, afero.NewMemMapFs(), "connect", "devbox", "--yes", "--local-port", "0", "--timeout", "soon")
	require.Error(t, err)

	var verr breverrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestConnectRejectsMissingConfigFile(t *testing.T) {
	_, err := run(t, afero.NewMemMapFs(), "--config", "/nope.yaml", "connect", "devbox", "--yes")
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestConnectTooManyArgs(t *testing.T) {
	_, err := run(t, afero.NewMemMapFs(), "connect", "a", "b")
	require.Error(t, err)
}
