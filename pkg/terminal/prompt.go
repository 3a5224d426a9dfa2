package terminal

import (
	"io"

	"github.com/manifoldco/promptui"

	breverrors "github.com/brevdev/remote-connect/pkg/errors"
)

// Confirm asks a yes/no question. Declining is not an error.
func (t *Terminal) Confirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Stdin:     t.in,
		Stdout:    nopWriteCloser{t.err},
	}

	_, err := prompt.Run()
	if err == nil {
		return true, nil
	}
	if breverrors.Is(err, promptui.ErrAbort) {
		return false, nil
	}
	return false, breverrors.WrapAndTrace(err)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
