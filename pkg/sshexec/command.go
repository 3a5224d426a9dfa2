package sshexec

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/brevdev/remote-connect/pkg/errors"
)

// Command abstracts exec.Cmd for testability.
type Command interface {
	Start() error
	Wait() error
	SetStdout(io.Writer)
	SetStderr(io.Writer)
	Kill() error
}

// CommandFactory builds a Command. NewExecCommand is the production factory.
type CommandFactory func(ctx context.Context, name string, args ...string) Command

func NewExecCommand(ctx context.Context, name string, args ...string) Command {
	return &execCmdWrapper{Cmd: exec.CommandContext(ctx, name, args...)} //nolint:gosec // argv is built from resolved host fields
}

type execCmdWrapper struct {
	*exec.Cmd
}

func (w *execCmdWrapper) SetStdout(out io.Writer) {
	w.Stdout = out
}

func (w *execCmdWrapper) SetStderr(out io.Writer) {
	w.Stderr = out
}

func (w *execCmdWrapper) Kill() error {
	if w.Process == nil {
		return nil
	}
	return w.Process.Kill()
}

// Output is what a finished command produced.
type Output struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Capture runs argv to completion and buffers its output in memory. The
// returned error is the raw start/wait error; ExitStatus is filled either way.
func Capture(ctx context.Context, factory CommandFactory, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{ExitStatus: -1}, errors.New("no command provided")
	}
	if factory == nil {
		factory = NewExecCommand
	}

	var stdout, stderr bytes.Buffer
	cmd := factory(ctx, argv[0], argv[1:]...)
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	}
	return Output{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		ExitStatus: ExitStatus(err),
	}, err
}

// ExitStatus extracts the process exit code from err. nil is 0 and an error
// that carries no exit code (spawn failure, signal) is -1.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
