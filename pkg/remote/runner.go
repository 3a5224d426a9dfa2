// Package remote runs commands on a remote host through the system ssh client.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"

	"github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/sshexec"
)

// Output is the captured result of a remote command that exited zero.
type Output struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// ProcessError reports a remote command that exited non-zero or an ssh
// transport failure (auth, unreachable host, connect timeout). ssh itself
// exits 255 on transport failures; -1 means no exit status was produced.
type ProcessError struct {
	Host       string
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
	Err        error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("ssh to %s failed for command %q", e.Host, e.Command)
	if e.ExitStatus >= 0 {
		msg += fmt.Sprintf(" (exit status %d)", e.ExitStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Detail is the diagnostic text shown alongside the error.
func (e *ProcessError) Detail() string {
	return fmt.Sprintf("stdout: %s\nstderr: %s", e.Stdout, e.Stderr)
}

// Runner executes commands non-interactively on a remote host.
type Runner struct {
	CommandFactory sshexec.CommandFactory
	Log            *zap.Logger
}

func NewRunner(log *zap.Logger) *Runner {
	return &Runner{
		CommandFactory: sshexec.NewExecCommand,
		Log:            log,
	}
}

// Run executes command with args on host. timeout bounds the ssh connect phase;
// callers that need the remote side to honor it pass it in args as well.
// Every remote word is shell-quoted since ssh joins them into one line for
// the remote shell.
func (r *Runner) Run(ctx context.Context, host sshexec.Host, command string, args []string, timeout time.Duration) (Output, error) {
	if strings.TrimSpace(command) == "" {
		return Output{}, errors.NewValidationError("remote command is required")
	}

	remoteWords := make([]string, 0, len(args)+1)
	remoteWords = append(remoteWords, quoteRemoteWord(command))
	for _, a := range args {
		remoteWords = append(remoteWords, quoteRemoteWord(a))
	}

	flags := []string{"-T", "-o", "BatchMode=yes"}
	if secs := int(timeout.Round(time.Second) / time.Second); secs > 0 {
		flags = append(flags, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	argv := sshexec.BuildSSHArgs(host, flags, remoteWords...)

	log := r.logger().With(zap.String("host", host.Label()), zap.String("command", command))
	log.Debug("running remote command", zap.Strings("argv", argv))

	out, err := sshexec.Capture(ctx, r.CommandFactory, argv)
	if err != nil {
		perr := &ProcessError{
			Host:       host.Label(),
			Command:    command,
			ExitStatus: out.ExitStatus,
			Stdout:     string(out.Stdout),
			Stderr:     string(out.Stderr),
			Err:        err,
		}
		log.Warn("remote command failed", zap.Int("exit_status", out.ExitStatus), zap.String("stderr", perr.Stderr))
		return Output{}, perr
	}

	log.Debug("remote command finished")
	return Output{
		Stdout:     string(out.Stdout),
		Stderr:     string(out.Stderr),
		ExitStatus: out.ExitStatus,
	}, nil
}

// quoteRemoteWord leaves a leading "~/" unquoted so the remote shell still
// expands it to the remote home directory.
func quoteRemoteWord(word string) string {
	if word == "~" {
		return word
	}
	if strings.HasPrefix(word, "~/") {
		return "~/" + shellescape.Quote(strings.TrimPrefix(word, "~/"))
	}
	return shellescape.Quote(word)
}

func (r *Runner) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.L()
}
