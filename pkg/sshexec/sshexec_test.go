package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitCodeError) ExitCode() int { return e.code }

type scriptedCmd struct {
	stdout   string
	stderr   string
	startErr error
	waitErr  error

	out io.Writer
	err io.Writer
}

func (c *scriptedCmd) Start() error { return c.startErr }

func (c *scriptedCmd) Wait() error {
	if c.out != nil {
		_, _ = io.WriteString(c.out, c.stdout)
	}
	if c.err != nil {
		_, _ = io.WriteString(c.err, c.stderr)
	}
	return c.waitErr
}

func (c *scriptedCmd) SetStdout(w io.Writer) { c.out = w }
func (c *scriptedCmd) SetStderr(w io.Writer) { c.err = w }
func (c *scriptedCmd) Kill() error           { return nil }

func TestBuildSSHArgsOrdersOptions(t *testing.T) {
	host := Host{
		Alias:        "devbox",
		Hostname:     "10.0.0.5",
		User:         "ubuntu",
		Port:         2222,
		IdentityFile: "/id",
		Options: map[string]string{
			"StrictHostKeyChecking": "no",
			"ProxyJump":             "jump",
		},
	}

	got := BuildSSHArgs(host, []string{"-T"}, "echo", "hi")
	want := []string{
		"ssh", "-T",
		"-i", "/id",
		"-p", "2222",
		"-o", "ProxyJump=jump",
		"-o", "StrictHostKeyChecking=no",
		"ubuntu@devbox",
		"--", "echo", "hi",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("BuildSSHArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSSHArgsBareAlias(t *testing.T) {
	got := BuildSSHArgs(Host{Alias: "devbox"}, nil)
	require.Equal(t, []string{"ssh", "devbox"}, got)
}

func TestBuildSCPArgsUsesUppercasePort(t *testing.T) {
	host := Host{Alias: "devbox", Port: 2222}
	got := BuildSCPArgs(host, []string{"-q"}, "/tmp/artifact", "/dev/stdout")
	require.Equal(t, []string{"scp", "-q", "-P", "2222", "devbox:/tmp/artifact", "/dev/stdout"}, got)
}

func TestHostLabel(t *testing.T) {
	require.Equal(t, "ubuntu@10.0.0.5:22", Host{Alias: "devbox", Hostname: "10.0.0.5", User: "ubuntu", Port: 22}.Label())
	require.Equal(t, "devbox", Host{Alias: "devbox"}.Label())
}

func TestExitStatus(t *testing.T) {
	require.Equal(t, 0, ExitStatus(nil))
	require.Equal(t, 3, ExitStatus(exitCodeError{code: 3}))
	require.Equal(t, 3, ExitStatus(fmt.Errorf("wrapped: %w", exitCodeError{code: 3})))
	require.Equal(t, -1, ExitStatus(errors.New("exec: \"ssh\": executable file not found")))
}

func TestCaptureSeparatesStreams(t *testing.T) {
	var gotArgv []string
	factory := func(_ context.Context, name string, args ...string) Command {
		gotArgv = append([]string{name}, args...)
		return &scriptedCmd{stdout: "out", stderr: "err", waitErr: exitCodeError{code: 2}}
	}

	out, err := Capture(context.Background(), factory, []string{"ssh", "devbox"})
	require.Error(t, err)
	require.Equal(t, []string{"ssh", "devbox"}, gotArgv)
	require.Equal(t, "out", string(out.Stdout))
	require.Equal(t, "err", string(out.Stderr))
	require.Equal(t, 2, out.ExitStatus)
}

func TestCaptureStartFailure(t *testing.T) {
	factory := func(context.Context, string, ...string) Command {
		return &scriptedCmd{startErr: errors.New("no such file")}
	}

	out, err := Capture(context.Background(), factory, []string{"ssh"})
	require.Error(t, err)
	require.Equal(t, -1, out.ExitStatus)
}

func TestCaptureEmptyArgv(t *testing.T) {
	_, err := Capture(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestResolveReadsSSHConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	config := `
Host devbox
  HostName devbox.internal
  User ubuntu
  Port 2222
  IdentityFile ~/.ssh/devbox

Host other
  HostName other.internal
`
	require.NoError(t, afero.WriteFile(fs, "/home/tester/.ssh/config", []byte(config), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/home/tester/.ssh/devbox", []byte("pem"), 0o600))

	resolver := NewResolver(fs, "/home/tester/.ssh/config", func() (string, error) { return "/home/tester", nil })
	host, err := resolver.Resolve("devbox", map[string]string{"ServerAliveInterval": "15"})
	require.NoError(t, err)

	require.Equal(t, Host{
		Alias:        "devbox",
		Hostname:     "devbox.internal",
		User:         "ubuntu",
		Port:         2222,
		IdentityFile: "/home/tester/.ssh/devbox",
		Options:      map[string]string{"ServerAliveInterval": "15"},
	}, host)
}

func TestResolveWithoutConfigUsesAlias(t *testing.T) {
	fs := afero.NewMemMapFs()
	resolver := NewResolver(fs, "/home/tester/.ssh/config", func() (string, error) { return "/home/tester", nil })

	host, err := resolver.Resolve("localhost", nil)
	require.NoError(t, err)
	require.Equal(t, Host{Alias: "localhost", Hostname: "localhost"}, host)
}

func TestResolveMissingIdentityFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	config := `
Host devbox
  IdentityFile /keys/missing
`
	require.NoError(t, afero.WriteFile(fs, "/cfg", []byte(config), 0o600))

	resolver := NewResolver(fs, "/cfg", func() (string, error) { return "/home/tester", nil })
	_, err := resolver.Resolve("devbox", nil)
	require.ErrorContains(t, err, "identity file not found")
}

func TestResolveRejectsEmptyHost(t *testing.T) {
	resolver := NewResolver(afero.NewMemMapFs(), "/cfg", func() (string, error) { return "/home/tester", nil })
	_, err := resolver.Resolve("  ", nil)
	require.Error(t, err)
}
