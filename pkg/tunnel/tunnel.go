// Package tunnel keeps an `ssh -L` port forward running as a subprocess.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/sshexec"
)

const (
	defaultStartupGrace = 500 * time.Millisecond
	defaultCloseTimeout = 5 * time.Second
)

// TunnelError reports a forward that could not be established, typically
// because the local port is taken (ssh exits under ExitOnForwardFailure) or
// ssh could not be spawned.
type TunnelError struct {
	LocalPort  int
	Host       string
	RemotePort int
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *TunnelError) Error() string {
	msg := fmt.Sprintf("failed to open tunnel localhost:%d -> %s:%d", e.LocalPort, e.Host, e.RemotePort)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// Manager opens tunnels.
type Manager struct {
	CommandFactory sshexec.CommandFactory
	Log            *zap.Logger

	// StartupGrace is how long Open waits for ssh to fail before assuming the
	// forward is up. Zero uses the default; negative disables the wait.
	StartupGrace time.Duration
	CloseTimeout time.Duration
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		CommandFactory: sshexec.NewExecCommand,
		Log:            log,
	}
}

type openOptions struct {
	forwardHost string
}

// OpenOption configures a single Open call.
type OpenOption func(*openOptions)

// WithForwardHost sets the host the remote end connects to. It is resolved on
// the remote side and defaults to the ssh host's alias.
func WithForwardHost(host string) OpenOption {
	return func(o *openOptions) {
		if host != "" {
			o.forwardHost = host
		}
	}
}

// Open starts `ssh -N -L localPort:forwardHost:remotePort host`. The returned
// tunnel outlives ctx; only Close stops it. Reachability of the remote port is
// not checked here.
func (m *Manager) Open(ctx context.Context, localPort int, host sshexec.Host, remotePort int, opts ...OpenOption) (*Tunnel, error) {
	o := openOptions{forwardHost: host.Alias}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.forwardHost == "" {
		o.forwardHost = host.Hostname
	}

	if err := validatePort(localPort); err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	if err := validatePort(remotePort); err != nil {
		return nil, errors.WrapAndTrace(err)
	}

	forward := fmt.Sprintf("%d:%s:%d", localPort, o.forwardHost, remotePort)
	argv := sshexec.BuildSSHArgs(host, []string{
		"-T", "-N",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "BatchMode=yes",
		"-L", forward,
	})

	log := m.logger().With(
		zap.Int("local_port", localPort),
		zap.String("host", host.Label()),
		zap.Int("remote_port", remotePort),
	)
	log.Debug("opening tunnel", zap.Strings("argv", argv))

	factory := m.CommandFactory
	if factory == nil {
		factory = sshexec.NewExecCommand
	}
	stderr := &syncBuffer{}
	cmd := factory(context.WithoutCancel(ctx), argv[0], argv[1:]...)
	cmd.SetStdout(io.Discard)
	cmd.SetStderr(stderr)

	newErr := func(exitStatus int, err error) *TunnelError {
		return &TunnelError{
			LocalPort:  localPort,
			Host:       host.Label(),
			RemotePort: remotePort,
			ExitStatus: exitStatus,
			Stderr:     stderr.String(),
			Err:        err,
		}
	}

	if err := cmd.Start(); err != nil {
		log.Warn("tunnel process failed to start", zap.Error(err))
		return nil, newErr(-1, err)
	}

	t := &Tunnel{
		LocalPort:    localPort,
		Host:         host.Label(),
		RemotePort:   remotePort,
		cmd:          cmd,
		log:          log,
		stderr:       stderr,
		done:         make(chan struct{}),
		closeTimeout: m.closeTimeout(),
	}
	go t.watch()

	grace := m.startupGrace()
	if grace <= 0 {
		return t, nil
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-t.done:
		exitErr := t.waitResult()
		if exitErr == nil {
			exitErr = errors.New("tunnel process exited during startup")
		}
		log.Warn("tunnel process exited during startup", zap.Error(exitErr), zap.String("stderr", stderr.String()))
		return nil, newErr(sshexec.ExitStatus(exitErr), exitErr)
	case <-ctx.Done():
		t.Close()
		return nil, newErr(-1, ctx.Err())
	case <-timer.C:
	}

	log.Info("tunnel open")
	return t, nil
}

// Close stops t. It exists so callers can hold the Manager alone.
func (m *Manager) Close(t *Tunnel) {
	t.Close()
}

func (m *Manager) startupGrace() time.Duration {
	if m.StartupGrace == 0 {
		return defaultStartupGrace
	}
	return m.StartupGrace
}

func (m *Manager) closeTimeout() time.Duration {
	if m.CloseTimeout <= 0 {
		return defaultCloseTimeout
	}
	return m.CloseTimeout
}

func (m *Manager) logger() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.L()
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError(fmt.Sprintf("port %d must be between 1 and 65535", port))
	}
	return nil
}

// Tunnel is a running forward. The zero value and nil are closed tunnels.
type Tunnel struct {
	LocalPort  int
	Host       string
	RemotePort int

	cmd          sshexec.Command
	log          *zap.Logger
	stderr       *syncBuffer
	closeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closing bool
	exitErr error
}

func (t *Tunnel) watch() {
	err := t.cmd.Wait()

	t.mu.Lock()
	t.exitErr = err
	closing := t.closing
	t.mu.Unlock()

	if !closing {
		t.log.Warn("tunnel process exited unexpectedly", zap.Error(err), zap.String("stderr", t.stderr.String()))
	}
	close(t.done)
}

// Done is closed once the ssh process has exited, for any reason.
func (t *Tunnel) Done() <-chan struct{} {
	if t == nil || t.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}

// Err is non-nil when the process exited without Close being called.
func (t *Tunnel) Err() error {
	if t == nil || t.done == nil {
		return nil
	}
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return nil
	}
	if t.exitErr == nil {
		return errors.New("tunnel process exited")
	}
	return &TunnelError{
		LocalPort:  t.LocalPort,
		Host:       t.Host,
		RemotePort: t.RemotePort,
		ExitStatus: sshexec.ExitStatus(t.exitErr),
		Stderr:     t.stderr.String(),
		Err:        t.exitErr,
	}
}

// Close terminates the ssh process and waits for it to exit. Calling it more
// than once, on nil, or after the process already died is a no-op.
func (t *Tunnel) Close() {
	if t == nil || t.cmd == nil {
		return
	}
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()

		select {
		case <-t.done:
			return
		default:
		}

		if err := t.cmd.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.log.Debug("failed to kill tunnel process", zap.Error(err))
		}

		timeout := t.closeTimeout
		if timeout <= 0 {
			timeout = defaultCloseTimeout
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-t.done:
			t.log.Info("tunnel closed")
		case <-timer.C:
			t.log.Warn("tunnel process did not exit after kill")
		}
	})
}

func (t *Tunnel) waitResult() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
