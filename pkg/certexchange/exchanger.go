// Package certexchange retrieves and parses the handshake artifact the remote
// server writes on startup.
package certexchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brevdev/remote-connect/pkg/remote"
	"github.com/brevdev/remote-connect/pkg/sshexec"
)

type ExchangeErrorKind string

const (
	TransferFailed    ExchangeErrorKind = "transfer_failed"
	MalformedArtifact ExchangeErrorKind = "malformed_artifact"
	RemoteStartFailed ExchangeErrorKind = "remote_start_failed"
)

// ExchangeError is matched by kind:
//
//	errors.Is(err, certexchange.ErrTransferFailed)
type ExchangeError struct {
	Kind   ExchangeErrorKind
	Path   string
	Detail string
	Err    error
}

var (
	ErrTransferFailed    = &ExchangeError{Kind: TransferFailed}
	ErrMalformedArtifact = &ExchangeError{Kind: MalformedArtifact}
	ErrRemoteStartFailed = &ExchangeError{Kind: RemoteStartFailed}
)

func (e *ExchangeError) Error() string {
	var msg string
	switch e.Kind {
	case TransferFailed:
		msg = fmt.Sprintf("failed to copy handshake artifact %s", e.Path)
	case MalformedArtifact:
		msg = fmt.Sprintf("malformed handshake artifact %s", e.Path)
	case RemoteStartFailed:
		msg = "remote server reported a startup failure"
	default:
		msg = "certificate exchange failed"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

func (e *ExchangeError) Is(target error) bool {
	t, ok := target.(*ExchangeError)
	return ok && t.Kind == e.Kind
}

// RemoteRunner is the subset of remote.Runner the exchanger needs for cleanup.
type RemoteRunner interface {
	Run(ctx context.Context, host sshexec.Host, command string, args []string, timeout time.Duration) (remote.Output, error)
}

// Exchanger copies the artifact off the remote host into memory and turns it
// into Credentials.
type Exchanger struct {
	CommandFactory sshexec.CommandFactory
	Log            *zap.Logger
	// Remote is used to delete the artifact after reading it. Cleanup is
	// skipped when nil.
	Remote RemoteRunner
}

func NewExchanger(runner RemoteRunner, log *zap.Logger) *Exchanger {
	return &Exchanger{
		CommandFactory: sshexec.NewExecCommand,
		Log:            log,
		Remote:         runner,
	}
}

// FetchCertificates performs a single retrieval; there is no retry. Retrying
// callers must use a fresh artifact path.
func (x *Exchanger) FetchCertificates(ctx context.Context, host sshexec.Host, artifactPath string) (Credentials, error) {
	log := x.logger().With(zap.String("host", host.Label()), zap.String("artifact", artifactPath))

	argv := sshexec.BuildSCPArgs(host, []string{"-q", "-o", "BatchMode=yes"}, artifactPath, "/dev/stdout")
	out, err := sshexec.Capture(ctx, x.CommandFactory, argv)
	if err != nil {
		log.Warn("artifact copy failed", zap.Int("exit_status", out.ExitStatus))
		return Credentials{}, &ExchangeError{
			Kind:   TransferFailed,
			Path:   artifactPath,
			Detail: fmt.Sprintf("exit status %d\nstderr: %s", out.ExitStatus, out.Stderr),
			Err:    err,
		}
	}

	artifact, err := ParseArtifact(out.Stdout)
	if err != nil {
		log.Warn("artifact could not be parsed", zap.Error(err), zap.Int("bytes", len(out.Stdout)))
		return Credentials{}, &ExchangeError{
			Kind:   MalformedArtifact,
			Path:   artifactPath,
			Detail: err.Error(),
			Err:    err,
		}
	}

	if !artifact.Success {
		log.Warn("remote server reported startup failure")
		return Credentials{}, &ExchangeError{
			Kind:   RemoteStartFailed,
			Path:   artifactPath,
			Detail: fmt.Sprintf("%s reported success=false", artifactPath),
		}
	}

	creds := artifact.Credentials()
	log.Debug("certificates retrieved", zap.Object("credentials", creds))
	return creds, nil
}

// Cleanup removes the artifact from the remote host. It holds key material,
// so it is removed as soon as it has been read. Failures are only logged.
func (x *Exchanger) Cleanup(ctx context.Context, host sshexec.Host, artifactPath string, timeout time.Duration) {
	if x.Remote == nil || artifactPath == "" {
		return
	}
	if _, err := x.Remote.Run(ctx, host, "rm", []string{"-f", artifactPath}, timeout); err != nil {
		x.logger().Warn("failed to remove handshake artifact",
			zap.String("host", host.Label()),
			zap.String("artifact", artifactPath),
			zap.Error(err))
	}
}

func (x *Exchanger) logger() *zap.Logger {
	if x.Log != nil {
		return x.Log
	}
	return zap.L()
}
