package connection

import (
	"fmt"

	"github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/remoteprojects"
	"github.com/brevdev/remote-connect/pkg/tunnel"
)

type Stage string

const (
	Idle                   Stage = "idle"
	StartingRemote         Stage = "starting_remote"
	ExchangingCertificates Stage = "exchanging_certificates"
	OpeningTunnel          Stage = "opening_tunnel"
	Registering            Stage = "registering"
	Succeeded              Stage = "succeeded"
	Failed                 Stage = "failed"
)

// ErrClosed fails attempts that start or finish after Orchestrator.Close.
var ErrClosed = errors.New("connection orchestrator is closed")

// StageError attributes a failure to the stage that produced it. Err is one
// of remote.ProcessError, certexchange.ExchangeError, tunnel.TunnelError or
// RegistrationError.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RegistrationError is returned when the consuming service refused the
// connection.
type RegistrationError struct {
	Message string
	Err     error
}

func (e *RegistrationError) Error() string {
	return "registration failed: " + e.Message
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one attempt. On success Stage is Succeeded and
// Session and Tunnel are set; on failure Stage is the stage that failed and
// Err is a *StageError.
type Result struct {
	Attempt      string
	Stage        Stage
	ArtifactPath string
	Session      *remoteprojects.Session
	Tunnel       *tunnel.Tunnel
	Err          error
}

func (r Result) Succeeded() bool {
	return r.Err == nil && r.Stage == Succeeded
}

func (r Result) Failed() bool {
	return r.Err != nil
}
