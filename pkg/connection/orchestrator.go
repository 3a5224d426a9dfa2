// Package connection drives a connection attempt through its stages: start
// the remote server, fetch its certificates, open the tunnel and register the
// result with the remote projects service.
package connection

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/brevdev/remote-connect/pkg/certexchange"
	"github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/remote"
	"github.com/brevdev/remote-connect/pkg/remoteprojects"
	"github.com/brevdev/remote-connect/pkg/sshexec"
	"github.com/brevdev/remote-connect/pkg/tunnel"
)

const (
	msgStarting         = "Starting SSH connection..."
	msgFetching         = "Fetching certificates..."
	msgConnected        = "Connection successful!"
	msgStartFailed      = "Error establishing SSH connection"
	msgFetchFailed      = "Error fetching certificates!"
	msgTunnelFailed     = "Error opening SSH tunnel"
	msgRegisterFailed   = "Failed to establish connection!"
	msgInvalidConfig    = "Invalid connection settings"
	registrationHost    = "localhost"
	cleanupTimeoutFloor = 5 * time.Second
)

type RemoteRunner interface {
	Run(ctx context.Context, host sshexec.Host, command string, args []string, timeout time.Duration) (remote.Output, error)
}

type CertificateExchanger interface {
	FetchCertificates(ctx context.Context, host sshexec.Host, artifactPath string) (certexchange.Credentials, error)
	Cleanup(ctx context.Context, host sshexec.Host, artifactPath string, timeout time.Duration)
}

type TunnelOpener interface {
	Open(ctx context.Context, localPort int, host sshexec.Host, remotePort int, opts ...tunnel.OpenOption) (*tunnel.Tunnel, error)
}

// ProjectService is the consuming service connections are registered with.
type ProjectService interface {
	FindOrCreate(ctx context.Context, params remoteprojects.ConnectionParams) (*remoteprojects.Session, error)
}

type sessionReleaser interface {
	Release(session *remoteprojects.Session) bool
}

type HostResolver interface {
	Resolve(alias string, options map[string]string) (sshexec.Host, error)
}

// NotificationSink receives the user-facing outcome of an attempt.
type NotificationSink interface {
	OnInfo(message string)
	OnSuccess(message string)
	OnError(message string, detail string)
}

type Orchestrator struct {
	Runner    RemoteRunner
	Exchanger CertificateExchanger
	Tunnels   TunnelOpener
	Projects  ProjectService

	// Resolver maps the configured host through ssh_config. Without one the
	// host is handed to ssh as is.
	Resolver HostResolver
	Sink     NotificationSink
	Status   *StatusReporter
	Log      *zap.Logger

	NewAttemptID func() string

	mu     sync.Mutex
	active map[string]Result
	closed bool
}

type Option func(*Orchestrator)

func WithResolver(r HostResolver) Option {
	return func(o *Orchestrator) { o.Resolver = r }
}

func WithSink(s NotificationSink) Option {
	return func(o *Orchestrator) { o.Sink = s }
}

func WithStatusReporter(s *StatusReporter) Option {
	return func(o *Orchestrator) { o.Status = s }
}

func NewOrchestrator(runner RemoteRunner, exchanger CertificateExchanger, tunnels TunnelOpener, projects ProjectService, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Runner:    runner,
		Exchanger: exchanger,
		Tunnels:   tunnels,
		Projects:  projects,
		Log:       log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Start runs StartConnection in the background. The channel receives exactly
// one Result and is then closed.
func (o *Orchestrator) Start(ctx context.Context, cfg Config) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- o.StartConnection(ctx, cfg)
	}()
	return ch
}

// StartConnection runs one attempt to completion. Stages run strictly in
// order and the first failure ends the attempt; anything acquired before it is
// released before the Result is returned. Concurrent calls share nothing but
// the orchestrator's bookkeeping.
func (o *Orchestrator) StartConnection(ctx context.Context, cfg Config) Result {
	cfg = cfg.WithDefaults()
	a := &attempt{
		o:   o,
		id:  o.newAttemptID(),
		cfg: cfg,
	}
	a.log = o.logger().With(zap.String("attempt", a.id), zap.String("host", cfg.Host))
	return a.run(ctx)
}

// Disconnect closes the tunnel of a successful attempt and forgets its
// session. It reports whether the attempt was connected.
func (o *Orchestrator) Disconnect(attemptID string) bool {
	o.mu.Lock()
	res, ok := o.active[attemptID]
	delete(o.active, attemptID)
	o.mu.Unlock()
	if !ok {
		return false
	}

	res.Tunnel.Close()
	o.release(res.Session)
	o.Status.transition(attemptID, Idle, "disconnected")
	o.logger().Info("disconnected", zap.String("attempt", attemptID))
	return true
}

// Connections lists the successful attempts that are still tracked, ordered
// by attempt id.
func (o *Orchestrator) Connections() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := lo.Keys(o.active)
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) Result {
		return o.active[id]
	})
}

// Close disconnects everything and refuses further attempts. Attempts still in
// flight close their tunnel instead of being tracked. The returned error
// collects tunnels that had already exited on their own.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	var result *multierror.Error
	for _, res := range o.Connections() {
		if err := res.Tunnel.Err(); err != nil {
			result = multierror.Append(result, err)
		}
		o.Disconnect(res.Attempt)
	}
	return result.ErrorOrNil()
}

// track records a successful attempt. It reports false once Close has run.
func (o *Orchestrator) track(res Result) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if o.active == nil {
		o.active = map[string]Result{}
	}
	o.active[res.Attempt] = res
	go o.watch(res)
	return true
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// watch releases the session once the tunnel behind it exits.
func (o *Orchestrator) watch(res Result) {
	<-res.Tunnel.Done()
	o.release(res.Session)
}

// releaseDead drops the sessions of tracked tunnels that have exited, so a new
// attempt on the same local port is verified instead of reusing them.
func (o *Orchestrator) releaseDead() {
	for _, res := range o.Connections() {
		select {
		case <-res.Tunnel.Done():
			o.release(res.Session)
		default:
		}
	}
}

func (o *Orchestrator) release(session *remoteprojects.Session) {
	if session == nil {
		return
	}
	if r, ok := o.Projects.(sessionReleaser); ok && r.Release(session) {
		o.logger().Debug("session released", zap.String("key", session.Key))
	}
}

func (o *Orchestrator) newAttemptID() string {
	if o.NewAttemptID != nil {
		return o.NewAttemptID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Log != nil {
		return o.Log
	}
	return zap.L()
}

type attempt struct {
	o   *Orchestrator
	id  string
	cfg Config
	log *zap.Logger

	host         sshexec.Host
	artifactPath string
}

func (a *attempt) run(ctx context.Context) Result {
	a.info(msgStarting)

	if a.o.isClosed() {
		return a.fail(Idle, msgStartFailed, ErrClosed, ErrClosed.Error())
	}
	if err := a.cfg.Validate(); err != nil {
		return a.fail(Idle, msgInvalidConfig, err, err.Error())
	}

	a.enter(StartingRemote)
	if res, failed := a.startRemote(ctx); failed {
		return res
	}

	creds := certexchange.Credentials{}
	if !a.cfg.SkipCertificates {
		a.enter(ExchangingCertificates)
		var res Result
		var failed bool
		creds, res, failed = a.exchange(ctx)
		if failed {
			return res
		}
	}

	a.enter(OpeningTunnel)
	if err := ctx.Err(); err != nil {
		return a.fail(OpeningTunnel, msgTunnelFailed, err, err.Error())
	}
	t, err := a.o.Tunnels.Open(ctx, a.cfg.LocalPort, a.host, a.cfg.RemotePort, tunnel.WithForwardHost(a.cfg.ForwardHost))
	if err != nil {
		return a.fail(OpeningTunnel, msgTunnelFailed, err, tunnelDetail(err))
	}

	a.enter(Registering)
	a.o.releaseDead()
	session, err := a.o.Projects.FindOrCreate(ctx, remoteprojects.ConnectionParams{
		Host:                            registrationHost,
		Port:                            a.cfg.LocalPort,
		Cwd:                             a.cfg.Cwd,
		DisplayTitle:                    a.cfg.DisplayTitle,
		ServerName:                      a.cfg.CommonName,
		CertificateAuthorityCertificate: creds.CertificateAuthorityCertificate,
		ClientCertificate:               creds.ClientCertificate,
		ClientKey:                       creds.ClientKey,
	})
	if err != nil {
		t.Close()
		regErr := &RegistrationError{Message: err.Error(), Err: err}
		return a.fail(Registering, msgRegisterFailed, regErr, err.Error())
	}

	res := Result{
		Attempt:      a.id,
		Stage:        Succeeded,
		ArtifactPath: a.artifactPath,
		Session:      session,
		Tunnel:       t,
	}
	if !a.o.track(res) {
		t.Close()
		a.o.release(session)
		return a.fail(Registering, msgRegisterFailed, ErrClosed, ErrClosed.Error())
	}
	a.o.Status.transition(a.id, Succeeded, fmt.Sprintf("localhost:%d -> %s:%d", a.cfg.LocalPort, a.cfg.Host, a.cfg.RemotePort))
	a.log.Info("connection established", zap.Int("local_port", a.cfg.LocalPort), zap.Int("remote_port", a.cfg.RemotePort))
	if a.o.Sink != nil {
		a.o.Sink.OnSuccess(msgConnected)
	}
	return res
}

func (a *attempt) startRemote(ctx context.Context) (Result, bool) {
	host, err := a.resolveHost()
	if err != nil {
		return a.fail(StartingRemote, msgStartFailed, err, err.Error()), true
	}
	a.host = host

	args := []string{
		"--timeout", strconv.Itoa(a.cfg.TimeoutSeconds()),
		"--port", strconv.Itoa(a.cfg.RemotePort),
	}
	if a.cfg.SkipCertificates {
		args = append(args, "-k")
	} else {
		a.artifactPath = certexchange.NewArtifactPath(a.cfg.ArtifactDir)
		args = append(args,
			"--common-name", a.cfg.CommonName,
			"--json-output-file", a.artifactPath,
			"--certs-dir", a.cfg.CertsDir,
		)
	}

	if _, err := a.o.Runner.Run(ctx, host, a.cfg.StartServerScript, args, a.cfg.Timeout); err != nil {
		detail := err.Error()
		var perr *remote.ProcessError
		if errors.As(err, &perr) {
			detail = perr.Detail()
		}
		return a.fail(StartingRemote, msgStartFailed, err, detail), true
	}
	return Result{}, false
}

func (a *attempt) exchange(ctx context.Context) (certexchange.Credentials, Result, bool) {
	a.info(msgFetching)
	creds, err := a.o.Exchanger.FetchCertificates(ctx, a.host, a.artifactPath)

	cleanupTimeout := a.cfg.Timeout
	if cleanupTimeout < cleanupTimeoutFloor {
		cleanupTimeout = cleanupTimeoutFloor
	}
	a.o.Exchanger.Cleanup(context.WithoutCancel(ctx), a.host, a.artifactPath, cleanupTimeout)

	if err != nil {
		detail := err.Error()
		var xerr *certexchange.ExchangeError
		if errors.As(err, &xerr) && xerr.Detail != "" {
			detail = xerr.Detail
		}
		return certexchange.Credentials{}, a.fail(ExchangingCertificates, msgFetchFailed, err, detail), true
	}
	return creds, Result{}, false
}

func (a *attempt) resolveHost() (sshexec.Host, error) {
	if a.o.Resolver == nil {
		return sshexec.Host{Alias: a.cfg.Host, Hostname: a.cfg.Host}, nil
	}
	host, err := a.o.Resolver.Resolve(a.cfg.Host, nil)
	if err != nil {
		return sshexec.Host{}, errors.WrapAndTrace(err)
	}
	return host, nil
}

func (a *attempt) enter(stage Stage) {
	a.log.Debug("entering stage", zap.String("stage", string(stage)))
	a.o.Status.transition(a.id, stage, "")
}

func (a *attempt) info(msg string) {
	if a.o.Sink != nil {
		a.o.Sink.OnInfo(msg)
	}
}

func (a *attempt) fail(stage Stage, msg string, err error, detail string) Result {
	stageErr := &StageError{Stage: stage, Err: err}
	a.log.Warn("connection attempt failed", zap.String("stage", string(stage)), zap.Error(err))
	a.o.Status.transition(a.id, Failed, stageErr.Error())
	if a.o.Sink != nil {
		a.o.Sink.OnError(msg, detail)
	}
	return Result{
		Attempt:      a.id,
		Stage:        stage,
		ArtifactPath: a.artifactPath,
		Err:          stageErr,
	}
}

func tunnelDetail(err error) string {
	var terr *tunnel.TunnelError
	if errors.As(err, &terr) && terr.Stderr != "" {
		return terr.Stderr
	}
	return err.Error()
}
