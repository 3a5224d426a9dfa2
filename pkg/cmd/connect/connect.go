// Package connect starts a remote server over ssh and keeps a tunnel to it
// open until interrupted.
package connect

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brevdev/remote-connect/pkg/certexchange"
	"github.com/brevdev/remote-connect/pkg/cmd/cmderrors"
	"github.com/brevdev/remote-connect/pkg/config"
	"github.com/brevdev/remote-connect/pkg/connection"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/notify"
	"github.com/brevdev/remote-connect/pkg/remote"
	"github.com/brevdev/remote-connect/pkg/remoteprojects"
	"github.com/brevdev/remote-connect/pkg/sshexec"
	"github.com/brevdev/remote-connect/pkg/terminal"
	"github.com/brevdev/remote-connect/pkg/tunnel"
)

var (
	short   = "Start a remote server over ssh and tunnel to it"
	long    = "Starts the remote server script over ssh, fetches the certificates it generates, forwards a local port to it and registers the connection. Stays in the foreground until interrupted."
	example = `  remote-connect connect devbox
  remote-connect connect devbox --cwd /srv/app -l 9000 -r 9090
  remote-connect connect devbox -k --yes`
)

var errTunnelClosed = breverrors.New("tunnel closed")

// Connector is what the command needs from connection.Orchestrator.
type Connector interface {
	Start(ctx context.Context, cfg connection.Config) <-chan connection.Result
	Close() error
}

type RunOptions struct {
	AssumeYes bool
	Confirm   func(label string) (bool, error)
	Status    *connection.StatusReporter
}

type flagOptions struct {
	assumeYes bool
}

func NewCmdConnect(t *terminal.Terminal, v *viper.Viper, fs afero.Fs, reporter breverrors.ErrorReporter, verbose *bool) *cobra.Command {
	opts := flagOptions{}
	cmd := &cobra.Command{
		Use:                   "connect [host]",
		DisableFlagsInUseLine: true,
		Short:                 short,
		Long:                  long,
		Example:               example,
		Args:                  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmderrors.DisplayAndHandleCmdError(reporter, "connect", *verbose, func() error {
				if len(args) == 1 {
					v.Set(config.KeyHost, args[0])
				}
				settings, err := config.Load(v)
				if err != nil {
					return err //nolint:wrapcheck // validation problems are shown as is
				}

				log := zap.L().Named("connect")
				status := connection.NewStatusReporter()
				orchestrator, err := NewOrchestrator(settings, fs, log, notify.Multi{
					notify.NewTerminal(t),
					notify.NewLog(log),
					notify.Reporter{R: reporter},
				}, status)
				if err != nil {
					return breverrors.WrapAndTrace(err)
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return RunConnect(ctx, t, settings.Connection, orchestrator, RunOptions{
					AssumeYes: opts.assumeYes,
					Confirm:   t.Confirm,
					Status:    status,
				})
			})
		},
	}

	d := connection.DefaultConfig()
	flags := cmd.Flags()
	flags.String(config.KeyCwd, d.Cwd, "remote working directory registered with the session")
	flags.IntP(config.KeyLocalPort, "l", d.LocalPort, "local port to forward")
	flags.IntP(config.KeyRemotePort, "r", d.RemotePort, "port the remote server listens on")
	flags.String(config.KeyStartServerScript, d.StartServerScript, "path of the server start script on the remote host")
	flags.String(config.KeyTimeout, d.Timeout.String(), "server startup timeout, a duration or a number of seconds")
	flags.String(config.KeyCertsDir, d.CertsDir, "remote directory the server writes certificates to")
	flags.String(config.KeyArtifactDir, d.ArtifactDir, "remote directory for the handshake file")
	flags.String(config.KeyCommonName, d.CommonName, "common name of the server certificate")
	flags.String(config.KeyForwardHost, "", "tunnel destination as seen from the ssh host (default: the ssh host)")
	flags.String(config.KeyDisplayTitle, d.DisplayTitle, "title shown for the session")
	flags.BoolP(config.KeyInsecure, "k", false, "start the server without TLS and skip the certificate exchange")
	flags.String(config.KeyHeartbeatPath, config.DefaultHeartbeatPath, "path probed to verify the server through the tunnel")
	flags.String(config.KeySSHConfig, "", "ssh config file used to resolve the host (default ~/.ssh/config)")
	flags.BoolVarP(&opts.assumeYes, "yes", "y", false, "do not ask for confirmation")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "yes" {
			return
		}
		_ = v.BindPFlag(f.Name, f)
	})

	return cmd
}

// NewOrchestrator wires the production components.
func NewOrchestrator(settings config.Settings, fs afero.Fs, log *zap.Logger, sink connection.NotificationSink, status *connection.StatusReporter) (*connection.Orchestrator, error) {
	var resolver sshexec.Resolver
	if settings.SSHConfig != "" {
		resolver = sshexec.NewResolver(fs, settings.SSHConfig, os.UserHomeDir)
	} else {
		r, err := sshexec.NewDefaultResolver(fs)
		if err != nil {
			return nil, breverrors.WrapAndTrace(err)
		}
		resolver = r
	}

	runner := remote.NewRunner(log.Named("remote"))
	return connection.NewOrchestrator(
		runner,
		certexchange.NewExchanger(runner, log.Named("certexchange")),
		tunnel.NewManager(log.Named("tunnel")),
		remoteprojects.NewRegistry(settings.HeartbeatPath, log.Named("remoteprojects")),
		log.Named("connection"),
		connection.WithResolver(resolver),
		connection.WithSink(sink),
		connection.WithStatusReporter(status),
	), nil
}

// RunConnect asks for confirmation, runs one attempt and then holds the tunnel
// open until ctx is done or the tunnel dies. Everything is closed on return.
func RunConnect(ctx context.Context, t *terminal.Terminal, cfg connection.Config, c Connector, opts RunOptions) error {
	if !opts.AssumeYes && opts.Confirm != nil {
		ok, err := opts.Confirm(fmt.Sprintf("Start the SSH tunnel connection to %s", cfg.Host))
		if err != nil {
			return breverrors.WrapAndTrace(err)
		}
		if !ok {
			t.Vprint("Aborted.")
			return nil
		}
	}

	stopProgress := watchProgress(t, opts.Status)
	res := <-c.Start(ctx, cfg)
	stopProgress()

	if res.Failed() {
		return res.Err
	}

	t.Vprint(t.Green("Forwarding localhost:%d -> %s:%d", cfg.LocalPort, cfg.Host, cfg.RemotePort))
	if res.Session != nil {
		t.Print(fmt.Sprintf("Session %s registered as %q", res.Session.Key, res.Session.DisplayTitle))
	}

	sp := t.NewSpinner()
	sp.Suffix = " Tunnel open, press Ctrl-C to disconnect"
	sp.Start()
	defer sp.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-res.Tunnel.Done():
			if err := res.Tunnel.Err(); err != nil {
				return err //nolint:wrapcheck // TunnelError carries its own context
			}
			return errTunnelClosed
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return c.Close()
	})

	err := g.Wait()
	if breverrors.Is(err, errTunnelClosed) {
		err = nil
	}
	sp.Stop()
	if err != nil {
		return err
	}
	t.Vprint("Disconnected.")
	return nil
}

var stageProgress = map[connection.Stage]int{
	connection.StartingRemote:         20,
	connection.ExchangingCertificates: 40,
	connection.OpeningTunnel:          60,
	connection.Registering:            80,
	connection.Succeeded:              100,
}

// watchProgress advances a progress bar from status updates until the
// returned func is called.
func watchProgress(t *terminal.Terminal, status *connection.StatusReporter) func() {
	if status == nil {
		return func() {}
	}
	bar := t.NewProgressBar("Connecting", func() {})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case s := <-status.Updates():
				if pct, ok := stageProgress[s.Stage]; ok {
					bar.Describe(string(s.Stage))
					bar.AdvanceTo(pct)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
