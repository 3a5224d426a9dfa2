package connect

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brevdev/remote-connect/e2etest/setup"
	"github.com/brevdev/remote-connect/pkg/certexchange"
	"github.com/brevdev/remote-connect/pkg/connection"
	"github.com/brevdev/remote-connect/pkg/remoteprojects"
	"github.com/brevdev/remote-connect/pkg/tunnel"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRemoteRunnerEcho(t *testing.T) {
	h := setup.NewTestHostFromEnv(t, zaptest.NewLogger(t))

	out, err := h.Runner.Run(context.Background(), h.Host, "echo", []string{"hello world"}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out.Stdout)
}

func TestFetchCertificatesFromRealHost(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := setup.NewTestHostFromEnv(t, log)
	ctx := context.Background()

	artifact := h.TempPath("nuclide-ssh-handshake")
	require.NoError(t, h.WriteFile(ctx, artifact, `{"success":true,"ca":"CA","cert":"CERT","key":"KEY"}`, "600"))

	x := certexchange.NewExchanger(h.Runner, log)
	creds, err := x.FetchCertificates(ctx, h.Host, artifact)
	require.NoError(t, err)
	assert.Equal(t, "KEY", creds.ClientKey)

	_, err = x.FetchCertificates(ctx, h.Host, h.TempPath("missing"))
	require.ErrorIs(t, err, certexchange.ErrTransferFailed)
}

func TestTunnelToSSHDaemon(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := setup.NewTestHostFromEnv(t, log)

	lp := freePort(t)
	tun, err := tunnel.NewManager(log).Open(context.Background(), lp, h.Host, 22, tunnel.WithForwardHost("127.0.0.1"))
	require.NoError(t, err)
	defer tun.Close()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(lp)), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	banner := make([]byte, 4)
	_, err = conn.Read(banner)
	require.NoError(t, err)
	assert.Equal(t, "SSH-", string(banner))

	tun.Close()
	<-tun.Done()
	assert.NoError(t, tun.Err())
}

func TestStartConnectionEndToEnd(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := setup.NewTestHostFromEnv(t, log)
	ctx := context.Background()

	script, err := h.InstallStubServer(ctx)
	require.NoError(t, err)
	remotePort := 20000 + freePort(t)%20000
	t.Cleanup(func() { _ = h.StopServers(context.Background(), remotePort) })

	cfg := connection.DefaultConfig()
	cfg.Host = h.Host.Alias
	cfg.Cwd = "/tmp"
	cfg.LocalPort = freePort(t)
	cfg.RemotePort = remotePort
	cfg.StartServerScript = script
	cfg.ForwardHost = "127.0.0.1"

	o := connection.NewOrchestrator(
		h.Runner,
		certexchange.NewExchanger(h.Runner, log),
		tunnel.NewManager(log),
		remoteprojects.NewRegistry("/heartbeat", log),
		log,
		connection.WithResolver(h.Resolver),
	)
	defer func() { _ = o.Close() }()

	res := o.StartConnection(ctx, cfg)
	require.NoError(t, res.Err)
	require.True(t, res.Succeeded())
	assert.False(t, res.Session.Secure)

	require.True(t, o.Disconnect(res.Attempt))
	<-res.Tunnel.Done()
}
