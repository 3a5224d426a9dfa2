// Package setup prepares a real ssh host for end to end tests. Tests using it
// are skipped unless REMOTE_CONNECT_E2E_HOST names an ssh alias that accepts
// non-interactive logins.
package setup

import (
	"context"
	"fmt"
	"os"
	"path"
	"testing"
	"time"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/remote"
	"github.com/brevdev/remote-connect/pkg/sshexec"
)

const (
	EnvHost      = "REMOTE_CONNECT_E2E_HOST"
	EnvSSHConfig = "REMOTE_CONNECT_E2E_SSH_CONFIG"

	commandTimeout = 30 * time.Second
)

// stubServer accepts the start script's flags, serves /heartbeat over plain
// http on 127.0.0.1 and writes a successful handshake file without
// certificates.
const stubServer = `#!/bin/sh
port=8888
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --port) port="$2"; shift 2 ;;
    --json-output-file) out="$2"; shift 2 ;;
    --timeout|--common-name|--certs-dir) shift 2 ;;
    *) shift ;;
  esac
done
dir=$(mktemp -d)
echo ok > "$dir/heartbeat"
cd "$dir" || exit 1
nohup python3 -m http.server "$port" --bind 127.0.0.1 >/dev/null 2>&1 &
echo $! > "$dir/pid"
sleep 1
if [ -n "$out" ]; then
  printf '{"success":true,"ca":"","cert":"","key":""}' > "$out"
fi
`

type TestHost struct {
	Host     sshexec.Host
	Resolver sshexec.Resolver
	Runner   *remote.Runner

	paths []string
}

// NewTestHostFromEnv resolves the e2e host or skips t.
func NewTestHostFromEnv(t *testing.T, log *zap.Logger) *TestHost {
	t.Helper()
	alias := os.Getenv(EnvHost)
	if alias == "" {
		t.Skipf("%s is not set", EnvHost)
	}

	resolver, err := sshexec.NewDefaultResolver(afero.NewOsFs())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if cfgPath := os.Getenv(EnvSSHConfig); cfgPath != "" {
		resolver = sshexec.NewResolver(afero.NewOsFs(), cfgPath, os.UserHomeDir)
	}
	host, err := resolver.Resolve(alias, nil)
	if err != nil {
		t.Fatalf("resolve %s: %v", alias, err)
	}

	h := &TestHost{Host: host, Resolver: resolver, Runner: remote.NewRunner(log)}
	t.Cleanup(func() {
		if err := h.Done(); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})
	return h
}

// TempPath returns a fresh remote path that Done removes.
func (h *TestHost) TempPath(prefix string) string {
	p := path.Join("/tmp", fmt.Sprintf("%s-%s", prefix, uuid.NewString()))
	h.paths = append(h.paths, p)
	return p
}

// WriteFile writes content to a remote path with the given mode.
func (h *TestHost) WriteFile(ctx context.Context, remotePath string, content string, mode string) error {
	script := fmt.Sprintf("printf '%%s' %s > %s && chmod %s %s",
		shellescape.Quote(content), shellescape.Quote(remotePath), mode, shellescape.Quote(remotePath))
	if _, err := h.Runner.Run(ctx, h.Host, "sh", []string{"-c", script}, commandTimeout); err != nil {
		return breverrors.WrapAndTrace(err)
	}
	return nil
}

// InstallStubServer installs a start script and returns its path.
func (h *TestHost) InstallStubServer(ctx context.Context) (string, error) {
	p := h.TempPath("remote-connect-stub-server")
	if err := h.WriteFile(ctx, p, stubServer, "755"); err != nil {
		return "", err
	}
	return p, nil
}

// StopServers kills http servers started by the stub script.
func (h *TestHost) StopServers(ctx context.Context, port int) error {
	pattern := fmt.Sprintf("http.server %d", port)
	_, err := h.Runner.Run(ctx, h.Host, "pkill", []string{"-f", pattern}, commandTimeout)
	var perr *remote.ProcessError
	if breverrors.As(err, &perr) && perr.ExitStatus == 1 {
		return nil // nothing matched
	}
	return breverrors.WrapAndTrace(err)
}

// Done removes every remote path handed out by TempPath.
func (h *TestHost) Done() error {
	var result error
	for _, p := range h.paths {
		if _, err := h.Runner.Run(context.Background(), h.Host, "rm", []string{"-f", p}, commandTimeout); err != nil {
			result = multierror.Append(result, err)
		}
	}
	h.paths = nil
	return result
}
