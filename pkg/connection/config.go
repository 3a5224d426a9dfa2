package connection

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/brevdev/remote-connect/pkg/errors"
)

const (
	DefaultHost              = "localhost"
	DefaultCwd               = "~"
	DefaultLocalPort         = 1234
	DefaultRemotePort        = 8888
	DefaultStartServerScript = "~/.atom/packages/nuclide/pkg/nuclide-server/nuclide-start-server"
	DefaultTimeout           = 60 * time.Second
	DefaultCommonName        = "localhost"
	DefaultCertsDir          = "/tmp"
	DefaultArtifactDir       = "/tmp"
	DefaultDisplayTitle      = "SSH Tunnel"
)

// Config describes one connection attempt. It is passed by value and never
// mutated once an attempt has started.
type Config struct {
	Host              string
	Cwd               string
	LocalPort         int
	RemotePort        int
	StartServerScript string
	Timeout           time.Duration

	// CommonName is the name the remote server issues its certificate for.
	// The connection goes through the local tunnel, so it defaults to localhost.
	CommonName  string
	CertsDir    string
	ArtifactDir string
	// ForwardHost is the tunnel destination as seen from the ssh host.
	ForwardHost  string
	DisplayTitle string
	// SkipCertificates starts the server with -k and registers without TLS.
	SkipCertificates bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Host:              DefaultHost,
		Cwd:               DefaultCwd,
		LocalPort:         DefaultLocalPort,
		RemotePort:        DefaultRemotePort,
		StartServerScript: DefaultStartServerScript,
		Timeout:           DefaultTimeout,
		CommonName:        DefaultCommonName,
		CertsDir:          DefaultCertsDir,
		ArtifactDir:       DefaultArtifactDir,
		DisplayTitle:      DefaultDisplayTitle,
	}
}

// WithDefaults fills the optional fields left empty. Required fields are left
// alone so Validate can report them.
func (c Config) WithDefaults() Config {
	if c.CommonName == "" {
		c.CommonName = DefaultCommonName
	}
	if c.CertsDir == "" {
		c.CertsDir = DefaultCertsDir
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = DefaultArtifactDir
	}
	if c.DisplayTitle == "" {
		c.DisplayTitle = DefaultDisplayTitle
	}
	if c.ForwardHost == "" {
		c.ForwardHost = c.Host
	}
	return c
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if strings.TrimSpace(c.Host) == "" {
		result = multierror.Append(result, errors.NewValidationError("host is required"))
	}
	if strings.TrimSpace(c.Cwd) == "" {
		result = multierror.Append(result, errors.NewValidationError("cwd is required"))
	}
	if strings.TrimSpace(c.StartServerScript) == "" {
		result = multierror.Append(result, errors.NewValidationError("start server script is required"))
	}
	if !validPort(c.LocalPort) {
		result = multierror.Append(result, errors.NewValidationError(fmt.Sprintf("local port %d must be between 1 and 65535", c.LocalPort)))
	}
	if !validPort(c.RemotePort) {
		result = multierror.Append(result, errors.NewValidationError(fmt.Sprintf("remote port %d must be between 1 and 65535", c.RemotePort)))
	}
	if c.Timeout <= 0 {
		result = multierror.Append(result, errors.NewValidationError("timeout must be positive"))
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = formatProblems
	return result
}

// TimeoutSeconds is the timeout as passed to the remote script, rounded up.
func (c Config) TimeoutSeconds() int {
	return int(math.Ceil(c.Timeout.Seconds()))
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func formatProblems(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return "invalid connection config: " + strings.Join(msgs, "; ")
}
