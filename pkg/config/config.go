// Package config layers defaults, an optional yaml file, REMOTE_CONNECT_*
// environment variables and command line flags into a connection.Config.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/brevdev/remote-connect/pkg/connection"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
)

type EnvVarName string // should be caps with underscore

const (
	sentryDSN EnvVarName = "REMOTE_CONNECT_SENTRY_DSN"
	version   EnvVarName = "VERSION"
)

const (
	EnvPrefix         = "remote_connect"
	DefaultConfigDir  = ".remote-connect"
	DefaultConfigName = "config.yaml"

	KeyHost              = "host"
	KeyCwd               = "cwd"
	KeyLocalPort         = "local-port"
	KeyRemotePort        = "remote-port"
	KeyStartServerScript = "start-server-script"
	KeyTimeout           = "timeout"
	KeyCommonName        = "common-name"
	KeyCertsDir          = "certs-dir"
	KeyArtifactDir       = "artifact-dir"
	KeyForwardHost       = "forward-host"
	KeyDisplayTitle      = "display-title"
	KeyInsecure          = "insecure"
	KeyHeartbeatPath     = "heartbeat-path"
	KeySSHConfig         = "ssh-config"

	DefaultHeartbeatPath = "/heartbeat"
)

type ConstantsConfig struct{}

func NewConstants() *ConstantsConfig {
	return &ConstantsConfig{}
}

func (c ConstantsConfig) GetSentryDSN() string {
	return getEnvOrDefault(sentryDSN, "")
}

func (c ConstantsConfig) GetVersion() string {
	return getEnvOrDefault(version, "unknown")
}

func getEnvOrDefault(envVarName EnvVarName, defaultVal string) string {
	val := os.Getenv(string(envVarName))
	if val == "" {
		return defaultVal
	}
	return val
}

var GlobalConfig = NewConstants()

// Settings is everything the connect command needs.
type Settings struct {
	Connection    connection.Config
	HeartbeatPath string
	// SSHConfig overrides ~/.ssh/config for host resolution.
	SSHConfig string
}

// New returns a viper instance with defaults and environment binding set up.
// Flags are bound by the caller before Load.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	d := connection.DefaultConfig()
	v.SetDefault(KeyHost, d.Host)
	v.SetDefault(KeyCwd, d.Cwd)
	v.SetDefault(KeyLocalPort, d.LocalPort)
	v.SetDefault(KeyRemotePort, d.RemotePort)
	v.SetDefault(KeyStartServerScript, d.StartServerScript)
	v.SetDefault(KeyTimeout, d.Timeout.String())
	v.SetDefault(KeyCommonName, d.CommonName)
	v.SetDefault(KeyCertsDir, d.CertsDir)
	v.SetDefault(KeyArtifactDir, d.ArtifactDir)
	v.SetDefault(KeyForwardHost, "")
	v.SetDefault(KeyDisplayTitle, d.DisplayTitle)
	v.SetDefault(KeyInsecure, false)
	v.SetDefault(KeyHeartbeatPath, DefaultHeartbeatPath)
	v.SetDefault(KeySSHConfig, "")
	return v
}

// ReadConfigFile reads path into v. With an empty path the default file under
// home is read if it exists; an explicit path must exist.
func ReadConfigFile(v *viper.Viper, fs afero.Fs, path string, home string) error {
	explicit := path != ""
	if !explicit {
		if home == "" {
			return nil
		}
		path = filepath.Join(home, DefaultConfigDir, DefaultConfigName)
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return breverrors.WrapAndTrace(err)
	}
	if !exists {
		if explicit {
			return breverrors.NewValidationError("config file " + path + " does not exist")
		}
		return nil
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return breverrors.WrapAndTrace(err, "reading", path)
	}
	return nil
}

// Load resolves the layered values. The result is validated.
func Load(v *viper.Viper) (Settings, error) {
	timeout, err := parseTimeout(v.GetString(KeyTimeout))
	if err != nil {
		return Settings{}, err
	}

	cfg := connection.Config{
		Host:              strings.TrimSpace(v.GetString(KeyHost)),
		Cwd:               strings.TrimSpace(v.GetString(KeyCwd)),
		LocalPort:         v.GetInt(KeyLocalPort),
		RemotePort:        v.GetInt(KeyRemotePort),
		StartServerScript: strings.TrimSpace(v.GetString(KeyStartServerScript)),
		Timeout:           timeout,
		CommonName:        v.GetString(KeyCommonName),
		CertsDir:          v.GetString(KeyCertsDir),
		ArtifactDir:       v.GetString(KeyArtifactDir),
		ForwardHost:       v.GetString(KeyForwardHost),
		DisplayTitle:      v.GetString(KeyDisplayTitle),
		SkipCertificates:  v.GetBool(KeyInsecure),
	}.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return Settings{}, err //nolint:wrapcheck // validation problems are shown as is
	}

	heartbeat := v.GetString(KeyHeartbeatPath)
	if heartbeat == "" {
		heartbeat = DefaultHeartbeatPath
	}
	if !strings.HasPrefix(heartbeat, "/") {
		heartbeat = "/" + heartbeat
	}

	return Settings{
		Connection:    cfg,
		HeartbeatPath: heartbeat,
		SSHConfig:     v.GetString(KeySSHConfig),
	}, nil
}

// parseTimeout accepts a Go duration ("90s", "2m") or a bare number of
// seconds, which is how the remote script takes it.
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return connection.DefaultTimeout, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, breverrors.NewValidationError("timeout must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, breverrors.NewValidationError("timeout " + strconv.Quote(raw) + " must be a duration or a number of seconds")
	}
	if d <= 0 {
		return 0, breverrors.NewValidationError("timeout must be positive")
	}
	return d, nil
}
