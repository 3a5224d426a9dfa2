package sshexec

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
	"github.com/spf13/afero"

	"github.com/brevdev/remote-connect/pkg/errors"
)

// Resolver fills in a Host from the user's ssh_config.
type Resolver struct {
	fs         afero.Fs
	configPath string
	homeDir    func() (string, error)
}

func NewDefaultResolver(fs afero.Fs) (Resolver, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Resolver{}, errors.WrapAndTrace(err)
	}
	return NewResolver(fs, filepath.Join(home, ".ssh", "config"), os.UserHomeDir), nil
}

func NewResolver(fs afero.Fs, configPath string, home func() (string, error)) Resolver {
	return Resolver{
		fs:         fs,
		configPath: configPath,
		homeDir:    home,
	}
}

// Resolve looks alias up in ssh_config. A missing config file is not an error;
// the alias is then used as-is. options are carried through to the Host.
func (r Resolver) Resolve(alias string, options map[string]string) (Host, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return Host{}, errors.NewValidationError("host is required")
	}

	host := Host{Alias: alias, Hostname: alias, Options: options}

	exists, err := afero.Exists(r.fs, r.configPath)
	if err != nil {
		return Host{}, errors.WrapAndTrace(err)
	}
	if !exists {
		return host, nil
	}

	data, err := afero.ReadFile(r.fs, r.configPath)
	if err != nil {
		return Host{}, errors.WrapAndTrace(err)
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		return Host{}, errors.WrapAndTrace(fmt.Errorf("failed to parse ssh_config at %s: %w", r.configPath, err))
	}

	if hostname, _ := cfg.Get(alias, "HostName"); hostname != "" {
		host.Hostname = hostname
	}
	if user, _ := cfg.Get(alias, "User"); user != "" {
		host.User = user
	}
	if portStr, _ := cfg.Get(alias, "Port"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Host{}, errors.WrapAndTrace(fmt.Errorf("invalid Port for %s: %s", alias, portStr))
		}
		host.Port = port
	}

	if identityFile, _ := cfg.Get(alias, "IdentityFile"); identityFile != "" {
		home, err := r.homeDir()
		if err != nil {
			return Host{}, errors.WrapAndTrace(err)
		}
		identityFile = expandPath(identityFile, home)
		exists, err := afero.Exists(r.fs, identityFile)
		if err != nil {
			return Host{}, errors.WrapAndTrace(err)
		}
		if !exists {
			return Host{}, errors.WrapAndTrace(fmt.Errorf("identity file not found at %s", identityFile))
		}
		host.IdentityFile = identityFile
	}

	return host, nil
}

func expandPath(path string, home string) string {
	if strings.HasPrefix(path, "~") {
		trimmed := strings.TrimPrefix(path, "~")
		return filepath.Join(home, strings.TrimPrefix(trimmed, string(filepath.Separator)))
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(home, path)
}
