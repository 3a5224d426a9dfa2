package sshexec

import (
	"fmt"
	"sort"
	"strconv"
)

// Host is an ssh destination. Alias is what the user typed and is what ssh is
// pointed at, so the user's ssh_config still applies. The remaining fields are
// resolved values passed explicitly on the command line.
type Host struct {
	Alias        string
	Hostname     string
	User         string
	Port         int
	IdentityFile string
	Options      map[string]string
}

// Destination is the ssh target argument.
func (h Host) Destination() string {
	target := h.Alias
	if target == "" {
		target = h.Hostname
	}
	if h.User == "" {
		return target
	}
	return fmt.Sprintf("%s@%s", h.User, target)
}

// Label is a human readable form used in logs and error messages.
func (h Host) Label() string {
	name := h.Hostname
	if name == "" {
		name = h.Alias
	}
	if h.User != "" {
		name = h.User + "@" + name
	}
	if h.Port > 0 {
		name = name + ":" + strconv.Itoa(h.Port)
	}
	return name
}

// BuildSSHArgs returns the full argv for ssh. flags go before the resolved host
// options; remote, when present, is appended after a "--" separator.
func BuildSSHArgs(host Host, flags []string, remote ...string) []string {
	args := []string{"ssh"}
	args = append(args, flags...)
	args = append(args, connectionArgs(host, "-p")...)
	args = append(args, host.Destination())
	if len(remote) > 0 {
		args = append(args, "--")
		args = append(args, remote...)
	}
	return args
}

// BuildSCPArgs returns the argv to copy remotePath on host to localPath.
func BuildSCPArgs(host Host, flags []string, remotePath string, localPath string) []string {
	args := []string{"scp"}
	args = append(args, flags...)
	args = append(args, connectionArgs(host, "-P")...)
	args = append(args, fmt.Sprintf("%s:%s", host.Destination(), remotePath), localPath)
	return args
}

func connectionArgs(host Host, portFlag string) []string {
	var args []string
	if host.IdentityFile != "" {
		args = append(args, "-i", host.IdentityFile)
	}
	if host.Port > 0 {
		args = append(args, portFlag, strconv.Itoa(host.Port))
	}

	if len(host.Options) > 0 {
		keys := make([]string, 0, len(host.Options))
		for k := range host.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			args = append(args, "-o", fmt.Sprintf("%s=%s", key, host.Options[key]))
		}
	}
	return args
}
