// Package cmd is the entrypoint to cli
package cmd

import (
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brevdev/remote-connect/pkg/cmd/connect"
	"github.com/brevdev/remote-connect/pkg/cmd/version"
	"github.com/brevdev/remote-connect/pkg/config"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/terminal"
)

type rootOptions struct {
	verbose    bool
	configPath string
}

func NewDefaultCommand(reporter breverrors.ErrorReporter) *cobra.Command {
	return NewCommand(os.Stdin, os.Stdout, os.Stderr, afero.NewOsFs(), reporter)
}

func NewCommand(in io.ReadCloser, out io.Writer, errOut io.Writer, fs afero.Fs, reporter breverrors.ErrorReporter) *cobra.Command {
	t := terminal.NewWithWriters(in, out, errOut)
	v := config.New(fs)
	opts := &rootOptions{}

	cmds := &cobra.Command{
		Use:   "remote-connect",
		Short: "Tunnel to a remote development server over ssh",
		Long: `
      remote-connect starts a remote development server over ssh,
      exchanges its TLS certificates and forwards a local port to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(opts.verbose)
			t.SetVerbose(opts.verbose)
			home, err := os.UserHomeDir()
			if err != nil {
				home = ""
			}
			return config.ReadConfigFile(v, fs, opts.configPath, home)
		},
		Run: runHelp,
	}
	cmds.SetIn(in)
	cmds.SetOut(out)
	cmds.SetErr(errOut)

	cmds.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log what is being run")
	cmds.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.remote-connect/config.yaml)")

	cmds.AddCommand(connect.NewCmdConnect(t, v, fs, reporter, &opts.verbose))
	cmds.AddCommand(version.NewCmdVersion(t))

	return cmds
}

func setupLogger(verbose bool) {
	logger := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	zap.ReplaceGlobals(logger)
}

func runHelp(cmd *cobra.Command, _ []string) {
	_ = cmd.Help()
}
