package main

import (
	"os"

	"github.com/brevdev/remote-connect/pkg/cmd"
	"github.com/brevdev/remote-connect/pkg/cmd/cmderrors"
	"github.com/brevdev/remote-connect/pkg/cmd/version"
	"github.com/brevdev/remote-connect/pkg/config"
	breverrors "github.com/brevdev/remote-connect/pkg/errors"
	"github.com/brevdev/remote-connect/pkg/terminal"
)

func main() {
	reporter := breverrors.NewErrorReporter(config.GlobalConfig.GetSentryDSN(), version.Version)
	done := reporter.Setup()
	defer done()

	command := cmd.NewDefaultCommand(reporter)
	if err := command.Execute(); err != nil {
		verbose, _ := command.PersistentFlags().GetBool("verbose")
		cmderrors.DisplayAndHandleError(terminal.New(), err, verbose)
		reporter.Flush()
		os.Exit(1) //nolint:gocritic // flushed above
	}
}
