package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/brevdev/remote-connect/pkg/terminal"
)

// Version is set at build time with -ldflags "-X ...version.Version=v1.2.3".
var Version = ""

var versionString = `remote-connect %s (%s/%s, %s)`

func BuildVersionString() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf(versionString, v, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func NewCmdVersion(t *terminal.Terminal) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the remote-connect version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			t.Vprint(BuildVersionString())
		},
	}
}
