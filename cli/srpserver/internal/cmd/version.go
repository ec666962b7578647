package cmd

import (
	"github.com/ubieda/srp-go/cli"
)

// versionCmd represents the version command
var versionCmd = cli.NewVersionCommand("srpserver")

func init() {
	RootCmd.AddCommand(versionCmd)
}
