// Executable SRP registration server. See README for
// usage instructions.
package main

import (
	"github.com/ubieda/srp-go/cli"
	"github.com/ubieda/srp-go/cli/srpserver/internal/cmd"
)

func main() {
	cli.Execute(cmd.RootCmd)
}
