package cmd

import (
	"github.com/ubieda/srp-go/cli"
)

// RootCmd represents the base "srpserver" command when called without
// any subcommands.
var RootCmd = cli.NewRootCommand("srpserver",
	"An SRP registration server for mesh networks.",
	`srpserver is a DNS-based service registry.

Low-power devices register their host names, addresses and service
instances with signed DNS UPDATE messages; the server validates the
updates, grants bounded leases and mirrors the registrations to an
mDNS advertiser.`)
