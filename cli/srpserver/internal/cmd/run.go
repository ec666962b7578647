package cmd

import (
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ubieda/srp-go/application/srpserver"
	"github.com/ubieda/srp-go/cli"
)

// runCmd represents the run command
var runCmd = cli.NewRunCommand("SRP server",
	`Run an SRP server instance.

This will look for config files with default names
in the current directory if not specified differently.
	`, run)

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", "config.toml", "Path to server configuration file")
}

func run(cmd *cobra.Command, args []string) {
	confPath := cmd.Flag("config").Value.String()

	conf := &srpserver.Config{}
	if err := conf.Load(confPath, "toml"); err != nil {
		log.Fatal(err)
	}
	server, err := srpserver.NewServer(conf)
	if err != nil {
		log.Fatal(err)
	}

	// run the server until receiving an interrupt signal
	server.Run()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
	if err := server.Shutdown(); err != nil {
		log.Fatal(err)
	}
}
