package cmd

import (
	"log"
	"path"

	"github.com/spf13/cobra"

	"github.com/ubieda/srp-go/application/srpserver"
	"github.com/ubieda/srp-go/cli"
)

// initCmd represents the init command
var initCmd = cli.NewInitCommand("SRP server", initRunFunc)

func init() {
	RootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("dir", "d", ".", "Location of directory for storing generated files")
}

func initRunFunc(cmd *cobra.Command, args []string) {
	dir := cmd.Flag("dir").Value.String()
	file := path.Join(dir, "config.toml")

	conf := srpserver.NewConfig(file)
	conf.DatabasePath = "srp.db"
	if err := conf.Save(); err != nil {
		log.Fatal(err)
	}
}
