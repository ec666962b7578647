package cli

import (
	"github.com/spf13/cobra"
)

// A runCommand is used to create an executable's main functionality.
type runCommand struct {
	appName string
	long    string
	runFunc func(cmd *cobra.Command, args []string)
}

var _ cobraCommand = (*runCommand)(nil)

// NewRunCommand constructs a new run command for the given executable's
// appName and the runFunc implementing the main functionality.
func NewRunCommand(appName, long string, runFunc func(cmd *cobra.Command, args []string)) *cobra.Command {
	runCmd := &runCommand{
		appName: appName,
		long:    long,
		runFunc: runFunc,
	}
	return runCmd.Build()
}

// Build constructs the cobra.Command according to the
// runCommand's settings.
func (runCmd *runCommand) Build() *cobra.Command {
	cmd := cobra.Command{
		Use:   "run",
		Short: "Run a " + runCmd.appName + " instance.",
		Long:  runCmd.long,
		Run:   runCmd.runFunc,
	}
	return &cmd
}
