// Package cli provides the building blocks of the SRP command-line
// executables: reusable root, init, run and version cobra commands.
package cli

import (
	"github.com/spf13/cobra"
)

// cobraCommand is used to implement any type of cobra command
// for any of the SRP command-line tools and executables.
type cobraCommand interface {
	Build() *cobra.Command
}
