package commands

import (
	"github.com/spf13/cobra"

	"github.com/xorspace/membrane/src/membrane"
)

var _config = membrane.NewDefaultConfig()

//RootCmd is the root command for membrane
var RootCmd = &cobra.Command{
	Use:              "membrane",
	Short:            "membrane section membership",
	TraverseChildren: true,
}
