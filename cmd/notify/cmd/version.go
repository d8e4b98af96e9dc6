package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set by the build process
var Version = "dev"

func versionString() string {
	return Version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version of this binary",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
