package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldroute/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := buildinfo.Info()
		fmt.Fprintf(cmd.OutOrStdout(), "routectl %s (commit %s, %s)\n", info["version"], info["commit"], info["goVersion"])
	},
}
