package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/waggle/pluginmanager/cmd/pluginctl/commands"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := commands.NewRootCommand(Version, BuildTime, GitCommit).Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
