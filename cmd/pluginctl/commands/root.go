package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/waggle/pluginmanager/cmd/pluginctl/config"
)

// NewRootCommand creates the pluginctl command tree
func NewRootCommand(version, buildTime, gitCommit string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pluginctl",
		Short: "Waggle plugin manager CLI",
		Long: `pluginctl is the command-line interface for the Waggle plugin manager.

It talks to the manager's control socket to list, start, stop, pause and
inspect plugins, and to edit the blacklist and whitelist.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("socket", "", "Control socket path (default /tmp/plugin_manager)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.pluginctl/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Command timeout (default 30s)")
	rootCmd.PersistentFlags().Duration("bulk-timeout", 0, "Timeout of startall, stopall, killall and the other bulk commands (default 10m)")
	rootCmd.PersistentFlags().String("health-addr", "", "gRPC health address of the plugin manager")

	// Add subcommands
	for _, cmd := range newLifecycleCommands() {
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range newBulkCommands() {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newNameListCommand("blacklist", "Plugins that may not be started"))
	rootCmd.AddCommand(newNameListCommand("whitelist", "Plugins started with the manager"))
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(NewVersionCommand(version, buildTime, gitCommit))

	return rootCmd
}

// send runs one control command and prints the reply.
func send(cmd *cobra.Command, args ...string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := cfg.NewControlClient().Do(ctx, args...)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	return config.NewOutputterTo(output, cmd.OutOrStdout()).PrintResponse(resp)
}

// sendEach runs command once per plugin name, stopping at the first failure.
func sendEach(cmd *cobra.Command, command string, names []string) error {
	for _, name := range names {
		if err := send(cmd, command, name); err != nil {
			return fmt.Errorf("%s %s: %w", command, name, err)
		}
	}
	return nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
