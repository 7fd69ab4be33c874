package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// lifecycleCommand maps a CLI verb onto a per-plugin control command.
type lifecycleCommand struct {
	use     string
	control string
	short   string
	aliases []string
}

var lifecycleCommands = []lifecycleCommand{
	{use: "start", control: "start", short: "Start plugins"},
	{use: "stop", control: "stop", short: "Ask plugins to stop, killing them after the grace period"},
	{use: "kill", control: "kill", short: "Kill plugins immediately"},
	{use: "pause", control: "pause", short: "Pause plugins"},
	{use: "unpause", control: "unpause", short: "Resume paused plugins", aliases: []string{"resume"}},
	{use: "pid", control: "get_pid", short: "Print the process id of plugins"},
	{use: "info", control: "info", short: "Show process resource usage of plugins"},
}

func newLifecycleCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(lifecycleCommands)+1)
	for _, lc := range lifecycleCommands {
		lc := lc
		cmds = append(cmds, &cobra.Command{
			Use:     lc.use + " PLUGIN [PLUGIN...]",
			Short:   lc.short,
			Aliases: lc.aliases,
			Args:    cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendEach(cmd, lc.control, args)
			},
		})
	}
	return append(cmds, newRestartCommand())
}

func newRestartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart PLUGIN",
		Short: "Stop a plugin and start it again",
		Long:  "Stop a plugin and start it again. With --force a plugin that is not running is started anyway.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if force {
				return send(cmd, "restart", args[0], "force")
			}
			return send(cmd, "restart", args[0])
		},
	}
	cmd.Flags().BoolP("force", "f", false, "Start the plugin even if it is not running")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List system and user plugins with their state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, "list")
		},
	}
}

var bulkCommands = []struct {
	use, short string
}{
	{"startall", "Start every user plugin that is not blacklisted"},
	{"startwhitelist", "Start every whitelisted plugin"},
	{"stopall", "Stop every running user plugin"},
	{"killall", "Kill every running user plugin"},
	{"pauseall", "Pause every running user plugin"},
	{"unpauseall", "Resume every paused user plugin"},
}

func newBulkCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(bulkCommands))
	for _, bc := range bulkCommands {
		use := bc.use
		cmds = append(cmds, &cobra.Command{
			Use:   use,
			Short: bc.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(cmd, use)
			},
		})
	}
	return cmds
}

// newNameListCommand creates the blacklist or whitelist command
func newNameListCommand(list, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   list,
		Short: short,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add PLUGIN",
		Short: fmt.Sprintf("Add a plugin to the %s", list),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, list, "add", args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "rm PLUGIN",
		Aliases: []string{"remove"},
		Short:   fmt.Sprintf("Remove a plugin from the %s", list),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, list, "rm", args[0])
		},
	})
	return cmd
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle and collector link events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return send(cmd, "events")
			}
			return send(cmd, "events", strconv.Itoa(limit))
		},
	}
	cmd.Flags().IntP("limit", "n", 0, "Number of events to show (default 20)")
	return cmd
}

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec COMMAND [ARG...]",
		Short: "Send a raw command line to the control socket",
		Long:  "Send a raw command line to the control socket. Run 'pluginctl exec help' for the commands the manager accepts.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, joinArgs(args))
		},
	}
}
