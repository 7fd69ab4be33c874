package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/agent"
	"github.com/waggle/pluginmanager/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plugin-manager",
		Short: "Waggle plugin manager - supervises sensor plugins on an edge node",
		Long: `The plugin manager runs on each edge node. It starts and supervises the
sensor plugins, routes their messages, and links the node with the collector.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("node-id", "", "Node identifier (default: read from --node-id-file)")
	flags.String("node-id-file", agent.DefaultNodeIDFile, "File holding the node identifier")
	flags.String("collector-host", "", "Collector host (default: read from --collector-host-file)")
	flags.String("collector-host-file", agent.DefaultCollectorHostFile, "File holding the collector host")
	flags.Int("uplink-port", 9090, "Collector uplink port")
	flags.Int("downlink-port", 9091, "Collector downlink port")
	flags.String("codec", "json", "Collector frame format (json, proto)")
	flags.Bool("persistent-uplink", false, "Keep one uplink connection with newline-framed messages")
	flags.String("backend", "memory", "Lifecycle and mailbox backend (memory, redis, amqp)")
	flags.String("redis-addr", "", "Redis address for the redis and amqp backends")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("redis-prefix", "pluginmanager", "Redis key prefix")
	flags.String("amqp-url", "", "RabbitMQ URL for the amqp backend")
	flags.Int("queue-capacity", 1024, "Capacity of each mailbox")
	flags.Bool("in-process", false, "Host every plugin on a goroutine of the agent")
	flags.Duration("stop-grace", 10*time.Second, "Time a plugin gets to stop before it is killed")
	flags.Duration("sweep-interval", 10*time.Second, "Interval of the router's dead-listener sweep")
	flags.Duration("sensor-interval", 10*time.Second, "Reading interval of the example sensor")
	flags.Duration("status-interval", time.Minute, "Reporting interval of the system status plugin")
	flags.String("control-socket", "/tmp/plugin_manager", "Control socket path")
	flags.String("blacklist-file", "plugins/blacklist.txt", "Plugins that may not be started")
	flags.String("whitelist-file", "plugins/whitelist.txt", "Plugins started automatically")
	flags.String("metrics-addr", "", "Metrics server bind address (empty disables)")
	flags.String("health-addr", "", "gRPC health server bind address (empty disables)")
	flags.String("worker-path", "", "Executable for process-hosted plugins (default: this binary)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	// Bind flags to viper
	for _, name := range []string{
		"config", "node-id", "node-id-file", "collector-host", "collector-host-file",
		"uplink-port", "downlink-port", "codec", "persistent-uplink", "backend",
		"queue-capacity", "in-process", "stop-grace", "sweep-interval",
		"sensor-interval", "status-interval", "control-socket", "blacklist-file",
		"whitelist-file", "metrics-addr", "health-addr", "worker-path", "log-level",
	} {
		v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
	v.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	v.BindPFlag("redis.db", flags.Lookup("redis-db"))
	v.BindPFlag("redis.prefix", flags.Lookup("redis-prefix"))
	v.BindPFlag("amqp.url", flags.Lookup("amqp-url"))

	// Set up environment variable binding
	v.SetEnvPrefix("PLUGIN_MANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without flags are still settable from the environment.
	v.BindEnv("redis.password")
	v.BindEnv("amqp.prefix")
	v.BindEnv("amqp.durable")
	v.BindEnv("tracing.enabled")
	v.BindEnv("tracing.endpoint")
	v.BindEnv("tracing.sample_rate")
	v.BindEnv("tracing.insecure")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the plugin manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	})
	rootCmd.AddCommand(newWorkerCommand(v))
	rootCmd.AddCommand(newPluginsCommand(v))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

// loadConfig reads the config file, if any, and decodes the merged settings.
func loadConfig(v *viper.Viper) (*agent.Config, error) {
	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg := &agent.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Version = Version
	return cfg, nil
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	cfg.Logger = logger

	logger.Info("Starting plugin manager",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func newWorkerCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single plugin; started by the plugin manager",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("plugin")
			if name == "" {
				return fmt.Errorf("--plugin is required")
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()
			cfg.Logger = logger

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return agent.RunWorker(ctx, cfg, name)
		},
	}
	cmd.Flags().String("plugin", "", "Plugin to run")
	return cmd
}

func newPluginsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the compiled-in plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return printPlugins(cmd.OutOrStdout(), cfg)
		},
	}
}

func printPlugins(w io.Writer, cfg *agent.Config) error {
	catalog, err := agent.Catalog(cfg, nil, nil)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("NAME", "VERSION", "SYSTEM", "HOSTING", "LISTENS", "DESCRIPTION")
	for _, name := range catalog.Names() {
		d, _ := catalog.Lookup(name)
		table.Append([]string{
			d.Name,
			d.Version,
			fmt.Sprint(d.System),
			d.Hosting.String(),
			fmt.Sprint(d.Listens),
			d.Description,
		})
	}
	return table.Render()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Waggle Plugin Manager\n")
			fmt.Fprintf(w, "  Version:    %s\n", Version)
			fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
