package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/waggle/pluginmanager/pkg/control"
	"github.com/waggle/pluginmanager/pkg/observability"
)

// Config holds CLI configuration
type Config struct {
	Socket      string        `mapstructure:"socket"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BulkTimeout time.Duration `mapstructure:"bulk_timeout"`
	HealthAddr  string        `mapstructure:"health_addr"`
}

// LoadConfig loads configuration from file and flags
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}
	v := viper.New()

	// Get config file path
	configFile, _ := cmd.Flags().GetString("config")
	explicit := configFile != ""
	if configFile == "" {
		// Default to $HOME/.pluginctl/config.yaml
		home, err := os.UserHomeDir()
		if err == nil {
			configFile = filepath.Join(home, ".pluginctl", "config.yaml")
		}
	}

	v.SetConfigType("yaml")
	v.SetEnvPrefix("PLUGINCTL")
	v.AutomaticEnv()
	v.BindEnv("socket")
	v.BindEnv("timeout")
	v.BindEnv("bulk_timeout")
	v.BindEnv("health_addr")

	// Read config file if it exists; a file named with --config must exist
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil || explicit {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with flags
	if socket, _ := cmd.Flags().GetString("socket"); socket != "" {
		cfg.Socket = socket
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.Timeout = timeout
	}
	if timeout, _ := cmd.Flags().GetDuration("bulk-timeout"); timeout > 0 {
		cfg.BulkTimeout = timeout
	}
	if addr, _ := cmd.Flags().GetString("health-addr"); addr != "" {
		cfg.HealthAddr = addr
	}

	if cfg.Socket == "" {
		cfg.Socket = control.DefaultSocketPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = control.DefaultTimeout
	}
	if cfg.BulkTimeout <= 0 {
		cfg.BulkTimeout = control.DefaultBulkTimeout
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "localhost:9092"
	}
	return cfg, nil
}

// NewControlClient creates a client for the plugin manager's control socket
func (c *Config) NewControlClient() *control.Client {
	client := control.NewClient(c.Socket, c.Timeout)
	client.BulkTimeout = c.BulkTimeout
	return client
}

// NewHealthClient creates a gRPC health client for the plugin manager
func (c *Config) NewHealthClient() (grpc_health_v1.HealthClient, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(c.HealthAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(observability.UnaryClientInterceptorWithCorrelation()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", c.HealthAddr, err)
	}
	return grpc_health_v1.NewHealthClient(conn), conn, nil
}
