package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
)

// Default locations of the node identity files.
const (
	DefaultCollectorHostFile = "/etc/waggle/node_controller_host"
	DefaultNodeIDFile        = "/etc/waggle/node_id"
)

// RedisConfig selects the Redis server backing the state store and mailboxes.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AMQPConfig selects the RabbitMQ broker backing the mailboxes.
type AMQPConfig struct {
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
	Durable bool   `mapstructure:"durable"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// Config represents the agent configuration
type Config struct {
	NodeID            string `mapstructure:"node_id"`
	NodeIDFile        string `mapstructure:"node_id_file"`
	CollectorHost     string `mapstructure:"collector_host"`
	CollectorHostFile string `mapstructure:"collector_host_file"`
	UplinkPort        int    `mapstructure:"uplink_port"`
	DownlinkPort      int    `mapstructure:"downlink_port"`

	// Codec is the collector frame codec: json or proto.
	Codec            string `mapstructure:"codec"`
	PersistentUplink bool   `mapstructure:"persistent_uplink"`

	// Backend holds lifecycle state and mailboxes: memory, redis or amqp.
	// amqp carries mailboxes only; lifecycle state then lives in Redis.
	Backend       string      `mapstructure:"backend"`
	Redis         RedisConfig `mapstructure:"redis"`
	AMQP          AMQPConfig  `mapstructure:"amqp"`
	QueueCapacity int         `mapstructure:"queue_capacity"`

	// InProcess hosts every plugin on a goroutine of the agent.
	InProcess bool `mapstructure:"in_process"`

	StopGrace      time.Duration `mapstructure:"stop_grace"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	UplinkRetry    time.Duration `mapstructure:"uplink_retry"`
	DownlinkRetry  time.Duration `mapstructure:"downlink_retry"`
	DownlinkSettle time.Duration `mapstructure:"downlink_settle"`
	ReadBuffer     int           `mapstructure:"read_buffer"`

	SensorInterval time.Duration `mapstructure:"sensor_interval"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	StatusDiskPath string        `mapstructure:"status_disk_path"`

	ControlSocket string `mapstructure:"control_socket"`
	BlacklistFile string `mapstructure:"blacklist_file"`
	WhitelistFile string `mapstructure:"whitelist_file"`

	// MetricsAddr serves /metrics, /health and /ready; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// HealthAddr serves the gRPC health service; empty disables it.
	HealthAddr string `mapstructure:"health_addr"`

	Tracing TracingConfig `mapstructure:"tracing"`

	// WorkerPath is the executable re-run for process-hosted plugins; it
	// defaults to the running binary.
	WorkerPath string `mapstructure:"worker_path"`

	// ConfigFile is handed to worker processes so they read the same settings.
	ConfigFile string `mapstructure:"config"`

	LogLevel string `mapstructure:"log_level"`

	Version string      `mapstructure:"-"`
	Logger  *zap.Logger `mapstructure:"-"`
}

// Validate validates the agent configuration and fills defaults. Node id and
// collector host fall back to their files when not set directly.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.NodeIDFile == "" {
		c.NodeIDFile = DefaultNodeIDFile
	}
	if c.CollectorHostFile == "" {
		c.CollectorHostFile = DefaultCollectorHostFile
	}
	if c.NodeID == "" {
		id, err := readFirstLine(c.NodeIDFile)
		if err != nil {
			return fmt.Errorf("node id is required: %w", err)
		}
		c.NodeID = id
	}
	if c.CollectorHost == "" {
		host, err := readFirstLine(c.CollectorHostFile)
		if err != nil {
			return fmt.Errorf("collector host is required: %w", err)
		}
		c.CollectorHost = host
	}
	if c.UplinkPort == 0 {
		c.UplinkPort = 9090
	}
	if c.DownlinkPort == 0 {
		c.DownlinkPort = 9091
	}
	if c.UplinkPort < 0 || c.UplinkPort > 65535 || c.DownlinkPort < 0 || c.DownlinkPort > 65535 {
		return fmt.Errorf("invalid collector ports %d/%d", c.UplinkPort, c.DownlinkPort)
	}

	if c.Codec == "" {
		c.Codec = message.CodecJSON
	}
	if _, err := message.CodecByName(c.Codec); err != nil {
		return err
	}

	if c.Backend == "" {
		c.Backend = mailbox.BackendMemory
	}
	switch c.Backend {
	case mailbox.BackendMemory:
		// Handles cannot cross a process boundary.
		c.InProcess = true
	case mailbox.BackendRedis:
	case mailbox.BackendAMQP:
		if c.AMQP.URL == "" {
			return errors.New("amqp url is required for the amqp backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Backend != mailbox.BackendMemory && c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "pluginmanager"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = mailbox.DefaultCapacity
	}

	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.UplinkRetry <= 0 {
		c.UplinkRetry = 2 * time.Second
	}
	if c.DownlinkRetry <= 0 {
		c.DownlinkRetry = 3 * time.Second
	}
	if c.DownlinkSettle <= 0 {
		c.DownlinkSettle = time.Second
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = 4096
	}
	if c.SensorInterval <= 0 {
		c.SensorInterval = 10 * time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Minute
	}
	if c.StatusDiskPath == "" {
		c.StatusDiskPath = "/"
	}

	if c.ControlSocket == "" {
		c.ControlSocket = "/tmp/plugin_manager"
	}
	if c.BlacklistFile == "" {
		c.BlacklistFile = "plugins/blacklist.txt"
	}
	if c.WhitelistFile == "" {
		c.WhitelistFile = "plugins/whitelist.txt"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	return nil
}

// UplinkAddr is the collector endpoint the sender writes to.
func (c *Config) UplinkAddr() string {
	return net.JoinHostPort(c.CollectorHost, strconv.Itoa(c.UplinkPort))
}

// DownlinkAddr is the collector endpoint the receiver reads from.
func (c *Config) DownlinkAddr() string {
	return net.JoinHostPort(c.CollectorHost, strconv.Itoa(c.DownlinkPort))
}

// WorkerEnv carries the backend settings to worker processes. Keys follow the
// PLUGIN_MANAGER_ environment binding of the command line.
func (c *Config) WorkerEnv() []string {
	env := []string{
		"PLUGIN_MANAGER_NODE_ID=" + c.NodeID,
		"PLUGIN_MANAGER_COLLECTOR_HOST=" + c.CollectorHost,
		"PLUGIN_MANAGER_BACKEND=" + c.Backend,
		"PLUGIN_MANAGER_REDIS_ADDR=" + c.Redis.Addr,
		"PLUGIN_MANAGER_REDIS_DB=" + strconv.Itoa(c.Redis.DB),
		"PLUGIN_MANAGER_REDIS_PREFIX=" + c.Redis.Prefix,
		"PLUGIN_MANAGER_QUEUE_CAPACITY=" + strconv.Itoa(c.QueueCapacity),
		"PLUGIN_MANAGER_CODEC=" + c.Codec,
		"PLUGIN_MANAGER_SENSOR_INTERVAL=" + c.SensorInterval.String(),
		"PLUGIN_MANAGER_STATUS_INTERVAL=" + c.StatusInterval.String(),
	}
	if c.Redis.Password != "" {
		env = append(env, "PLUGIN_MANAGER_REDIS_PASSWORD="+c.Redis.Password)
	}
	if c.AMQP.URL != "" {
		env = append(env,
			"PLUGIN_MANAGER_AMQP_URL="+c.AMQP.URL,
			"PLUGIN_MANAGER_AMQP_PREFIX="+c.AMQP.Prefix,
			"PLUGIN_MANAGER_AMQP_DURABLE="+strconv.FormatBool(c.AMQP.Durable),
		)
	}
	if c.LogLevel != "" {
		env = append(env, "PLUGIN_MANAGER_LOG_LEVEL="+c.LogLevel)
	}
	return env
}

func readFirstLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return line, nil
}
