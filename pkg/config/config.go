// Package config loads and validates the settings shared by the agent,
// operator CLI, and proxy updater binaries.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of recognized options. Each binary
// only reads the fields relevant to it, but validation is shared so an
// invalid value is caught the same way everywhere.
type Config struct {
	RedisURL   string `mapstructure:"redis_url"`
	NodeID     string `mapstructure:"node_id"`
	DataCenter string `mapstructure:"data_center"`

	HeartbeatTTL        time.Duration `mapstructure:"heartbeat_ttl"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	CommandPollInterval time.Duration `mapstructure:"command_poll_interval"`

	AppDir      string `mapstructure:"app_dir"`
	ComposeFile string `mapstructure:"compose_file"`
	NodePort    int    `mapstructure:"node_port"`

	PubSubChannel string `mapstructure:"pubsub_channel"`

	CPUThreshold    int `mapstructure:"cpu_threshold"`
	MemoryThreshold int `mapstructure:"memory_threshold"`

	AllowedExecPrefixes []string `mapstructure:"allowed_exec_prefixes"`

	// HealthCheckURL, if set, registers an HTTP HealthProbe against the
	// co-located application instance (pkg/health.HTTPChecker), consulted
	// after the built-in CPU/memory/container checks.
	HealthCheckURL string `mapstructure:"health_check_url"`
	// HealthCheckTCPAddr, if set, registers a TCP HealthProbe instead of or
	// alongside HealthCheckURL (pkg/health.TCPChecker).
	HealthCheckTCPAddr string `mapstructure:"health_check_tcp_addr"`

	NodesAllKey    string `mapstructure:"nodes_all_key"`
	NodesActiveKey string `mapstructure:"nodes_active_key"`
	NodeIPsKey     string `mapstructure:"node_ips_key"`

	// UpstreamName, UpstreamFile, ReloadCmd, ValidateCmd are consumed only by
	// the proxy updater binary.
	UpstreamName string `mapstructure:"upstream_name"`
	UpstreamFile string `mapstructure:"upstream_file"`
	ReloadCmd    string `mapstructure:"reload_cmd"`
	ValidateCmd  string `mapstructure:"validate_cmd"`
}

// Default returns a Config populated with the stock key names, thresholds,
// and intervals every binary shares.
func Default() *Config {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "unknown-node"
	}

	return &Config{
		RedisURL:            "redis://localhost:6379/0",
		NodeID:              nodeID,
		DataCenter:          "default",
		HeartbeatTTL:        30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		CommandPollInterval: 5 * time.Second,
		AppDir:              ".",
		ComposeFile:         "docker-compose.yml",
		NodePort:            8000,
		PubSubChannel:       "bazbeans:lb_events",
		CPUThreshold:        90,
		MemoryThreshold:     85,
		AllowedExecPrefixes: []string{"docker", "systemctl", "ls", "cat", "grep", "ps", "netstat"},
		HealthCheckURL:      "",
		HealthCheckTCPAddr:  "",
		NodesAllKey:         "bazbeans:nodes:all",
		NodesActiveKey:      "bazbeans:nodes:active",
		NodeIPsKey:          "bazbeans:node_ips",
		UpstreamName:        "bazbeans_backend",
		UpstreamFile:        "/etc/nginx/conf.d/bazbeans_upstream.conf",
		ReloadCmd:           "nginx -s reload",
		ValidateCmd:         "nginx -t",
	}
}

// Load merges flags, environment variables (BAZBEANS_ prefixed), and an
// optional config file on top of Default(), via viper, then validates the
// result. v is expected to already have its pflag set bound by the caller
// (cobra's persistent flags, typically) so command-line values win over
// env and file values, which win over the defaults below.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()

	v.SetEnvPrefix("bazbeans")
	v.AutomaticEnv()
	v.SetDefault("redis_url", cfg.RedisURL)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("data_center", cfg.DataCenter)
	v.SetDefault("heartbeat_ttl", cfg.HeartbeatTTL)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("command_poll_interval", cfg.CommandPollInterval)
	v.SetDefault("app_dir", cfg.AppDir)
	v.SetDefault("compose_file", cfg.ComposeFile)
	v.SetDefault("node_port", cfg.NodePort)
	v.SetDefault("pubsub_channel", cfg.PubSubChannel)
	v.SetDefault("cpu_threshold", cfg.CPUThreshold)
	v.SetDefault("memory_threshold", cfg.MemoryThreshold)
	v.SetDefault("allowed_exec_prefixes", cfg.AllowedExecPrefixes)
	v.SetDefault("health_check_url", cfg.HealthCheckURL)
	v.SetDefault("health_check_tcp_addr", cfg.HealthCheckTCPAddr)
	v.SetDefault("nodes_all_key", cfg.NodesAllKey)
	v.SetDefault("nodes_active_key", cfg.NodesActiveKey)
	v.SetDefault("node_ips_key", cfg.NodeIPsKey)
	v.SetDefault("upstream_name", cfg.UpstreamName)
	v.SetDefault("upstream_file", cfg.UpstreamFile)
	v.SetDefault("reload_cmd", cfg.ReloadCmd)
	v.SetDefault("validate_cmd", cfg.ValidateCmd)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces positive durations, thresholds in range, and non-empty
// identity fields. It is the only source of a fatal startup error anywhere
// in the core.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("config: node_id must not be empty")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("config: redis_url must not be empty")
	}
	if c.HeartbeatTTL <= 0 {
		return fmt.Errorf("config: heartbeat_ttl must be > 0, got %s", c.HeartbeatTTL)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.CommandPollInterval <= 0 {
		return fmt.Errorf("config: command_poll_interval must be > 0, got %s", c.CommandPollInterval)
	}
	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		return fmt.Errorf("config: cpu_threshold must be in [0,100], got %d", c.CPUThreshold)
	}
	if c.MemoryThreshold < 0 || c.MemoryThreshold > 100 {
		return fmt.Errorf("config: memory_threshold must be in [0,100], got %d", c.MemoryThreshold)
	}
	return nil
}
