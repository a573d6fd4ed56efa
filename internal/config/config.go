// Package config loads agent configuration with precedence:
// flags > environment > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the agent configuration shared by every handler binary.
type Config struct {
	// ClusterName names the logical cluster; it doubles as the Consul
	// service name, lock key prefix and session name.
	ClusterName string `mapstructure:"cluster_name"`

	// NodeName identifies this host to Consul. Stable across restarts.
	NodeName string `mapstructure:"node_name"`

	// ConsulAddress overrides the local agent address; empty uses the
	// Consul client default.
	ConsulAddress string `mapstructure:"consul_address"`

	// APIPort is where the probe endpoint listens.
	APIPort int `mapstructure:"api_port"`

	// CheckInterval is the Consul health-check poll interval ("30s").
	CheckInterval string `mapstructure:"check_interval"`

	LogLevel string `mapstructure:"log_level"`

	// DisableFlagFile forces the node out of leader contention while it
	// exists.
	DisableFlagFile string `mapstructure:"disable_flag_file"`

	// Journal settings. Driver "" disables the transition journal.
	JournalDriver string `mapstructure:"journal_driver"`
	JournalPath   string `mapstructure:"journal_path"`
	JournalURL    string `mapstructure:"journal_url"`

	// SlackWebhookURL enables failover notifications when set.
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`

	// Report archive settings. ReportRoot "" disables archiving unless
	// Azure is configured.
	ReportRoot            string `mapstructure:"report_root"`
	AzureConnectionString string `mapstructure:"azure_connection_string"`
	AzureAccount          string `mapstructure:"azure_account"`
	AzureKey              string `mapstructure:"azure_key"`
	AzureContainer        string `mapstructure:"azure_container"`
}

// IsAzureArchiveEnabled reports whether transition reports should go to
// Azure blob storage instead of the local filesystem.
func (c *Config) IsAzureArchiveEnabled() bool {
	return c.AzureConnectionString != "" || (c.AzureAccount != "" && c.AzureKey != "")
}

// IsArchiveEnabled reports whether any report archive is configured.
func (c *Config) IsArchiveEnabled() bool {
	return c.ReportRoot != "" || c.IsAzureArchiveEnabled()
}

// IsJournalEnabled reports whether the transition journal is configured.
func (c *Config) IsJournalEnabled() bool {
	return c.JournalDriver != ""
}

var configFileUsed string

// DefaultClusterName is the hostname with trailing digits stripped, so
// db01 and db02 land in the same cluster.
func DefaultClusterName() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return strings.TrimRight(host, "0123456789")
}

func defaultNodeName() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster_name", DefaultClusterName())
	v.SetDefault("node_name", defaultNodeName())
	v.SetDefault("consul_address", "")
	v.SetDefault("api_port", 8000)
	v.SetDefault("check_interval", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("disable_flag_file", "/var/tmp/consul_failover_disable")
	v.SetDefault("journal_driver", "")
	v.SetDefault("journal_path", "./consul-failover.db")
	v.SetDefault("journal_url", "")
	v.SetDefault("slack_webhook_url", "")
	v.SetDefault("report_root", "")
	v.SetDefault("azure_connection_string", "")
	v.SetDefault("azure_account", "")
	v.SetDefault("azure_key", "")
	v.SetDefault("azure_container", "")
}

// BindFlags wires cobra flags into viper so set flags take precedence over
// env vars and the config file. Flag names use dashes; config keys use
// underscores.
func BindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		_ = viper.BindPFlag(key, f)
	})
}

// LoadWithConfigFile loads the configuration, optionally from an explicit
// config file path. Without one it searches ., ./configs and
// /etc/consul-failover for config.yaml.
func LoadWithConfigFile(configFile string) (*Config, error) {
	setDefaults(viper.GetViper())

	viper.SetEnvPrefix("CONSUL_FAILOVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/consul-failover")
		if err := viper.ReadInConfig(); err != nil {
			// The config file is optional; only a malformed one is fatal.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	configFileUsed = viper.ConfigFileUsed()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.ClusterName == "" {
		return nil, fmt.Errorf("cluster_name is required and could not be derived from the hostname")
	}
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node_name is required and could not be derived from the hostname")
	}

	return &cfg, nil
}

// GetConfigFile returns the config file the last load actually used, or ""
// when configuration came entirely from defaults, env and flags.
func GetConfigFile() string {
	return configFileUsed
}
