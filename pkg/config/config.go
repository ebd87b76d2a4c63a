package config

// Package config provides a reusable loader for Beacon configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"beacon/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Beacon node. It mirrors
// §6 of the recognized configuration options.
type Config struct {
	Beacon struct {
		AgentName string `mapstructure:"agent_name" json:"agent_name"`
		DataDir   string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"beacon" json:"beacon"`

	Presence struct {
		Status         string   `mapstructure:"status" json:"status"`
		Offers         []string `mapstructure:"offers" json:"offers"`
		Needs          []string `mapstructure:"needs" json:"needs"`
		CardURL        string   `mapstructure:"card_url" json:"card_url"`
		PulseIntervalS int      `mapstructure:"pulse_interval_s" json:"pulse_interval_s"`
		PulseTTLS      int      `mapstructure:"pulse_ttl_s" json:"pulse_ttl_s"`
	} `mapstructure:"presence" json:"presence"`

	Preferences struct {
		AcceptedKinds []string `mapstructure:"accepted_kinds" json:"accepted_kinds"`
		Topics        []string `mapstructure:"topics" json:"topics"`
		AcceptRTC     bool     `mapstructure:"accept_rtc" json:"accept_rtc"`
		MinRTC        float64  `mapstructure:"min_rtc" json:"min_rtc"`
	} `mapstructure:"preferences" json:"preferences"`

	Heartbeat struct {
		SilenceThresholdS int `mapstructure:"silence_threshold_s" json:"silence_threshold_s"`
		DeadThresholdS    int `mapstructure:"dead_threshold_s" json:"dead_threshold_s"`
	} `mapstructure:"heartbeat" json:"heartbeat"`

	UDP struct {
		Enabled   bool   `mapstructure:"enabled" json:"enabled"`
		Host      string `mapstructure:"host" json:"host"`
		Port      int    `mapstructure:"port" json:"port"`
		Broadcast string `mapstructure:"broadcast" json:"broadcast"`
	} `mapstructure:"udp" json:"udp"`

	Webhook struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Host    string `mapstructure:"host" json:"host"`
		Port    int    `mapstructure:"port" json:"port"`
	} `mapstructure:"webhook" json:"webhook"`

	Ledger struct {
		Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
		TLSVerify bool   `mapstructure:"tls_verify" json:"tls_verify"`
	} `mapstructure:"ledger" json:"ledger"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// defaults populates AppConfig with the recognized-option defaults before
// any file or environment override is applied.
func defaults() {
	viper.SetDefault("beacon.agent_name", "beacon-node")
	viper.SetDefault("beacon.data_dir", "")
	viper.SetDefault("presence.status", "available")
	viper.SetDefault("presence.pulse_interval_s", 120)
	viper.SetDefault("presence.pulse_ttl_s", 600)
	viper.SetDefault("preferences.accept_rtc", true)
	viper.SetDefault("preferences.min_rtc", 0.0)
	viper.SetDefault("heartbeat.silence_threshold_s", 900)
	viper.SetDefault("heartbeat.dead_threshold_s", 3600)
	viper.SetDefault("udp.enabled", true)
	viper.SetDefault("udp.host", "0.0.0.0")
	viper.SetDefault("udp.port", 8765)
	viper.SetDefault("udp.broadcast", "255.255.255.255")
	viper.SetDefault("webhook.enabled", false)
	viper.SetDefault("webhook.host", "0.0.0.0")
	viper.SetDefault("webhook.port", 8766)
	viper.SetDefault("ledger.tls_verify", true)
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded. Missing
// config files are tolerated (Beacon is runnable on defaults + env alone).
func Load(env string) (*Config, error) {
	defaults()

	viper.SetConfigName("beacon")
	viper.AddConfigPath("cmd/beacon/config")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("BEACON")
	viper.AutomaticEnv() // picks up BEACON_* overrides from the process environment

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if AppConfig.Beacon.DataDir == "" {
		AppConfig.Beacon.DataDir = utils.EnvOrDefault("BEACON_DATA_DIR", defaultDataDir())
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the BEACON_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("BEACON_ENV", ""))
}
