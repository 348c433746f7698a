// Package config loads threat-hunter configuration from environment
// variables and an optional YAML file, and watches the file for changes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full threat-hunter configuration.
type Config struct {
	Wazuh struct {
		URL                string        `mapstructure:"url"`
		Username           string        `mapstructure:"username"`
		Password           string        `mapstructure:"password"`
		Timeout            time.Duration `mapstructure:"timeout"`
		TokenTTL           time.Duration `mapstructure:"token_ttl"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"wazuh"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Hunt struct {
		Enabled           bool          `mapstructure:"enabled"`
		Interval          time.Duration `mapstructure:"interval"`
		WindowMinutes     int           `mapstructure:"window_minutes"`
		SeverityThreshold int           `mapstructure:"severity_threshold"`
	} `mapstructure:"hunt"`

	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// File is the config file actually read, empty when configuration came
	// from the environment only.
	File string `mapstructure:"-"`
}

// Load reads configuration with defaults, overridden by an optional config
// file and HUNTER_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("wazuh.url", "https://localhost:55000")
	// Credentials default to empty so viper binds the env keys; Load rejects
	// the empty values below.
	v.SetDefault("wazuh.username", "")
	v.SetDefault("wazuh.password", "")
	v.SetDefault("wazuh.timeout", "10s")
	v.SetDefault("wazuh.token_ttl", "15m")
	v.SetDefault("wazuh.insecure_skip_verify", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "30s")
	v.SetDefault("hunt.enabled", false)
	v.SetDefault("hunt.interval", "1m")
	v.SetDefault("hunt.window_minutes", 10)
	v.SetDefault("hunt.severity_threshold", 10)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "threat-hunter.alerts")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix("HUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/threat-hunter/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.Wazuh.Username == "" || cfg.Wazuh.Password == "" {
		return nil, fmt.Errorf("wazuh credentials not configured: set HUNTER_WAZUH_USERNAME and HUNTER_WAZUH_PASSWORD")
	}
	return &cfg, nil
}
