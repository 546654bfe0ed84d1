// ABOUTME: Tool-level configuration via viper: config.yaml under the XDG config dir plus PRISM_* env vars.
// ABOUTME: Per-run policy stays in the run root's policy.json; this config only covers the tool itself.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// toolConfig holds tool-level settings. Everything here has a sensible
// default; a missing config file is not an error.
type toolConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	ServeAddr string `mapstructure:"serve_addr"`
	Driver    struct {
		Mode        string `mapstructure:"mode"`
		FixturesDir string `mapstructure:"fixtures_dir"`
		Command     string `mapstructure:"command"`
	} `mapstructure:"driver"`
}

// loadToolConfig reads config.yaml from the XDG config dir and overlays
// PRISM_* environment variables (PRISM_DATA_DIR, PRISM_SERVE_ADDR, ...).
func loadToolConfig() (*toolConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if dir, err := defaultConfigDir(); err == nil {
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("PRISM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", "")
	v.SetDefault("serve_addr", "127.0.0.1:7464")
	v.SetDefault("driver.mode", "task")
	v.SetDefault("driver.fixtures_dir", "")
	v.SetDefault("driver.command", "")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg toolConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
