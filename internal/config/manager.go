package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HistoryConfig selects the operation-history backend.
// Driver is "sqlite" or "postgres"; empty disables history.
type HistoryConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ManagerConfig is the manager's own configuration, distinct from the
// per-tool settings document. Read from an optional TOML file with
// AILAB_* environment overrides.
type ManagerConfig struct {
	Listen     string        `mapstructure:"listen"`
	LogLevel   string        `mapstructure:"log_level"`
	LogDir     string        `mapstructure:"log_dir"`
	ConfigPath string        `mapstructure:"config_path"`
	StopGrace  time.Duration `mapstructure:"stop_grace"`
	OpenOnUp   bool          `mapstructure:"open_on_up"`
	History    HistoryConfig `mapstructure:"history"`
}

// LoadManager reads the manager config. path may be empty, in which
// case only defaults and environment apply.
func LoadManager(path string) (ManagerConfig, error) {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:8475")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("config_path", DefaultFileName)
	v.SetDefault("stop_grace", 5*time.Second)
	v.SetDefault("open_on_up", true)
	v.SetEnvPrefix("AILAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return ManagerConfig{}, err
		}
	}
	var mc ManagerConfig
	if err := v.Unmarshal(&mc); err != nil {
		return ManagerConfig{}, err
	}
	return mc, nil
}
