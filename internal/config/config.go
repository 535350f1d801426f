package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Push    PushConfig    `mapstructure:"push"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

// APIConfig holds the REST API configuration
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// PushConfig holds the push-transport configuration
type PushConfig struct {
	URL                  string        `mapstructure:"url"`
	SubscribeTimeout     time.Duration `mapstructure:"subscribe_timeout"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// HistoryConfig holds the paginated-history configuration
type HistoryConfig struct {
	PageSize  int    `mapstructure:"page_size"`
	CachePath string `mapstructure:"cache_path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	viper.SetDefault("push.subscribe_timeout", 5*time.Second)
	viper.SetDefault("push.reconnect_delay", 5*time.Second)
	viper.SetDefault("push.max_reconnect_attempts", 5)
	viper.SetDefault("history.page_size", 20)
	viper.SetDefault("log.level", "info")

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
