package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	WebSocketURL         string   `mapstructure:"websocket_url"`
	APIBaseURL           string   `mapstructure:"api_base_url"`
	ListenPort           int      `mapstructure:"listen_port"`   // /healthz and /metrics listener
	DatabasePath         string   `mapstructure:"database_path"` // offline outbox
	LogLevel             string   `mapstructure:"log_level"`
	AllowedOrigins       []string `mapstructure:"allowed_origins"`
	ReconnectMaxAttempts int      `mapstructure:"reconnect_max_attempts"`
	ReconnectIntervalSec int      `mapstructure:"reconnect_interval_sec"` // base; delay = base * attempt
	TypingIdleSec        int      `mapstructure:"typing_idle_sec"`        // typing retracted after this much inactivity
	OutboxFlushPerSec    float64  `mapstructure:"outbox_flush_per_sec"`   // replay pacing on reconnect
	ProfileCacheSize     int      `mapstructure:"profile_cache_size"`
	NotifyCommand        string   `mapstructure:"notify_command"` // desktop notifier command, empty = log only
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/bizlink/")
	viper.AddConfigPath("$HOME/.bizlink")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("websocket_url", "ws://localhost:8080")
	viper.SetDefault("api_base_url", "http://localhost:8080")
	viper.SetDefault("listen_port", 9090)
	viper.SetDefault("database_path", "./bizlink-realtime.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("reconnect_max_attempts", 5)
	viper.SetDefault("reconnect_interval_sec", 3)
	viper.SetDefault("typing_idle_sec", 2)
	viper.SetDefault("outbox_flush_per_sec", 10.0)
	viper.SetDefault("profile_cache_size", 128)
	viper.SetDefault("notify_command", "")

	// Environment variables
	viper.SetEnvPrefix("BIZLINK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// ReconnectInterval returns the base retry interval as a duration.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalSec) * time.Second
}

// TypingIdle returns the typing debounce window as a duration.
func (c *Config) TypingIdle() time.Duration {
	return time.Duration(c.TypingIdleSec) * time.Second
}
