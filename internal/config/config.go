package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	ChannelURL string `mapstructure:"CHANNEL_URL"`

	// AuthToken is the bearer token for the remote API and channel.
	AuthToken string `mapstructure:"AUTH_TOKEN"`
	// ChannelKey is the key material the channel derives session keys from.
	ChannelKey string `mapstructure:"CHANNEL_KEY"`

	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`

	BatchThreshold       int   `mapstructure:"BATCH_THRESHOLD"`
	ReconnectMaxAttempts int   `mapstructure:"RECONNECT_MAX_ATTEMPTS"`
	ReconnectIntervalMS  int   `mapstructure:"RECONNECT_INTERVAL_MS"`
	HeartbeatIntervalMS  int   `mapstructure:"HEARTBEAT_INTERVAL_MS"`
	MaxMessageBytes      int   `mapstructure:"MAX_MESSAGE_BYTES"`
	MaxMediaBytes        int64 `mapstructure:"MAX_MEDIA_BYTES"`

	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DemoWalk makes the agent run one simulated walk against the
	// configured endpoints on startup.
	DemoWalk bool `mapstructure:"DEMO_WALK"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("API_BASE_URL", "http://localhost:8080")
	viper.SetDefault("CHANNEL_URL", "ws://localhost:8080/ws")
	viper.SetDefault("AUTH_TOKEN", "")
	viper.SetDefault("CHANNEL_KEY", "")
	viper.SetDefault("METRICS_ADDR", ":9091")
	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("SQLITE_PATH", "")
	viper.SetDefault("BATCH_THRESHOLD", 10)
	viper.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	viper.SetDefault("RECONNECT_INTERVAL_MS", 5000)
	viper.SetDefault("HEARTBEAT_INTERVAL_MS", 30000)
	viper.SetDefault("MAX_MESSAGE_BYTES", 1<<20)
	viper.SetDefault("MAX_MEDIA_BYTES", 20*1024*1024)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DEMO_WALK", false)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}

func (c Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
