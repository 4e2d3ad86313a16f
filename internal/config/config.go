package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`

	ServerID  string `mapstructure:"server_id"`
	ChannelID string `mapstructure:"channel_id"`
	LocalUser string `mapstructure:"local_user"`

	GatewayURL      string `mapstructure:"gateway_url"`
	TokenEndpoint   string `mapstructure:"token_endpoint"`
	StaticToken     string `mapstructure:"static_token"`
	ProfileEndpoint string `mapstructure:"profile_endpoint"`

	StateDir string `mapstructure:"state_dir"`

	SpeakingThreshold int           `mapstructure:"speaking_threshold"`
	VolumeInterval    time.Duration `mapstructure:"volume_interval"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("static_path", "")
	v.SetDefault("server_id", "default")
	v.SetDefault("channel_id", "general")
	v.SetDefault("gateway_url", "ws://127.0.0.1:8080/api/ws/media")
	v.SetDefault("state_dir", "./state")
	v.SetDefault("speaking_threshold", 3)
	v.SetDefault("volume_interval", "150ms")
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_backoff", "150ms")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
