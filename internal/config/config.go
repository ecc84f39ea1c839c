package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

func LoadConfig() {
	viper.SetConfigName("config")       // name of config file (without extension)
	viper.SetConfigType("yaml")         // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath("/etc/minion/") // path to look for the config file in
	viper.AddConfigPath(".")            // optionally look for config in the working directory
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if desired
			log.Warn().Msg("Config file not found")
		} else {
			// Config file was found but another error was produced
			log.Panic().Err(err).Msg("Fatal error reading config file")
		}
	}
	SetDefaultConfig()
}

func SetDefaultConfig() {
	// API
	viper.SetDefault("api.listen.host", "")
	viper.SetDefault("api.listen.port", 8383)
	viper.SetDefault("api.auth.key", "")
	viper.SetDefault("api.cors.origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.metrics.enabled", true)
	viper.SetDefault("api.metrics.path", "/metrics")

	// Redis task bus
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Queues
	viper.SetDefault("queues.scan", "scan")
	viper.SetDefault("queues.plugin", "plugin")
	viper.SetDefault("queues.plugin_heavy", "")
	viper.SetDefault("queues.plugin_light", "")
	viper.SetDefault("queues.state_prefix", "state")
	viper.SetDefault("queues.state_shards", 4)

	// Scanner target policy
	viper.SetDefault("scanner.whitelist", []string{})
	viper.SetDefault("scanner.blacklist", []string{
		"10.0.0.0/8",
		"127.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
	})

	// Plugin runner
	viper.SetDefault("runner.bin", "minion-plugin-runner")
	viper.SetDefault("runner.stop_grace", 10*time.Second)

	// Workers
	viper.SetDefault("workers.roles", []string{"scan", "plugin", "state"})
	viper.SetDefault("workers.scan", 4)
	viper.SetDefault("workers.plugin", 4)
	viper.SetDefault("workers.lease_ttl", 30*time.Second)
	viper.SetDefault("workers.recovery_interval", time.Minute)
	viper.SetDefault("workers.recovery_age", 5*time.Minute)

	// Scan callbacks
	viper.SetDefault("callback.timeout", 5*time.Second)

	// Ownership verification
	viper.SetDefault("ownership.timeout", 10*time.Second)
}
