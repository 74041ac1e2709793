// Package config loads process configuration with spf13/viper: defaults
// first, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	DataDir string

	ServerAddr string

	LogLevel   string
	LogFile    string
	LogConsole bool

	StickyMode           string
	StickyMaxWaitSeconds int64

	RateLimitOverloadedCooldown time.Duration

	SweepEnabled     bool
	SweepSchedule    string
	SweepLeadSeconds int64
	SweepConcurrency int

	AuditRedisAddr     string
	AuditRedisPassword string
	AuditRedisDB       int
	AuditListKey       string

	OAuthEndpoint   string
	OAuthClientID   string
	ProjectEndpoint string
}

// Load builds a Config the way the project's other Viper-backed entry
// points do: a fresh *viper.Viper (never the global package instance),
// defaults for every tunable so the process is runnable with zero
// configuration, an optional YAML file, and environment variable overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.console", true)
	v.SetDefault("sticky.mode", "cache_first")
	v.SetDefault("sticky.max_wait_seconds", 120)
	v.SetDefault("ratelimit.overloaded_cooldown_seconds", 600)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.schedule", "*/5 * * * *")
	v.SetDefault("sweep.lead_seconds", 420)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("audit.redis_addr", "")
	v.SetDefault("audit.redis_password", "")
	v.SetDefault("audit.redis_db", 0)
	v.SetDefault("audit.list_key", "tokenproxy:audit")
	v.SetDefault("oauth.endpoint", "")
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("project.endpoint", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("TOKENPROXY")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("config: no config file found, using defaults and environment")
	}

	return &Config{
		DataDir:                     v.GetString("data_dir"),
		ServerAddr:                  v.GetString("server.addr"),
		LogLevel:                    v.GetString("log.level"),
		LogFile:                     v.GetString("log.file"),
		LogConsole:                  v.GetBool("log.console"),
		StickyMode:                  v.GetString("sticky.mode"),
		StickyMaxWaitSeconds:        v.GetInt64("sticky.max_wait_seconds"),
		RateLimitOverloadedCooldown: time.Duration(v.GetInt64("ratelimit.overloaded_cooldown_seconds")) * time.Second,
		SweepEnabled:                v.GetBool("sweep.enabled"),
		SweepSchedule:               v.GetString("sweep.schedule"),
		SweepLeadSeconds:            v.GetInt64("sweep.lead_seconds"),
		SweepConcurrency:            v.GetInt("sweep.concurrency"),
		AuditRedisAddr:              v.GetString("audit.redis_addr"),
		AuditRedisPassword:          v.GetString("audit.redis_password"),
		AuditRedisDB:                v.GetInt("audit.redis_db"),
		AuditListKey:                v.GetString("audit.list_key"),
		OAuthEndpoint:               v.GetString("oauth.endpoint"),
		OAuthClientID:               v.GetString("oauth.client_id"),
		ProjectEndpoint:             v.GetString("project.endpoint"),
	}, nil
}
