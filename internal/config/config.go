package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tfsbridge server and CLI.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Hooks     HooksConfig
	TFS       TFSConfig
	Kafka     KafkaConfig
	PlansFile string
}

type ServerConfig struct {
	Port int
	Env  string
}

type LogConfig struct {
	Level string
	File  string
}

type RedisConfig struct {
	URL string
}

type HooksConfig struct {
	// TokenHash is the bcrypt hash of the bearer token hook callers present.
	TokenHash string
	// RateLimit is the number of hook calls allowed per caller per minute.
	RateLimit int
}

type TFSConfig struct {
	Timeout    time.Duration
	ContextTTL time.Duration
	LockTTL    time.Duration
	LockWait   time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

// Enabled reports whether hook events should also be consumed from Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

var validLevels = map[string]bool{
	"DEBUG": true,
	"INFO":  true,
	"WARN":  true,
	"ERROR": true,
}

// Load reads server configuration from environment variables and returns a
// validated Config.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(true); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCLI reads configuration for the command-line hooks. Redis and the hook
// token are optional there.
func LoadCLI() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(false); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port: envInt("TFSBRIDGE_PORT", 8080),
			Env:  envString("TFSBRIDGE_ENV", "development"),
		},
		Log: LogConfig{
			Level: strings.ToUpper(envString("TFSBRIDGE_LOG_LEVEL", "INFO")),
			File:  os.Getenv("TFSBRIDGE_LOG_FILE"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Hooks: HooksConfig{
			TokenHash: os.Getenv("TFSBRIDGE_HOOK_TOKEN_HASH"),
			RateLimit: envInt("TFSBRIDGE_RATE_LIMIT", 120),
		},
		TFS: TFSConfig{
			Timeout:    envDuration("TFS_TIMEOUT", 30*time.Second),
			ContextTTL: envDuration("TFS_CONTEXT_TTL", 24*time.Hour),
			LockTTL:    envDuration("TFS_LOCK_TTL", 2*time.Minute),
			LockWait:   envDuration("TFS_LOCK_WAIT", 30*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: envList("KAFKA_BROKERS"),
			Topic:   envString("KAFKA_TOPIC", "tfsbridge.hooks"),
			Group:   envString("KAFKA_GROUP", "tfsbridge"),
		},
		PlansFile: envString("TFSBRIDGE_PLANS_FILE", "plans.yaml"),
	}
}

func (c *Config) validate(server bool) error {
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("TFSBRIDGE_LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR; got %q", c.Log.Level)
	}

	if c.PlansFile == "" {
		return fmt.Errorf("TFSBRIDGE_PLANS_FILE is required")
	}

	if c.TFS.Timeout <= 0 {
		return fmt.Errorf("TFS_TIMEOUT must be positive, got %s", c.TFS.Timeout)
	}
	if c.TFS.LockTTL <= 0 {
		return fmt.Errorf("TFS_LOCK_TTL must be positive, got %s", c.TFS.LockTTL)
	}

	if !server {
		return nil
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("TFSBRIDGE_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Hooks.TokenHash == "" {
		return fmt.Errorf("TFSBRIDGE_HOOK_TOKEN_HASH is required")
	}
	if c.Hooks.RateLimit <= 0 {
		return fmt.Errorf("TFSBRIDGE_RATE_LIMIT must be positive, got %d", c.Hooks.RateLimit)
	}

	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
