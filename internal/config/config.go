// Package config provides YAML-based configuration loading for modmail.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnv is consulted when guild.token is empty so the bot token can stay
// out of the config file.
const TokenEnv = "MODMAIL_TOKEN"

// Config is the top-level modmail configuration, loaded from modmail.yaml.
type Config struct {
	Guild       GuildConfig       `yaml:"guild"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Limits      LimitsConfig      `yaml:"limits"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Logging     LoggingConfig     `yaml:"logging"`
	Web         WebConfig         `yaml:"web"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// GuildConfig identifies the staff guild and the bot account.
type GuildConfig struct {
	ID     string `yaml:"id"`
	Token  string `yaml:"token"`
	Prefix string `yaml:"prefix"`
	// LogChannel receives a summary when a thread closes. Optional.
	LogChannel string `yaml:"log_channel"`
}

// DatabaseConfig selects and addresses the persistent store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// RedisConfig addresses the pub/sub broker used by the RPC bridge.
type RedisConfig struct {
	URL             string `yaml:"url"`
	RequestChannel  string `yaml:"request_channel"`
	ResponseChannel string `yaml:"response_channel"`
}

// LimitsConfig holds thread policy constants.
type LimitsConfig struct {
	MaxThreads    int `yaml:"max_threads"`
	PromptTimeSec int `yaml:"prompt_time_sec"`
}

// BridgeConfig bounds the RPC requester.
type BridgeConfig struct {
	MaxListeners       int `yaml:"max_listeners"`
	MaxResponseTimeSec int `yaml:"max_response_time_sec"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // "json" or "console"
	Output   string `yaml:"output"` // "stdout" or "file"
	FilePath string `yaml:"file_path"`
}

// WebConfig configures the front-facing HTTP process.
type WebConfig struct {
	Port int `yaml:"port"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	MuteSweepCron string `yaml:"mute_sweep_cron"`
}

// PromptTime returns the category prompt timeout.
func (l LimitsConfig) PromptTime() time.Duration {
	return time.Duration(l.PromptTimeSec) * time.Second
}

// MaxResponseTime returns the RPC response timeout.
func (b BridgeConfig) MaxResponseTime() time.Duration {
	return time.Duration(b.MaxResponseTimeSec) * time.Second
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Guild.Token == "" {
		c.Guild.Token = os.Getenv(TokenEnv)
	}
	if c.Guild.Prefix == "" {
		c.Guild.Prefix = "="
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "modmail"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "modmail.db"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.Redis.RequestChannel == "" {
		c.Redis.RequestChannel = "modmail:rpc:requests"
	}
	if c.Redis.ResponseChannel == "" {
		c.Redis.ResponseChannel = "modmail:rpc:responses"
	}
	if c.Limits.MaxThreads == 0 {
		c.Limits.MaxThreads = 30
	}
	if c.Limits.PromptTimeSec == 0 {
		c.Limits.PromptTimeSec = 30
	}
	if c.Bridge.MaxListeners == 0 {
		c.Bridge.MaxListeners = 25
	}
	if c.Bridge.MaxResponseTimeSec == 0 {
		c.Bridge.MaxResponseTimeSec = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Maintenance.MuteSweepCron == "" {
		c.Maintenance.MuteSweepCron = "*/10 * * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Guild.ID == "" {
		errs = append(errs, "guild.id is required")
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Limits.MaxThreads < 0 {
		errs = append(errs, "limits.max_threads must be positive")
	}
	if c.Limits.PromptTimeSec < 0 {
		errs = append(errs, "limits.prompt_time_sec must be positive")
	}
	if c.Bridge.MaxListeners < 0 {
		errs = append(errs, "bridge.max_listeners must be positive")
	}
	if c.Bridge.MaxResponseTimeSec < 0 {
		errs = append(errs, "bridge.max_response_time_sec must be positive")
	}
	if c.Redis.RequestChannel == c.Redis.ResponseChannel {
		errs = append(errs, "redis.request_channel and redis.response_channel must differ")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not supported (json, console)", c.Logging.Format))
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when logging.output is file")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
