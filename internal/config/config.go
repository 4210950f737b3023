package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed unitrack.yml
var defaultTemplate []byte

const (
	EnvPrefix = "UNITRACK"
	FileName  = "unitrack.yml"
)

// Config models unitrack.yml.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Lock    LockConfig    `yaml:"lock" mapstructure:"lock"`
	Feed    FeedConfig    `yaml:"feed" mapstructure:"feed"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Device  DeviceConfig  `yaml:"device" mapstructure:"device"`
}

type ServerConfig struct {
	Addr               string `yaml:"addr" mapstructure:"addr"`
	BasePath           string `yaml:"base_path" mapstructure:"base_path"`
	JWTSecret          string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	DevLogin           bool   `yaml:"dev_login" mapstructure:"dev_login"`
	AllowLegacyHeaders bool   `yaml:"allow_legacy_headers" mapstructure:"allow_legacy_headers"`
}

type StorageConfig struct {
	Workspace string `yaml:"workspace" mapstructure:"workspace"`
}

type LockConfig struct {
	Backend string        `yaml:"backend" mapstructure:"backend"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

type FeedConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	FromStart bool          `yaml:"from_start" mapstructure:"from_start"`
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	MQTT      MQTTConfig    `yaml:"mqtt" mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Broker      string        `yaml:"broker" mapstructure:"broker"`
	ClientID    string        `yaml:"client_id" mapstructure:"client_id"`
	Username    string        `yaml:"username" mapstructure:"username"`
	Password    string        `yaml:"password" mapstructure:"password"`
	TopicPrefix string        `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         int           `yaml:"qos" mapstructure:"qos"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type DeviceConfig struct {
	ID            string        `yaml:"id" mapstructure:"id"`
	ServerURL     string        `yaml:"server_url" mapstructure:"server_url"`
	Token         string        `yaml:"token" mapstructure:"token"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	DrainInterval time.Duration `yaml:"drain_interval" mapstructure:"drain_interval"`
	Backoff       BackoffConfig `yaml:"backoff" mapstructure:"backoff"`
}

type BackoffConfig struct {
	Base time.Duration `yaml:"base" mapstructure:"base"`
	Max  time.Duration `yaml:"max" mapstructure:"max"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Template returns the default config YAML.
func Template() []byte {
	return bytes.Clone(defaultTemplate)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultTemplate, &cfg); err != nil {
		panic(fmt.Sprintf("embedded config template: %v", err))
	}
	return &cfg
}

// Load layers the defaults, the optional file at path and UNITRACK_*
// environment overrides, then validates. A missing file is not an error
// unless path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	explicit := path != ""
	if !explicit {
		path = Path(".")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.Redis.Addr == "" {
			return fmt.Errorf("config.lock.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config.lock.ttl must be positive")
	}
	if c.Feed.Enabled && c.Feed.MQTT.Broker == "" {
		return fmt.Errorf("config.feed.mqtt.broker is required when the feed is enabled")
	}
	if c.Feed.MQTT.QoS < 0 || c.Feed.MQTT.QoS > 2 {
		return fmt.Errorf("config.feed.mqtt.qos must be 0, 1 or 2")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config.logging.level: %w", err)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("config.logging.format must be console or json")
	}
	if c.Device.Timeout <= 0 {
		return fmt.Errorf("config.device.timeout must be positive")
	}
	if c.Device.DrainInterval <= 0 {
		return fmt.Errorf("config.device.drain_interval must be positive")
	}
	if c.Device.Backoff.Base <= 0 || c.Device.Backoff.Max < c.Device.Backoff.Base {
		return fmt.Errorf("config.device.backoff needs 0 < base <= max")
	}
	return nil
}
