package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sireax/presence"
)

// Shard ...
type Shard struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the presenced daemon configuration file.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Prefix string  `yaml:"prefix"`
		Shards []Shard `yaml:"shards"`
	} `yaml:"redis"`
	Mongo struct {
		Address    string `yaml:"address"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	} `yaml:"mongo"`
	Kafka struct {
		Address string `yaml:"address"`
		Topic   string `yaml:"topic"`
	} `yaml:"kafka"`
	// Channels holds static prefix policies, used when no mongo address is
	// configured.
	Channels map[string]*presence.ChannelConfig `yaml:"channels"`

	ReapIntervalSeconds int    `yaml:"reap_interval"`
	LogLevel            string `yaml:"log_level"`
}

// Load reads and decodes a yaml config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if len(cfg.Redis.Shards) == 0 {
		cfg.Redis.Shards = []Shard{{Host: "localhost", Port: 6379}}
	}
	return &cfg, nil
}

// ReapInterval ...
func (c *Config) ReapInterval() time.Duration {
	if c.ReapIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// ParseLogLevel maps the config string to a library log level.
func (c *Config) ParseLogLevel() presence.LogLevel {
	switch c.LogLevel {
	case "debug":
		return presence.LogLevelDebug
	case "error":
		return presence.LogLevelError
	case "none":
		return presence.LogLevelNone
	default:
		return presence.LogLevelInfo
	}
}
