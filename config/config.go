// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration: an optional YAML file layered under
// environment variables, with working defaults for local use.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
	LogLevel   string `yaml:"log_level"`

	Storage struct {
		// Driver selects the key-value backend: "memory" or "postgres".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
		// Key is the single well-known name the envelope is stored under.
		Key string `yaml:"key"`
		// Plaintext disables encryption at rest. Explicit test switch only.
		Plaintext bool `yaml:"plaintext"`
	} `yaml:"storage"`

	Broadcast struct {
		Channel string `yaml:"channel"`
	} `yaml:"broadcast"`
}

// Load reads path (when non-empty) and applies NOTEWORTHY_* environment
// overrides. A .env file in the working directory is honored first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.ListenAddr = ":8080"
	cfg.AuthToken = "dev"
	cfg.LogLevel = "info"
	cfg.Storage.Driver = "memory"
	cfg.Storage.Key = "note-store"
	cfg.Broadcast.Channel = "noteworthy-sync"

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg.ListenAddr, "NOTEWORTHY_ADDR")
	applyEnv(&cfg.AuthToken, "NOTEWORTHY_TOKEN")
	applyEnv(&cfg.LogLevel, "NOTEWORTHY_LOG_LEVEL")
	applyEnv(&cfg.Storage.Driver, "NOTEWORTHY_STORAGE_DRIVER")
	applyEnv(&cfg.Storage.DSN, "NOTEWORTHY_DSN")
	applyEnv(&cfg.Storage.Key, "NOTEWORTHY_STORAGE_KEY")
	applyEnv(&cfg.Broadcast.Channel, "NOTEWORTHY_CHANNEL")
	if v := os.Getenv("NOTEWORTHY_PLAINTEXT_STORAGE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: NOTEWORTHY_PLAINTEXT_STORAGE: %w", err)
		}
		cfg.Storage.Plaintext = b
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Key == "" {
		return fmt.Errorf("config: storage key cannot be empty")
	}
	if c.Broadcast.Channel == "" {
		return fmt.Errorf("config: broadcast channel cannot be empty")
	}
	return nil
}

func applyEnv(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}
