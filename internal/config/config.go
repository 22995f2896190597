// Package config loads chatsec settings from a YAML file, then applies
// CHATSEC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatsec/internal/api"
	"chatsec/internal/e2ee"
	"chatsec/internal/outbox"
	"chatsec/internal/p2p"
	"chatsec/internal/storage/redis"
	"chatsec/internal/utils"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CHATSEC_"

type AccountConfig struct {
	Email    string `yaml:"email" env:"EMAIL"`
	Username string `yaml:"username" env:"USERNAME"`
	Token    string `yaml:"token" env:"TOKEN"`
}

type E2EEConfig struct {
	FanOutLimit int     `yaml:"fan_out_limit" env:"FAN_OUT_LIMIT"`
	Placeholder string  `yaml:"placeholder" env:"PLACEHOLDER"`
	Rooms       []int64 `yaml:"rooms" env:"ROOMS" envSeparator:","` // rooms to subscribe to on start
}

type Config struct {
	DataDir     string          `yaml:"data_dir" env:"DATA_DIR"`
	ProfilePath string          `yaml:"profile_path" env:"PROFILE_PATH"`
	Passphrase  string          `yaml:"-" env:"PASSPHRASE"`
	Account     AccountConfig   `yaml:"account" envPrefix:"ACCOUNT_"`
	Log         utils.LogConfig `yaml:"log" envPrefix:"LOG_"`
	API         api.Config      `yaml:"api" envPrefix:"API_"`
	Redis       redis.Config    `yaml:"redis" envPrefix:"REDIS_"`
	Outbox      outbox.Config   `yaml:"outbox" envPrefix:"OUTBOX_"`
	P2P         p2p.Config      `yaml:"p2p" envPrefix:"P2P_"`
	E2EE        E2EEConfig      `yaml:"e2ee" envPrefix:"E2EE_"`
}

// Default returns the settings used when neither file nor environment
// says otherwise.
func Default() *Config {
	dataDir := ".chatsec"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".chatsec")
	}
	return &Config{
		DataDir: dataDir,
		Log:     utils.LogConfig{Level: "info", Format: "console"},
		API:     api.Config{Timeout: 15 * time.Second},
		Outbox:  outbox.Config{BatchSize: 50, RetryEvery: 30 * time.Second, MaxAttempts: 5},
		P2P:     p2p.Config{ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"}},
		E2EE:    E2EEConfig{FanOutLimit: e2ee.DefaultFanOutLimit},
	}
}

// Load reads path (optional) over the defaults, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if !utils.IsYAMLFile(path) {
			return nil, utils.ErrInvalidConfig.WithDetails(fmt.Sprintf("%s is not a yaml file", path))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, utils.ErrInvalidConfig.WithDetails(err.Error())
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Account.Email == "" {
		return utils.ErrInvalidConfig.WithDetails("account.email is required")
	}
	if c.DataDir == "" {
		return utils.ErrInvalidConfig.WithDetails("data_dir is required")
	}
	if c.E2EE.FanOutLimit <= 0 {
		return utils.ErrInvalidConfig.WithDetails("e2ee.fan_out_limit must be positive")
	}
	return nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "chatsec.db")
}
