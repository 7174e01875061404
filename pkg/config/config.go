// Package config provides configuration file support for vaultkit.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/fsutil"
	"github.com/vaultkit/vaultkit/pkg/model"
)

// MetaDirName is the hidden application-metadata directory inside a vault.
const MetaDirName = ".vaultkit"

// FileName is the config file inside MetaDirName.
const FileName = "config.yaml"

// Config represents the per-vault vaultkit configuration.
type Config struct {
	Lock    LockConfig    `yaml:"lock"`
	Logging LoggingConfig `yaml:"logging"`
}

// LockConfig configures lock timings. Values are Go duration strings.
type LockConfig struct {
	StaleThreshold    string `yaml:"stale_threshold"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	TempMaxAge        string `yaml:"temp_max_age"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // empty leaves the choice to the caller
	Format string `yaml:"format"` // json, console
}

// Default returns the default configuration.
func Default() *Config {
	p := model.DefaultLockPolicy()
	return &Config{
		Lock: LockConfig{
			StaleThreshold:    p.StaleThreshold.String(),
			HeartbeatInterval: p.HeartbeatInterval.String(),
			TempMaxAge:        p.TempMaxAge.String(),
		},
		Logging: LoggingConfig{
			Format: "json",
		},
	}
}

// Path returns the config file location for a vault.
func Path(vaultRoot string) string {
	return filepath.Join(vaultRoot, MetaDirName, FileName)
}

// Load loads configuration from .vaultkit/config.yaml.
// Returns default config if file doesn't exist.
func Load(vaultRoot string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(vaultRoot))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("parse config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to .vaultkit/config.yaml.
func Save(vaultRoot string, cfg *Config) error {
	cfgPath := Path(vaultRoot)
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks that the lock timings are usable. The stale threshold must
// exceed the heartbeat interval or a live holder would look stale between
// two refreshes.
func (c *Config) Validate() error {
	_, err := c.Policy()
	return err
}

// Policy converts the lock section into a model.LockPolicy.
func (c *Config) Policy() (model.LockPolicy, error) {
	def := model.DefaultLockPolicy()
	stale, err := parseDuration("lock.stale_threshold", c.Lock.StaleThreshold, def.StaleThreshold)
	if err != nil {
		return model.LockPolicy{}, err
	}
	interval, err := parseDuration("lock.heartbeat_interval", c.Lock.HeartbeatInterval, def.HeartbeatInterval)
	if err != nil {
		return model.LockPolicy{}, err
	}
	tempAge, err := parseDuration("lock.temp_max_age", c.Lock.TempMaxAge, def.TempMaxAge)
	if err != nil {
		return model.LockPolicy{}, err
	}
	if interval <= 0 {
		return model.LockPolicy{}, errclass.ErrConfigInvalid.WithMessage("lock.heartbeat_interval must be positive")
	}
	if stale <= interval {
		return model.LockPolicy{}, errclass.ErrConfigInvalid.WithMessagef(
			"lock.stale_threshold (%s) must exceed lock.heartbeat_interval (%s)", stale, interval)
	}
	return model.LockPolicy{
		StaleThreshold:    stale,
		HeartbeatInterval: interval,
		TempMaxAge:        tempAge,
	}, nil
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errclass.ErrConfigInvalid.WithMessagef("%s: invalid duration %q", key, value)
	}
	return d, nil
}
