// Package config loads the gateway's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler so defaults round-trip.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ListenAddress string    `toml:"ListenAddress"`
	Database      Database  `toml:"Database"`
	ArchivePath   string    `toml:"ArchivePath"`
	Auth          Auth      `toml:"Auth"`
	Scheduler     Scheduler `toml:"Scheduler"`
	Log           Log       `toml:"Log"`
}

type Database struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

type Auth struct {
	Secret     string `toml:"Secret"`
	SecretFile string `toml:"SecretFile"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

type Scheduler struct {
	Interval   Duration `toml:"Interval"`
	MaxBackoff Duration `toml:"MaxBackoff"`
}

type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// Load loads the configuration from the given path. A missing file produces a
// default configuration written back to that path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AuthSecret resolves the bearer-token secret, preferring the file reference.
func (c *Config) AuthSecret() ([]byte, error) {
	if c.Auth.SecretFile != "" {
		raw, err := os.ReadFile(c.Auth.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("config: read auth secret file: %w", err)
		}
		secret := strings.TrimSpace(string(raw))
		if secret == "" {
			return nil, fmt.Errorf("config: auth secret file %s is empty", c.Auth.SecretFile)
		}
		return []byte(secret), nil
	}
	if c.Auth.Secret == "" {
		return nil, fmt.Errorf("config: Auth.Secret or Auth.SecretFile is required")
	}
	return []byte(c.Auth.Secret), nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "./ebicsgw.db"
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = "./ebicsgw-archive.db"
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = Duration(30 * time.Second)
	}
	if cfg.Scheduler.MaxBackoff <= 0 {
		cfg.Scheduler.MaxBackoff = Duration(10 * time.Minute)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", cfg.Database.Driver)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Log.Level)
	}
	if cfg.Scheduler.MaxBackoff < cfg.Scheduler.Interval {
		return fmt.Errorf("config: Scheduler.MaxBackoff must not undercut Interval")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
