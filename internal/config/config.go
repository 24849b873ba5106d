package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "8h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries every tunable of the authority and the notifier. Values the
// source material leaves open (lockout curve, idle eviction) have the
// defaults documented here.
type Config struct {
	Addr  string `yaml:"addr"`
	PGDSN string `yaml:"pg_dsn"`

	Token struct {
		Secret   string   `yaml:"secret"`
		Lifetime Duration `yaml:"lifetime"`
	} `yaml:"token"`

	Lockout struct {
		Threshold   int      `yaml:"threshold"`
		Window      Duration `yaml:"window"`
		BaseBackoff Duration `yaml:"base_backoff"`
		MaxBackoff  Duration `yaml:"max_backoff"`
		SourceRate  int      `yaml:"source_rate"`
		SourceBurst int      `yaml:"source_burst"`
	} `yaml:"lockout"`

	Session struct {
		IdleMax       Duration `yaml:"idle_max"`
		SweepInterval Duration `yaml:"sweep_interval"`
	} `yaml:"session"`

	Notify struct {
		RingDepth  int `yaml:"ring_depth"`
		QueueDepth int `yaml:"queue_depth"`
	} `yaml:"notify"`

	HTTPRate struct {
		PerSecond int `yaml:"per_second"`
		Burst     int `yaml:"burst"`
	} `yaml:"http_rate"`
}

// Default returns the documented defaults.
func Default() Config {
	var c Config
	c.Addr = ":8080"
	c.Token.Lifetime = Duration(8 * time.Hour)
	c.Lockout.Threshold = 5
	c.Lockout.Window = Duration(15 * time.Minute)
	c.Lockout.BaseBackoff = Duration(time.Minute)
	c.Lockout.MaxBackoff = Duration(time.Hour)
	c.Lockout.SourceRate = 5
	c.Lockout.SourceBurst = 10
	c.Session.IdleMax = Duration(45 * time.Minute)
	c.Session.SweepInterval = Duration(time.Minute)
	c.Notify.RingDepth = 512
	c.Notify.QueueDepth = 64
	c.HTTPRate.PerSecond = 50
	c.HTTPRate.Burst = 100
	return c
}

// Load builds the configuration: defaults, then the YAML file if path is
// non-empty, then FLEETGATE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLEETGATE_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("FLEETGATE_PG_DSN"); v != "" {
		cfg.PGDSN = v
	}
	if v := os.Getenv("FLEETGATE_TOKEN_SECRET"); v != "" {
		cfg.Token.Secret = v
	}
	if v := os.Getenv("FLEETGATE_TOKEN_LIFETIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Token.Lifetime = Duration(d)
		}
	}
	if v := os.Getenv("FLEETGATE_LOCKOUT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Lockout.Threshold = n
		}
	}
	if v := os.Getenv("FLEETGATE_SESSION_IDLE_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.IdleMax = Duration(d)
		}
	}
}
