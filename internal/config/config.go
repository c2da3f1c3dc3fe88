package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		PingInterval   string   `yaml:"pingInterval"`
		WriteTimeout   string   `yaml:"writeTimeout"`
		ReadLimit      int64    `yaml:"readLimit"`
		ShutdownGrace  string   `yaml:"shutdownGrace"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL     string `yaml:"ttl"`
		Catalog string `yaml:"catalog"` // optional YAML file of quizzes for the in-memory loader
	} `yaml:"quiz"`
	Logging struct {
		Env       string `yaml:"env"`
		Service   string `yaml:"service"`
		Version   string `yaml:"version"`
		Backend   string `yaml:"backend"`
		Debug     bool   `yaml:"debug"`
		AddSource bool   `yaml:"addSource"`
	} `yaml:"logging"`
	Auth struct {
		Secret         string `yaml:"secret"`
		Issuer         string `yaml:"issuer"`
		TokenTTL       string `yaml:"tokenTTL"`
		AllowAnonymous *bool  `yaml:"allowAnonymous"`
	} `yaml:"auth"`
	Session struct {
		TickInterval     string  `yaml:"tickInterval"`
		InboxSize        int     `yaml:"inboxSize"`
		SendBuffer       int     `yaml:"sendBuffer"`
		CodeLength       int     `yaml:"codeLength"`
		CodeRetries      int     `yaml:"codeRetries"`
		LateJoin         *bool   `yaml:"lateJoin"`
		FinishedGrace    string  `yaml:"finishedGrace"`
		AbandonAfter     string  `yaml:"abandonAfter"`
		SweepInterval    string  `yaml:"sweepInterval"`
		SnapshotInterval string  `yaml:"snapshotInterval"`
		QuestionWarnings []int64 `yaml:"questionWarningsMs"`
	} `yaml:"session"`
	Scoring struct {
		Baseline      int    `yaml:"baseline"`
		DecayStep     int    `yaml:"decayStep"`
		DecayWindow   string `yaml:"decayWindow"`
		MinimumPoints int    `yaml:"minimumPoints"`
	} `yaml:"scoring"`
	Persistence struct {
		Workers        int    `yaml:"workers"`
		QueueSize      int    `yaml:"queueSize"`
		MaxAttempts    int    `yaml:"maxAttempts"`
		InitialBackoff string `yaml:"initialBackoff"`
		MaxBackoff     string `yaml:"maxBackoff"`
	} `yaml:"persistence"`
}

// Default returns a config with every default applied, for running without a file.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads YAML config from path and fills unset fields with defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadLimit <= 0 {
		c.Server.ReadLimit = 64 << 10
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "liveroom"
	}
	if c.Auth.AllowAnonymous == nil {
		allow := true
		c.Auth.AllowAnonymous = &allow
	}
	if c.Session.InboxSize <= 0 {
		c.Session.InboxSize = 256
	}
	if c.Session.SendBuffer <= 0 {
		c.Session.SendBuffer = 64
	}
	if c.Session.CodeLength <= 0 {
		c.Session.CodeLength = 6
	}
	if c.Session.CodeRetries <= 0 {
		c.Session.CodeRetries = 64
	}
	if c.Session.LateJoin == nil {
		late := true
		c.Session.LateJoin = &late
	}
	if c.Scoring.Baseline <= 0 {
		c.Scoring.Baseline = 1000
	}
	if c.Scoring.DecayStep <= 0 {
		c.Scoring.DecayStep = 50
	}
	if c.Scoring.MinimumPoints <= 0 {
		c.Scoring.MinimumPoints = 100
	}
	if c.Persistence.Workers <= 0 {
		c.Persistence.Workers = 2
	}
	if c.Persistence.QueueSize <= 0 {
		c.Persistence.QueueSize = 1024
	}
	if c.Persistence.MaxAttempts <= 0 {
		c.Persistence.MaxAttempts = 5
	}
}

func (c Config) validate() error {
	if c.Scoring.MinimumPoints > c.Scoring.Baseline {
		return fmt.Errorf("scoring.minimumPoints (%d) exceeds scoring.baseline (%d)", c.Scoring.MinimumPoints, c.Scoring.Baseline)
	}
	if c.Session.CodeLength > 12 {
		return fmt.Errorf("session.codeLength must be at most 12, got %d", c.Session.CodeLength)
	}
	for _, raw := range []string{
		c.Server.PingInterval, c.Server.WriteTimeout, c.Server.ShutdownGrace,
		c.Redis.TTL, c.Quiz.TTL, c.Auth.TokenTTL,
		c.Session.TickInterval, c.Session.FinishedGrace, c.Session.AbandonAfter,
		c.Session.SweepInterval, c.Session.SnapshotInterval, c.Scoring.DecayWindow,
		c.Persistence.InitialBackoff, c.Persistence.MaxBackoff,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
