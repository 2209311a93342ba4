// Package config loads service configuration from an optional TOML file
// with environment variable overrides. The file path comes from
// BOOKINGS_CONFIG; absent a file, defaults plus environment apply.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	NATS     NATSConfig     `toml:"nats"`
	Approval ApprovalConfig `toml:"approval"`
}

type ServiceConfig struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
	MaxConns int32  `toml:"max_conns"`
	MinConns int32  `toml:"min_conns"`
}

type NATSConfig struct {
	URL     string `toml:"url"`
	Enabled bool   `toml:"enabled"`
}

type ApprovalConfig struct {
	// DefaultStepDeadline applies when a tier defines no deadline.
	DefaultStepDeadline duration `toml:"default_step_deadline"`
}

// duration lets TOML carry values like "30s" or "72h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads the config file (if any) and applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("BOOKINGS_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Database.Host == "" {
		return nil, fmt.Errorf("database host is required (set DB_HOST or [database] host)")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-lab-bookings",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8087,
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "bookings",
			Database: "bookings",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		NATS: NATSConfig{
			URL:     "nats://localhost:4222",
			Enabled: false,
		},
		Approval: ApprovalConfig{
			DefaultStepDeadline: duration{72 * time.Hour},
		},
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Service.Environment, "ENVIRONMENT")
	setStr(&cfg.Service.LogLevel, "LOG_LEVEL")
	setStr(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setStr(&cfg.Database.User, "DB_USER")
	setStr(&cfg.Database.Password, "DB_PASSWORD")
	setStr(&cfg.Database.Database, "DB_NAME")
	setStr(&cfg.Database.SSLMode, "DB_SSL_MODE")
	setStr(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		cfg.NATS.Enabled = v == "true" || v == "1"
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// ConnString builds a pgx connection string.
func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}
