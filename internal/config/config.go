package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/herald/internal/articles"
	"github.com/livinlefevreloca/herald/internal/db"
	"github.com/livinlefevreloca/herald/internal/dispatcher"
	"github.com/livinlefevreloca/herald/internal/httpapi"
	"github.com/livinlefevreloca/herald/internal/logging"
	"github.com/livinlefevreloca/herald/internal/maintenance"
	"github.com/livinlefevreloca/herald/internal/mongostore"
	"github.com/livinlefevreloca/herald/internal/notify"
	"github.com/livinlefevreloca/herald/internal/publish"
	"github.com/livinlefevreloca/herald/internal/recurrence"
)

// Config represents the application configuration
type Config struct {
	Database    db.Config          `toml:"database" yaml:"database"`
	Mongo       mongostore.Config  `toml:"mongo" yaml:"mongo"`
	Calendar    CalendarConfig     `toml:"calendar" yaml:"calendar"`
	Dispatcher  dispatcher.Config  `toml:"dispatcher" yaml:"dispatcher"`
	HTTP        httpapi.Config     `toml:"http" yaml:"http"`
	Publisher   publish.Config     `toml:"publisher" yaml:"publisher"`
	Articles    articles.Config    `toml:"articles" yaml:"articles"`
	Notify      notify.Config      `toml:"notify" yaml:"notify"`
	Maintenance maintenance.Config `toml:"maintenance" yaml:"maintenance"`
	Logging     logging.Config     `toml:"logging" yaml:"logging"`
}

// CalendarConfig holds calendar presentation settings
type CalendarConfig struct {
	// Location used for day boundaries and for interpreting local anchors
	Timezone string `toml:"timezone" yaml:"timezone" env:"HERALD_CALENDAR_TIMEZONE"`

	// Cap on occurrences produced for one entry by a single expansion
	MaxOccurrences int `toml:"max_occurrences" yaml:"max_occurrences" validate:"gte=0"`
}

// Location resolves Timezone, UTC when unset.
func (c CalendarConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          db.DriverCgo,
			DSN:             "herald.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			BusyTimeout:     5 * time.Second,
		},
		Mongo: mongostore.DefaultConfig(),
		Calendar: CalendarConfig{
			Timezone:       "UTC",
			MaxOccurrences: recurrence.DefaultMaxOccurrences,
		},
		Dispatcher:  dispatcher.DefaultConfig(),
		HTTP:        httpapi.DefaultConfig(),
		Publisher:   publish.Config{Timeout: 30 * time.Second},
		Articles:    articles.Config{Timeout: 10 * time.Second},
		Notify:      notify.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML or YAML file, chosen by
// extension, on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (must be .toml, .yaml or .yml)", filepath.Ext(path))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. HERALD_* environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays environment variables. Sections are parsed one by one
// since each carries its own HERALD_<SECTION>_ names.
func (c *Config) applyEnv() error {
	sections := []interface{}{
		&c.Database,
		&c.Mongo,
		&c.Calendar,
		&c.Dispatcher,
		&c.HTTP,
		&c.Publisher,
		&c.Articles,
		&c.Notify,
		&c.Notify.Email,
		&c.Notify.Telegram,
		&c.Maintenance,
		&c.Logging,
		&c.Logging.File,
	}
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Database.Driver {
	case db.DriverCgo, db.DriverPure:
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN must be specified")
		}
	case "mongo":
		if c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "" {
			return fmt.Errorf("mongo uri, database and collection must be specified")
		}
		if c.Mongo.Timeout <= 0 {
			return fmt.Errorf("mongo timeout must be positive")
		}
	}

	if _, err := c.Calendar.Location(); err != nil {
		return fmt.Errorf("calendar timezone: %w", err)
	}

	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := c.Maintenance.Validate(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	if c.Notify.Email.Enabled && len(c.Notify.Email.To) == 0 {
		return fmt.Errorf("notify email requires at least one recipient")
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.ChatID == 0 {
		return fmt.Errorf("notify telegram requires chat_id")
	}

	return nil
}
