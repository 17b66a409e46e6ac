// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Parse when a field is left empty.
const (
	DefaultSQLitePath      = "switchboard.db"
	DefaultMySQLPort       = 3306
	DefaultBatchSize       = 25
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultBusRetention    = time.Hour
	DefaultPruneCron       = "*/10 * * * *"
	DefaultTickInterval    = 250 * time.Millisecond
	DefaultOperatorWebPort = 8090
)

// cronParser accepts standard 5-field cron expressions, matching the runner.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Bus         BusConfig         `yaml:"bus"`
	Log         LogConfig         `yaml:"log"`
	OperatorWeb OperatorWebConfig `yaml:"operator_web"`
	Bots        []BotConfig       `yaml:"bots"`
}

// DatabaseConfig selects the object store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// BusConfig controls the message bus connecting bots and operator clients.
type BusConfig struct {
	Driver       string        `yaml:"driver"` // "database" (default) or "memory"
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Retention    time.Duration `yaml:"retention"`
	PruneCron    string        `yaml:"prune_cron"`
}

// LogConfig controls the slog root logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // optional; records are also written here as JSON
}

// OperatorWebConfig holds settings for the operator HTTP surface.
type OperatorWebConfig struct {
	Port int `yaml:"port"`
}

// BotConfig holds per-bot runtime settings. The bot's template and operator
// roster live in the database under the same name.
type BotConfig struct {
	Name         string            `yaml:"name"`
	Platform     string            `yaml:"platform"` // discord, slack, none
	TickInterval time.Duration     `yaml:"tick_interval"`
	Discord      DiscordConfig     `yaml:"discord"`
	Slack        SlackConfig       `yaml:"slack"`
	Broadcasts   []BroadcastConfig `yaml:"broadcasts"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken  string `yaml:"app_token"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// BroadcastConfig schedules a message to every chat the bot has seen.
type BroadcastConfig struct {
	Cron string `yaml:"cron"`
	Text string `yaml:"text"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bot returns the configuration for the named bot.
func (c *Config) Bot(name string) (BotConfig, bool) {
	for _, b := range c.Bots {
		if b.Name == name {
			return b, true
		}
	}
	return BotConfig{}, false
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = DefaultSQLitePath
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = DefaultMySQLPort
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "database"
	}
	if c.Bus.BatchSize <= 0 {
		c.Bus.BatchSize = DefaultBatchSize
	}
	if c.Bus.PollInterval <= 0 {
		c.Bus.PollInterval = DefaultPollInterval
	}
	if c.Bus.Retention <= 0 {
		c.Bus.Retention = DefaultBusRetention
	}
	if c.Bus.PruneCron == "" {
		c.Bus.PruneCron = DefaultPruneCron
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.OperatorWeb.Port == 0 {
		c.OperatorWeb.Port = DefaultOperatorWebPort
	}
	for i := range c.Bots {
		if c.Bots[i].Platform == "" {
			c.Bots[i].Platform = "none"
		}
		if c.Bots[i].TickInterval <= 0 {
			c.Bots[i].TickInterval = DefaultTickInterval
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Bus.Driver {
	case "database", "memory":
	default:
		errs = append(errs, fmt.Sprintf("bus.driver %q is not supported", c.Bus.Driver))
	}
	if _, err := cronParser.Parse(c.Bus.PruneCron); err != nil {
		errs = append(errs, fmt.Sprintf("bus.prune_cron: %v", err))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}

	seen := make(map[string]bool)
	for i, b := range c.Bots {
		if b.Name == "" {
			errs = append(errs, fmt.Sprintf("bots[%d].name is required", i))
		} else if seen[b.Name] {
			errs = append(errs, fmt.Sprintf("bots[%d].name %q is duplicated", i, b.Name))
		}
		seen[b.Name] = true

		switch b.Platform {
		case "none":
		case "discord":
			if b.Discord.BotToken == "" {
				errs = append(errs, fmt.Sprintf("bots[%d].discord.bot_token is required", i))
			}
		case "slack":
			if b.Slack.BotToken == "" {
				errs = append(errs, fmt.Sprintf("bots[%d].slack.bot_token is required", i))
			}
			if b.Slack.AppToken == "" {
				errs = append(errs, fmt.Sprintf("bots[%d].slack.app_token is required", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("bots[%d].platform %q is not supported", i, b.Platform))
		}

		for j, bc := range b.Broadcasts {
			if bc.Text == "" {
				errs = append(errs, fmt.Sprintf("bots[%d].broadcasts[%d].text is required", i, j))
			}
			if _, err := cronParser.Parse(bc.Cron); err != nil {
				errs = append(errs, fmt.Sprintf("bots[%d].broadcasts[%d].cron: %v", i, j, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
