// Package config handles configuration loading and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// Source kinds understood by the daemon.
const (
	KindHeartbeat  = "heartbeat"
	KindProbe      = "probe"
	KindCommand    = "command"
	KindOutcomes   = "outcomes"
	KindMilestones = "milestones"
	KindKnowledge  = "knowledge"
	KindGit        = "git"
)

// Config holds all configuration for the daemon.
type Config struct {
	StoragePath string `yaml:"storage_path"`
	SocketPath  string `yaml:"socket_path"`

	Log      LogConfig       `yaml:"log"`
	Predict  insights.Config `yaml:"predict"`
	Channels ChannelsConfig  `yaml:"channels"`
	Sources  []SourceSpec    `yaml:"sources"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ChannelsConfig holds settings for the delivery sinks. The unix socket is
// always available; the others are optional.
type ChannelsConfig struct {
	Desktop DesktopConfig `yaml:"desktop"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Redis   RedisConfig   `yaml:"redis"`
}

// DesktopConfig configures notify-send delivery of urgent insights.
type DesktopConfig struct {
	Enabled bool   `yaml:"enabled"`
	AppName string `yaml:"app_name"`
}

// SMTPConfig configures the email digest.
type SMTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Configured reports whether the digest can be mailed.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.To != ""
}

// RedisConfig configures the relay stream for delegated sub-contexts.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// SourceSpec declares one data source adapter.
type SourceSpec struct {
	ID        string        `yaml:"id"`
	Kind      string        `yaml:"kind"`
	Interval  time.Duration `yaml:"interval"`  // 0 = on-demand
	Freshness time.Duration `yaml:"freshness"` // reading lifetime
	Timeout   time.Duration `yaml:"timeout"`   // overrides predict.poll_timeout

	Path      string   `yaml:"path"`    // heartbeat, outcomes, milestones, git
	URL       string   `yaml:"url"`     // probe
	Command   []string `yaml:"command"` // command
	Subject   string   `yaml:"subject"`
	Committed bool     `yaml:"committed"` // backs a live resource
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, ".local", "share", "predictd")

	return &Config{
		StoragePath: dataDir,
		SocketPath:  filepath.Join(dataDir, "predictd.sock"),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Predict: insights.DefaultConfig(),
		Channels: ChannelsConfig{
			Desktop: DesktopConfig{Enabled: true, AppName: "predictd"},
			SMTP: SMTPConfig{
				Port: 587,
				Pass: os.Getenv("PREDICTD_SMTP_PASS"),
			},
			Redis: RedisConfig{
				URL:    os.Getenv("PREDICTD_REDIS_URL"),
				Stream: "predictd:insights",
				MaxLen: 1000,
			},
		},
	}
}

// Load reads configuration from path, or from the first default location
// that exists when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, expandTilde(path)); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}

	for _, p := range DefaultPaths() {
		err := loadFromFile(cfg, p)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// DefaultPaths lists the config file locations searched by Load.
func DefaultPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".config", "predictd", "config.yaml"),
		filepath.Join(home, ".local", "share", "predictd", "config.yaml"),
	}
}

// loadFromFile reads a YAML config file and merges it into cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.StoragePath = expandTilde(cfg.StoragePath)
	cfg.SocketPath = expandTilde(cfg.SocketPath)
	for i := range cfg.Sources {
		cfg.Sources[i].Path = expandTilde(cfg.Sources[i].Path)
	}
	return nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// Validate fails fast on anything the daemon cannot run with.
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return &insights.ConfigError{Field: "storage_path", Reason: "must be set"}
	}
	if c.SocketPath == "" {
		return &insights.ConfigError{Field: "socket_path", Reason: "must be set"}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &insights.ConfigError{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return &insights.ConfigError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	if err := c.Predict.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if s.ID == "" {
			return &insights.ConfigError{Field: field + ".id", Reason: "must be set"}
		}
		if seen[s.ID] {
			return &insights.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("duplicate source %q", s.ID)}
		}
		seen[s.ID] = true
		if s.Interval < 0 || s.Freshness < 0 || s.Timeout < 0 {
			return &insights.ConfigError{Field: field, Reason: "durations must not be negative"}
		}
		if err := s.validateKind(field); err != nil {
			return err
		}
	}
	return nil
}

func (s SourceSpec) validateKind(field string) error {
	switch s.Kind {
	case KindHeartbeat, KindOutcomes, KindMilestones, KindGit:
		if s.Path == "" {
			return &insights.ConfigError{Field: field + ".path", Reason: "required for " + s.Kind}
		}
	case KindProbe:
		if s.URL == "" {
			return &insights.ConfigError{Field: field + ".url", Reason: "required for probe"}
		}
	case KindCommand:
		if len(s.Command) == 0 {
			return &insights.ConfigError{Field: field + ".command", Reason: "required for command"}
		}
	case KindKnowledge:
	default:
		return &insights.ConfigError{Field: field + ".kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}
	return nil
}

// EnsureStorageDir creates the storage directory if it doesn't exist.
func (c *Config) EnsureStorageDir() error {
	return os.MkdirAll(c.StoragePath, 0700)
}
