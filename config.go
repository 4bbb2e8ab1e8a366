package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Configuration defaults
const (
	DefaultProjectURL  = "https://uwfbirjpzzberwrhkson.supabase.co"
	DefaultSQLFunction = "execute_sql"
	DefaultHTTPAddr    = ":3000"
	BackendREST        = "rest"
	defaultSchema      = "public"
)

// Config holds every setting of the process. It is built once at startup and
// never mutated afterwards.
type Config struct {
	URL         string     `yaml:"url"`
	APIKey      string     `yaml:"api_key"`
	Backend     string     `yaml:"backend"`
	DSN         string     `yaml:"dsn"`
	Schema      string     `yaml:"schema"`
	SQLFunction string     `yaml:"sql_function"`
	ReadOnlySQL bool       `yaml:"read_only_sql"`
	Tables      []string   `yaml:"tables"`
	Timeout     string     `yaml:"timeout"`
	LogLevel    string     `yaml:"log_level"`
	LogFormat   string     `yaml:"log_format"`
	HTTP        HTTPConfig `yaml:"http"`
}

// HTTPConfig configures the serve-http transport.
type HTTPConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:         DefaultProjectURL,
		Backend:     BackendREST,
		Schema:      defaultSchema,
		SQLFunction: DefaultSQLFunction,
		LogLevel:    "info",
		LogFormat:   "text",
		HTTP:        HTTPConfig{Addr: DefaultHTTPAddr},
	}
}

// LoadConfig loads configuration from an optional YAML file and environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.URL, "SUPABASE_URL")
	setString(&c.APIKey, "SUPABASE_API_KEY")
	setString(&c.Backend, "MCP_BACKEND")
	setString(&c.DSN, "MCP_DSN")
	setString(&c.Schema, "MCP_SCHEMA")
	setString(&c.SQLFunction, "MCP_SQL_FUNCTION")
	setString(&c.Timeout, "MCP_TIMEOUT")
	setString(&c.LogLevel, "MCP_LOG_LEVEL")
	setString(&c.LogFormat, "MCP_LOG_FORMAT")
	setString(&c.HTTP.Addr, "MCP_HTTP_ADDR")
	setString(&c.HTTP.Token, "MCP_HTTP_TOKEN")

	if v := os.Getenv("MCP_READ_ONLY_SQL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MCP_READ_ONLY_SQL %q: %w", v, err)
		}
		c.ReadOnlySQL = b
	}
	if v := os.Getenv("MCP_TABLES"); v != "" {
		c.Tables = splitCSV(v)
	}
	return nil
}

// Validate checks the settings every tool depends on.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Schema == "" {
		c.Schema = defaultSchema
	}
	if c.Backend == BackendREST {
		if c.APIKey == "" {
			return fmt.Errorf("SUPABASE_API_KEY environment variable is required")
		}
		if c.URL == "" {
			return fmt.Errorf("SUPABASE_URL must not be empty")
		}
	} else if _, err := dialectFor(c.Backend); err != nil {
		return err
	}

	if c.SQLFunction == "" {
		return fmt.Errorf("sql_function must not be empty")
	}
	if _, err := c.RequestTimeout(); err != nil {
		return err
	}
	for _, p := range c.Tables {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid table pattern %q", p)
		}
	}
	return nil
}

// RequestTimeout returns the per-call timeout; zero means none.
func (c *Config) RequestTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", c.Timeout)
	}
	return d, nil
}

// Endpoint describes where the gateway points, without credentials.
func (c *Config) Endpoint() string {
	if c.Backend == BackendREST {
		return c.URL
	}
	return c.Backend
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
