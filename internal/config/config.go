package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"onboardline/internal/jira"
)

// EnvPrefix prefixes every environment override, e.g. ONBOARDLINE_JIRA_TOKEN.
const EnvPrefix = "ONBOARDLINE"

// Config models onboardline.yml.
type Config struct {
	Jira   JiraConfig   `yaml:"jira" mapstructure:"jira"`
	Sync   SyncConfig   `yaml:"sync" mapstructure:"sync"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

type JiraConfig struct {
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Token   string        `yaml:"token" mapstructure:"token"`
	Email   string        `yaml:"email" mapstructure:"email"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Workers  int           `yaml:"workers" mapstructure:"workers"`
	OnRead   bool          `yaml:"on_read" mapstructure:"on_read"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	BasePath string `yaml:"base_path" mapstructure:"base_path"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

const defaultYAML = `jira:
  base_url: ""
  token: ""
  email: ""
  timeout: 30s

sync:
  interval: 1h
  workers: 1
  on_read: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  file: ""
`

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultYAML), &cfg); err != nil {
		panic(fmt.Sprintf("config: invalid default yaml: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config file contents.
func GenerateDefault() string {
	return defaultYAML
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "onboardline.yml")
}

// Load layers defaults, the config file and ONBOARDLINE_* environment
// variables into a validated Config. An explicit file must exist; the
// workspace file is optional.
func Load(v *viper.Viper, workspace, file string) (*Config, error) {
	defaults := Default()
	setDefaults(v, defaults)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	path := file
	if path == "" {
		path = Path(workspace)
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if file != "" || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("jira.base_url", c.Jira.BaseURL)
	v.SetDefault("jira.token", c.Jira.Token)
	v.SetDefault("jira.email", c.Jira.Email)
	v.SetDefault("jira.timeout", c.Jira.Timeout)
	v.SetDefault("sync.interval", c.Sync.Interval)
	v.SetDefault("sync.workers", c.Sync.Workers)
	v.SetDefault("sync.on_read", c.Sync.OnRead)
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.base_path", c.Server.BasePath)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.file", c.Log.File)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Jira.BaseURL != "" {
		u, err := url.Parse(c.Jira.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.jira.base_url must be an absolute URL, got %q", c.Jira.BaseURL)
		}
	}
	if c.Jira.Timeout <= 0 {
		return fmt.Errorf("config.jira.timeout must be positive")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("config.sync.interval must not be negative")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("config.sync.workers must be at least 1")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Gateway returns the ticketing client configuration.
func (c *Config) Gateway() jira.Config {
	return jira.Config{
		BaseURL: strings.TrimRight(c.Jira.BaseURL, "/"),
		Token:   c.Jira.Token,
		Email:   c.Jira.Email,
		Timeout: c.Jira.Timeout,
	}
}
