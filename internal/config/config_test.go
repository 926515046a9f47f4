package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Jira.Timeout)
	assert.Equal(t, time.Hour, cfg.Sync.Interval)
	assert.Equal(t, 1, cfg.Sync.Workers)
	assert.True(t, cfg.Sync.OnRead)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := "jira:\n  base_url: https://example.atlassian.net/\n  token: from-file\nsync:\n  workers: 4\n  interval: 15m\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(content), 0o644))
	t.Setenv("ONBOARDLINE_JIRA_TOKEN", "from-env")
	t.Setenv("ONBOARDLINE_SYNC_ON_READ", "false")

	cfg, err := Load(viper.New(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Jira.Token)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.False(t, cfg.Sync.OnRead)
	assert.Equal(t, 30*time.Second, cfg.Jira.Timeout)

	gw := cfg.Gateway()
	assert.Equal(t, "https://example.atlassian.net", gw.BaseURL)
	assert.Equal(t, "from-env", gw.Token)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(viper.New(), t.TempDir(), filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"relative base url": func(c *Config) { c.Jira.BaseURL = "example.net/jira" },
		"zero timeout":      func(c *Config) { c.Jira.Timeout = 0 },
		"negative interval": func(c *Config) { c.Sync.Interval = -time.Second },
		"no workers":        func(c *Config) { c.Sync.Workers = 0 },
		"base path":         func(c *Config) { c.Server.BasePath = "v0" },
		"log level":         func(c *Config) { c.Log.Level = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := SetupLoggerWithWriters(&stderr, &file, level)

	logger.Info("hidden")
	logger.Warn("shown", "issue_key", "PROJ-1")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "issue_key=PROJ-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])

	level.Set(slog.LevelInfo)
	logger.Info("now visible")
	assert.Contains(t, stderr.String(), "now visible")
}
