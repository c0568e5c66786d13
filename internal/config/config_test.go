package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	assert.Equal(t, "0 3 * * *", cfg.Schedule.Primary)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Reliability, again.Reliability)
	assert.Equal(t, cfg.Notion.Labels, again.Notion.Labels)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
timezone: Europe/Berlin
calendar:
  provider: ics
  ics:
    - id: team
      url: https://example.com/team.ics
marking:
  attempts: 9
  settle_delay: 250ms
pipeline:
  strictness: fuzzy
  rate_limit_delay: 1s
notion:
  database_id: " abc-123\n"
reliability:
  time_budget: 2m
  backup_days: 7
  noise_patterns: []
state:
  backend: sqlite
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	require.Len(t, cfg.Calendar.ICS, 1)
	assert.Equal(t, "team", cfg.Calendar.ICS[0].ID)

	assert.Equal(t, 5, cfg.Marking.Attempts, "attempts are capped")
	assert.Equal(t, 250*time.Millisecond, cfg.Marking.SettleDelay)
	assert.Equal(t, "standard", cfg.Pipeline.Strictness, "unknown strictness falls back")
	assert.Equal(t, time.Second, cfg.Pipeline.RateLimitDelay)
	assert.Equal(t, "abc-123", cfg.Notion.DatabaseID)
	assert.Equal(t, 2*time.Minute, cfg.Reliability.TimeBudget)
	assert.Equal(t, 3, cfg.Reliability.BackupDays, "backup window is at most three days")
	assert.Empty(t, cfg.Reliability.NoisePatterns, "an explicit empty list is kept")
	assert.Equal(t, "./var/state.db", cfg.State.Path)
	assert.Equal(t, "Name", cfg.Notion.Properties.Title)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("window: [unclosed"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("NOTION_TOKEN", " secret ")
	t.Setenv("NOTION_DATABASE_ID", "db-1")
	t.Setenv("LLM_API_KEY", "key")
	t.Setenv("REDIS_PASSWORD", "pw")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "secret", cfg.Notion.Token)
	assert.Equal(t, "db-1", cfg.Notion.DatabaseID)
	assert.Equal(t, "key", cfg.Semantic.APIKey)
	assert.Equal(t, "pw", cfg.State.Redis.Password)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Notion.Token = "secret"
		cfg.Notion.DatabaseID = "db"
		cfg.Calendar.Google.CredentialsFile = "credentials.json"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"NoToken", func(c *Config) { c.Notion.Token = "" }, "notion.token"},
		{"BadTimezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"GoogleWithoutCredentials", func(c *Config) { c.Calendar.Google.CredentialsFile = "" }, "credentials_file"},
		{"UnknownProvider", func(c *Config) { c.Calendar.Provider = "caldav" }, "calendar.provider"},
		{"DatastoreWithoutProject", func(c *Config) { c.State.Backend = "datastore" }, "project_id"},
		{"SemanticWithoutKey", func(c *Config) { c.Semantic.Enabled = true }, "semantic.api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
