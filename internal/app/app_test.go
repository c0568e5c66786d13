package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caltasks/internal/config"
	"caltasks/internal/kvstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Calendar.Provider = "memory"
	cfg.State.Backend = "memory"
	cfg.Notion.Token = "secret"
	cfg.Notion.DatabaseID = "db"
	return cfg
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("Memory", func(t *testing.T) {
		a, err := New(ctx, testConfig(t))
		require.NoError(t, err)
		defer a.Close()
		assert.NotNil(t, a.Orchestrator)
		assert.NotNil(t, a.Pipeline)
		assert.Nil(t, a.Mail)
		assert.Equal(t, "Asia/Tokyo", a.Location.String())
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Notion.Token = ""
		_, err := New(ctx, cfg)
		assert.ErrorIs(t, err, config.ErrInvalid)
	})

	t.Run("ICSWithoutFeeds", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Calendar.Provider = "ics"
		_, err := New(ctx, cfg)
		assert.ErrorIs(t, err, config.ErrInvalid)
	})
}

func TestOpenState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("File", func(t *testing.T) {
		kv, err := openState(ctx, config.StateConfig{Backend: "file", Path: filepath.Join(dir, "state.json")})
		require.NoError(t, err)
		defer kv.Close()
		assert.IsType(t, &kvstore.File{}, kv)
	})

	t.Run("SQLiteSwapsJSONExtension", func(t *testing.T) {
		kv, err := openState(ctx, config.StateConfig{Backend: "sqlite", Path: filepath.Join(dir, "state.json")})
		require.NoError(t, err)
		defer kv.Close()
		require.NoError(t, kv.Set(ctx, "k", "v"))
		assert.FileExists(t, filepath.Join(dir, "state.db"))
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := openState(ctx, config.StateConfig{Backend: "etcd"})
		assert.Error(t, err)
	})
}
