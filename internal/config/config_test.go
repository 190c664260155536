package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decisiondesk/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendLocal, cfg.Backend.Kind)
	assert.Equal(t, 5*time.Second, cfg.Undo.Window)
	assert.Equal(t, 2*time.Second, cfg.Drafts.AutosaveAfter)
	assert.False(t, cfg.Features.Offline)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
backend:
  kind: http
  url: https://desk.example.com
undo:
  window: 3s
`))
	require.NoError(t, err)
	assert.Equal(t, config.BackendHTTP, cfg.Backend.Kind)
	assert.Equal(t, 3*time.Second, cfg.Undo.Window)
	assert.Equal(t, "info", cfg.Log.Level, "untouched keys keep their defaults")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"offline":              "features:\n  offline: true\n",
		"unknown kind":         "backend:\n  kind: ftp\n",
		"http without url":     "backend:\n  kind: http\n  url: \"\"\n",
		"supabase without key": "backend:\n  kind: supabase\nsupabase:\n  url: https://x.supabase.co\n",
		"zero undo":            "undo:\n  window: 0s\n",
		"bad log format":       "log:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
	_, err := config.FromYAML([]byte("features:\n  offline: true\n"))
	assert.ErrorIs(t, err, config.ErrOfflineUnsupported)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Backend.Workspace)

	none, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWatcherReloadsValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	require.NoError(t, os.WriteFile(path, []byte(config.GenerateDefault()), 0o644))
	initial, err := config.FromFile(path)
	require.NoError(t, err)

	w, err := config.NewWatcher(path, initial, nil)
	require.NoError(t, err)
	changed := make(chan *config.Config, 1)
	w.OnChange(func(c *config.Config) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x: 1\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("undo:\n  window: 7s\n"), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, 7*time.Second, c.Undo.Window)
		assert.Equal(t, 7*time.Second, w.Config().Undo.Window)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
