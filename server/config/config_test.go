package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"tileWidth": 256, "level": 2, "classFilter": ["Tumor"], "multilabel": true}`), 0644))

	cfg, err := LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, 256, cfg.TileWidth)
	require.Equal(t, 512, cfg.TileHeight)
	require.Equal(t, 2, cfg.Level)
	require.True(t, cfg.Multilabel)
	require.Equal(t, []string{"Tumor"}, cfg.ClassFilter)
	require.Equal(t, 90, cfg.JPEGQuality)

	t.Setenv("SLIDETILE_THREADS", "3")
	t.Setenv("SLIDETILE_EXPORT_PATH", "/tmp/out")
	cfg, err = LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Threads)
	require.Equal(t, "/tmp/out", cfg.ExportPath)

	t.Setenv("SLIDETILE_THREADS", "lots")
	_, err = LoadConfig(fn)
	require.Error(t, err)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	fn := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"tileWidth": `), 0644))
	_, err = LoadConfig(fn)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(fn, []byte(`{"tileOverlap": 600}`), 0644))
	_, err = LoadConfig(fn)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(fn, []byte(`{"mergeDistance": -1}`), 0644))
	_, err = LoadConfig(fn)
	require.Error(t, err)

	require.NoError(t, Defaults().Validate())
}

func TestLoadDefaultConfig(t *testing.T) {
	// No slidetile.json in the working directory
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)

	// Environment overrides are validated even without a config file
	t.Setenv("SLIDETILE_THREADS", "-5")
	_, err = LoadConfig("")
	require.ErrorContains(t, err, "Invalid thread count")

	t.Setenv("SLIDETILE_THREADS", "4")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Threads)
}
