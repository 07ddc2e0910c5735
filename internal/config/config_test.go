package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Autorun)
	assert.Equal(t, "raucb", cfg.BundleExtension)
	assert.Equal(t, DefaultDeviceRegex, cfg.DeviceRegex)
	assert.Equal(t, "override", cfg.OverrideDir)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caterpillar.toml")
	content := "autorun = false\nbundle_extension = \"upd\"\noverride_dir = \"ovr\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Autorun)
	assert.Equal(t, "upd", cfg.BundleExtension)
	assert.Equal(t, "ovr", cfg.OverrideDir)
	assert.Equal(t, DefaultDeviceRegex, cfg.DeviceRegex)
}

func TestEnvOverlayOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caterpillar.toml")
	require.NoError(t, os.WriteFile(path, []byte("autorun = false\n"), 0o644))

	t.Setenv("CATERPILLAR_AUTORUN", "true")
	t.Setenv("CATERPILLAR_OVERRIDE_DIR", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Autorun)
	assert.Equal(t, "from-env", cfg.OverrideDir)
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback bool
		want     bool
	}{
		{"true-literal", "true", false, true},
		{"one", "1", false, true},
		{"false-literal", "false", true, false},
		{"zero", "0", true, false},
		{"garbage-keeps-fallback", "maybe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseBool(tt.value, tt.fallback))
		})
	}
}
