package config

import (
	"os"
	"path/filepath"
	"testing"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	return home
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	home := isolateHome(t)

	c := LoadConfig()
	require.NotNil(t, c)
	assert.False(t, c.Log)
	assert.Equal(t, "", c.LogOutput)

	if _, err := os.Stat(filepath.Join(home, configDir, configFile)); err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	home := isolateHome(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, configDir), 0700))

	want := &Config{
		Log:              true,
		LogOutput:        "server,process",
		MemoryCacheLines: 64,
		KillOnDetach:     true,
	}
	require.NoError(t, SaveConfig(want))

	got := LoadConfig()
	assert.Equal(t, want, got)
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	home := isolateHome(t)

	path := filepath.Join(home, configDir, configFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0600))

	c := LoadConfig()
	require.NotNil(t, c)
	assert.Equal(t, &Config{}, c)
}
