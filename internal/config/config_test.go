package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tcmu/internal/constants"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tcmu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, constants.DefaultMaxInflight, cfg.MaxInflight)
	assert.Equal(t, "/var/log/", cfg.LogDir)
	assert.Len(t, cfg.Handlers, 2)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: 5
log_dir: /tmp/tcmu
log_format: json
max_inflight: 64
dbus: true
handlers:
  - subtype: ram
    backend: mem
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelTrace, lvl)
	assert.Equal(t, "/tmp/tcmu", cfg.LogDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 64, cfg.MaxInflight)
	assert.True(t, cfg.DBus)
	assert.Equal(t, []Handler{{Subtype: "ram", Backend: BackendMemory}}, cfg.Handlers)
	assert.Equal(t, constants.DefaultConfigFSRoot, cfg.ConfigFSRoot, "unset keys keep defaults")
}

func TestLoadEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "colour: blue\n",
		"bad level":       "log_level: 9\n",
		"bad format":      "log_format: xml\n",
		"negative limit":  "max_inflight: -1\n",
		"unknown backend": "handlers: [{subtype: x, backend: nbd}]\n",
		"no subtype":      "handlers: [{backend: mem}]\n",
		"duplicate":       "handlers: [{subtype: x, backend: mem}, {subtype: x, backend: file}]\n",
		"not yaml":        "handlers: [\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
