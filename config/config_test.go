package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lagom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, Default().Server, cfg.Server)
	assert.Equal(t, "memory", cfg.Registry.Kind)
	assert.False(t, cfg.Errors.ExposeDetails)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
server:
  listen: ":9000"
  advertise: "10.0.0.5:9000"
  codec: json
  stream_window: 4
  timeout: 2s
registry:
  kind: etcd
  endpoints: ["etcd-1:2379", "etcd-2:2379"]
  ttl: 30
errors:
  expose_details: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "10.0.0.5:9000", cfg.Server.Advertise)
	assert.Equal(t, "json", cfg.Server.Codec)
	assert.Equal(t, 4, cfg.Server.StreamWindow)
	assert.Equal(t, 2*time.Second, cfg.Server.Timeout)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, int64(30), cfg.Registry.TTL)
	assert.True(t, cfg.Errors.ExposeDetails)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LAGOM_SERVER_LISTEN", ":7000")
	t.Setenv("LAGOM_ERRORS_EXPOSE_DETAILS", "true")

	cfg, err := Load(writeConfig(t, "server:\n  listen: \":9000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.True(t, cfg.Errors.ExposeDetails)
}

func TestLoadInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"log level":     "log:\n  level: loud\n",
		"codec":         "server:\n  codec: xml\n",
		"window":        "server:\n  stream_window: 0\n",
		"registry kind": "registry:\n  kind: consul\n",
	} {
		_, err := Load(writeConfig(t, content))
		assert.Error(t, err, name)
	}
}
