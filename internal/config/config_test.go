package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Scanner.Interval.Std())
	assert.Equal(t, time.Hour, cfg.Scanner.Cooldown.Std())
	assert.Equal(t, "memory", cfg.Locks.Backend)
	assert.Contains(t, cfg.RolePermissions()["admin"], "scan:run")
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
scanner:
  interval: 30s
notifications:
  webhooks:
    - name: ops
      url: https://hooks.example.com/escalations
      channels: [webhook]
      timeout: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Scanner.Interval.Std())
	assert.Equal(t, 4, cfg.Scanner.Workers, "untouched keys keep defaults")
	require.Len(t, cfg.Notifications.Webhooks, 1)
	assert.True(t, cfg.Notifications.Webhooks[0].IsEnabled())
	assert.Equal(t, 2*time.Second, cfg.Notifications.Webhooks[0].Timeout.Std())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad duration":   "scanner:\n  interval: soon\n",
		"zero workers":   "scanner:\n  workers: 0\n",
		"redis no addr":  "locks:\n  backend: redis\n",
		"bad backend":    "locks:\n  backend: etcd\n",
		"webhook url":    "notifications:\n  webhooks:\n    - name: x\n      url: ftp://nope\n",
		"dup webhook":    "notifications:\n  webhooks:\n    - {name: x, url: 'http://a'}\n    - {name: x, url: 'http://b'}\n",
		"log level":      "log:\n  level: loud\n",
		"tracing":        "tracing:\n  exporter: jaeger\n",
		"empty perm":     "rbac:\n  roles:\n    admin:\n      permissions: ['']\n",
		"empty statuses": "engine:\n  closed_statuses: []\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: ':9999'\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestYAMLRoundTripsDurations(t *testing.T) {
	out, err := Default().YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "interval: 5m0s")
	cfg, err := FromYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Scanner.Interval.Std())
}
