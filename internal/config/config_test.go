package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/replica"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ringside.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /var/lib/ringside/trial.db
cache:
  ttl: 2h
  max_bytes: 1048576
sync:
  tenant: lic-1
  skew_buffer: 10s
remote:
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ringside/trial.db", cfg.Storage.Path)
	assert.Equal(t, 2*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, int64(1048576), cfg.Cache.MaxBytes)
	assert.Equal(t, "lic-1", cfg.Sync.Tenant)
	assert.Equal(t, 10*time.Second, cfg.Sync.SkewBuffer)

	d := Default()
	assert.Equal(t, d.Storage.OpenTimeout, cfg.Storage.OpenTimeout)
	assert.Equal(t, d.Sync.ChunkSize, cfg.Sync.ChunkSize)
	assert.Equal(t, d.Remote.PageSize, cfg.Remote.PageSize)
	assert.Equal(t, replica.DefaultScorer.FrequencyWeight, cfg.Cache.FrequencyWeight)
}

func TestParse_SchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown top-level key", "storrage:\n  path: x.db\n"},
		{"unknown nested key", "cache:\n  ttl_seconds: 60\n"},
		{"bare number duration", "cache:\n  ttl: 60\n"},
		{"malformed duration", "sync:\n  interval: soon\n"},
		{"weight out of range", "cache:\n  recency_weight: 1.5\n"},
		{"zero chunk size", "sync:\n  chunk_size: 0\n"},
		{"negative max bytes", "cache:\n  max_bytes: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("storage: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse yaml")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabase, "/tmp/override.db")
	t.Setenv(EnvRemoteDSN, "postgres://ringside@localhost/trials")

	path := writeConfig(t, "storage:\n  path: file.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.Storage.Path)
	assert.Equal(t, "postgres://ringside@localhost/trials", cfg.Remote.DSN)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Cache.FrequencyWeight, cfg.Cache.RecencyWeight = 0, 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sync.SkewBuffer = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.ManagerOptions(nil, nil), 4)
	assert.NotEmpty(t, cfg.TableOptions(nil, nil))
}
