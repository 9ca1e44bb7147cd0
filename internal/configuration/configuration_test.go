package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "oltprov.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(&model.Args{})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, QueueMemory, cfg.Queue.Kind)
	assert.Equal(t, LeaseMemory, cfg.Lease.Kind)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Greater(t, cfg.Lease.TTL, cfg.Session.Timeout)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, model.AppSubject, cfg.QueueSubject())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
concurrency: 8
facility_code: pop3
database:
  driver: postgres
  dsn: postgres://oltprov@localhost/oltprov
queue:
  kind: jetstream
  visibility_timeout: 10m
nats:
  url: nats://localhost:4222
lease:
  kind: redis
  ttl: 3m
redis:
  addr: localhost:6379
session:
  timeout: 1m
`)

	t.Setenv("OLTPROV_CONCURRENCY", "4")
	t.Setenv("OLTPROV_LEASE_TTL", "4m")

	cfg, err := Load(&model.Args{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 4*time.Minute, cfg.Lease.TTL)
	assert.Equal(t, time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, "nats://localhost:4222", cfg.Nats.URL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, model.AppSubject+".pop3", cfg.QueueSubject())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"lease shorter than session", "lease:\n  ttl: 30s\nsession:\n  timeout: 45s\n"},
		{"visibility shorter than lease", "queue:\n  visibility_timeout: 1m\nlease:\n  ttl: 2m\n"},
		{"jetstream without url", "queue:\n  kind: jetstream\n"},
		{"redis without addr", "lease:\n  kind: redis\n"},
		{"unknown queue", "queue:\n  kind: kafka\n"},
		{"zero concurrency", "concurrency: 0\n"},
		{"database without dsn", "database:\n  driver: mysql\n"},
		{"notify without oidc", "notify:\n  endpoint: https://hooks.example.com/oltprov\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(&model.Args{ConfigFile: writeConfig(t, tc.body)})
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrConfig), err.Error())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(&model.Args{ConfigFile: "/nonexistent/oltprov.yaml"})
	assert.True(t, errors.Is(err, model.ErrConfig))
}

func TestLoadArgs(t *testing.T) {
	cfg := New()
	cfg.LoadArgs(&model.Args{LogLevel: "trace", FacilityCode: "pop1", EnableProfiling: true})

	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, "pop1", cfg.FacilityCode)
	assert.True(t, cfg.EnableProfiling)
}
