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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `
api:
  baseUrl: https://api.venuehq.test
storage:
  backend: file
  path: /var/lib/vhq-syncd
domains:
  - name: booking
    path: /v1/bookings
`

func TestLoadConfig_Minimal(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithConfigPath(writeConfig(t, minimalConfig)))
	require.NoError(t, err)

	assert.Equal(t, "https://api.venuehq.test", cfg.API.BaseURL)
	assert.Equal(t, StorageBackendFile, cfg.StorageBackend())
	require.Len(t, cfg.Domains, 1)
	assert.Equal(t, "booking", cfg.Domains[0].Name)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithConfigPath(writeConfig(t, minimalConfig)))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.APITimeout())
	assert.Equal(t, 60*time.Second, cfg.MinSyncInterval())
	assert.Equal(t, 30*time.Second, cfg.QueueDrainInterval())
	assert.Equal(t, 2*time.Second, cfg.RetryDelay())
	assert.Equal(t, 3, cfg.MaxRetries())
	assert.Equal(t, 90*24*time.Hour, cfg.FullSyncLookback())
	assert.Equal(t, 14*24*time.Hour, cfg.FullSyncHorizon())
	assert.Equal(t, 2, cfg.FailureThreshold())
	assert.Equal(t, 5*time.Minute, cfg.SuspensionWindow())
	assert.True(t, cfg.EnforceSuspension())
	assert.Equal(t, 3, cfg.RateLimitAttempts())
	assert.Equal(t, 2*time.Minute, cfg.RateLimitWindow())
	assert.Equal(t, 5*time.Minute, cfg.DomainTTL("booking"))
}

func TestLoadConfig_Full(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(WithConfigPath(writeConfig(t, `
api:
  baseUrl: https://api.venuehq.test
  timeout: 5s
storage:
  backend: sqlite
  path: /var/lib/vhq-syncd/state.db
sync:
  minInterval: 90s
  queueDrainInterval: 15s
  retryDelay: 1s
  maxRetries: 5
  fullSyncLookback: 720h
  fullSyncHorizon: 168h
health:
  failureThreshold: 3
  suspensionWindow: 10m
  enforceSuspension: false
rateLimit:
  maxAttempts: 5
  window: 1m
domains:
  - name: booking
    path: /v1/bookings
    ttl: 5m
  - name: attendance
    path: /v1/attendance
    ttl: 10m
`)))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.APITimeout())
	assert.Equal(t, StorageBackendSQLite, cfg.StorageBackend())
	assert.Equal(t, 90*time.Second, cfg.MinSyncInterval())
	assert.Equal(t, 15*time.Second, cfg.QueueDrainInterval())
	assert.Equal(t, time.Second, cfg.RetryDelay())
	assert.Equal(t, 5, cfg.MaxRetries())
	assert.Equal(t, 720*time.Hour, cfg.FullSyncLookback())
	assert.Equal(t, 168*time.Hour, cfg.FullSyncHorizon())
	assert.Equal(t, 3, cfg.FailureThreshold())
	assert.Equal(t, 10*time.Minute, cfg.SuspensionWindow())
	assert.False(t, cfg.EnforceSuspension())
	assert.Equal(t, 5, cfg.RateLimitAttempts())
	assert.Equal(t, time.Minute, cfg.RateLimitWindow())
	assert.Equal(t, 5*time.Minute, cfg.DomainTTL("booking"))
	assert.Equal(t, 10*time.Minute, cfg.DomainTTL("attendance"))
	assert.Equal(t, 5*time.Minute, cfg.DomainTTL("unknown"), "unknown domains get the default TTL")
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing base url",
			content: `
storage:
  path: /tmp/x
domains:
  - name: booking
    path: /v1/bookings
`,
			wantErr: "api.baseUrl is required",
		},
		{
			name: "relative base url",
			content: `
api:
  baseUrl: not-a-url
storage:
  path: /tmp/x
domains:
  - name: booking
    path: /v1/bookings
`,
			wantErr: "api.baseUrl must be a valid absolute URL",
		},
		{
			name: "unknown storage backend",
			content: `
api:
  baseUrl: https://api.venuehq.test
storage:
  backend: redis
  path: /tmp/x
domains:
  - name: booking
    path: /v1/bookings
`,
			wantErr: "storage.backend",
		},
		{
			name: "missing storage path",
			content: `
api:
  baseUrl: https://api.venuehq.test
storage:
  backend: file
domains:
  - name: booking
    path: /v1/bookings
`,
			wantErr: "storage.path is required",
		},
		{
			name: "no domains",
			content: `
api:
  baseUrl: https://api.venuehq.test
storage:
  path: /tmp/x
domains: []
`,
			wantErr: "at least one domain is required",
		},
		{
			name: "duplicate domain",
			content: `
api:
  baseUrl: https://api.venuehq.test
storage:
  path: /tmp/x
domains:
  - name: booking
    path: /v1/bookings
  - name: booking
    path: /v1/bookings2
`,
			wantErr: "duplicate domain name",
		},
		{
			name: "domain without path",
			content: `
api:
  baseUrl: https://api.venuehq.test
storage:
  path: /tmp/x
domains:
  - name: booking
`,
			wantErr: "path is required",
		},
		{
			name: "invalid duration",
			content: `
api:
  baseUrl: https://api.venuehq.test
  timeout: soon
storage:
  path: /tmp/x
domains:
  - name: booking
    path: /v1/bookings
`,
			wantErr: "invalid duration",
		},
		{
			name: "negative duration",
			content: `
api:
  baseUrl: https://api.venuehq.test
storage:
  path: /tmp/x
sync:
  retryDelay: -2s
domains:
  - name: booking
    path: /v1/bookings
`,
			wantErr: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(WithConfigPath(writeConfig(t, tt.content)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_NoSource(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "no configuration source")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(WithConfigPath(writeConfig(t, "api: [broken")))
	assert.ErrorContains(t, err, "failed to parse config file")
}
