package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eutimioliusbel/pfasync/backend/internal/archive"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// TestParse_defaults verifies the documented defaults.
func TestParse_defaults(t *testing.T) {
	cfg, err := Parse(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "pfa-vanguard", cfg.AppName)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Second, cfg.Sync.ExternalTimeout)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Secrets.CacheTTL)
	assert.Equal(t, archive.TypeDisabled, cfg.Archive.Type)
	assert.Equal(t, 256, cfg.Notify.SendBuffer)
}

// TestParse_overrides verifies nested prefixes, lists and maps.
func TestParse_overrides(t *testing.T) {
	cfg, err := Parse(map[string]string{
		"APP_NAME":               "pfa",
		"SYNC_INTERVAL":          "1m",
		"SYNC_PAIRINGS":          "ORG1:pfa,ORG2:pfa",
		"SYNC_MAX_RETRIES":       "3",
		"ARCHIVE_TYPE":           "s3",
		"ARCHIVE_TIER":           "archive",
		"ARCHIVE_S3_BUCKET":      "bronze",
		"ARCHIVE_S3_PROVIDER":    "minio",
		"ARCHIVE_S3_ENDPOINT":    "http://localhost:9000",
		"SOURCES":                "pems-primary=https://pems.example.com/api,pems-backup=https://backup.example.com",
		"NOTIFY_ALLOWED_ORIGINS": "https://app.example.com,https://admin.example.com",
		"SECRETS_CACHE_TTL":      "2m",
		"LOG_LEVEL":              "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "pfa", cfg.AppName)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, archive.TypeS3, cfg.Archive.Type)
	assert.Equal(t, archive.TierArchive, cfg.Archive.Tier)
	assert.Equal(t, "bronze", cfg.Archive.S3.Bucket)
	assert.Equal(t, "minio", cfg.Archive.S3.Provider)
	assert.Equal(t, "https://pems.example.com/api", cfg.Sources["pems-primary"])
	assert.Len(t, cfg.Notify.AllowedOrigins, 2)
	assert.Equal(t, 2*time.Minute, cfg.Secrets.CacheTTL)

	pairings, err := cfg.Pairings()
	require.NoError(t, err)
	assert.Equal(t, []models.Pairing{{OrganizationID: "ORG1", EntityType: "pfa"}, {OrganizationID: "ORG2", EntityType: "pfa"}}, pairings)
}

// TestParse_invalid verifies validation failures.
func TestParse_invalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
	}{
		{"zero interval", map[string]string{"SYNC_INTERVAL": "0s"}},
		{"bad duration", map[string]string{"SYNC_INTERVAL": "soon"}},
		{"bad pairing", map[string]string{"SYNC_PAIRINGS": "ORG1"}},
		{"backoff inverted", map[string]string{"SYNC_BASE_BACKOFF": "2h", "SYNC_MAX_BACKOFF": "1h"}},
		{"no concurrency", map[string]string{"SYNC_MAX_CONCURRENT_PAIRINGS": "0"}},
		{"empty app", map[string]string{"APP_NAME": " "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.environ)
			assert.Error(t, err)
		})
	}
}

// TestLoad_envFile verifies .env files feed the environment.
func TestLoad_envFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("APP_NAME=from-file\nSYNC_EXTERNAL_TIMEOUT=10s\n"), 0o600))
	t.Setenv("APP_NAME", "")
	os.Unsetenv("APP_NAME")
	t.Setenv("SYNC_EXTERNAL_TIMEOUT", "12s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.AppName)
	assert.Equal(t, 12*time.Second, cfg.Sync.ExternalTimeout, "process env wins over file")
}

// TestLoad_missingFile verifies a named file must exist.
func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
