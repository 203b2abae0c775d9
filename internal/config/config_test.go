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
	assert.Equal(t, "0.0.0.0:3000", cfg.Bind)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.MaxDownloadRetries)
	assert.Equal(t, 60*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.BackoffUnit)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tapedeck.yaml")
	data := `
bind: 127.0.0.1:4000
output_dir: /tmp/out
max_concurrent: 4
max_download_retries: 0
backoff_unit: 10ms
downloader:
  kind: aria2
  aria2_rpc: http://aria2:6800/jsonrpc
  subtitles_arg: ""
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.Bind)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 0, cfg.MaxDownloadRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.BackoffUnit)
	assert.Equal(t, DownloaderAria2, cfg.Downloader.Kind)
	assert.Equal(t, "http://aria2:6800/jsonrpc", cfg.Downloader.Aria2RPC)
	assert.Equal(t, "", cfg.Downloader.SubtitlesArg)
	// Untouched fields keep their defaults.
	assert.Equal(t, "/data/tapedeck.db", cfg.DatabasePath)
	assert.Equal(t, 60*time.Second, cfg.SchedulerInterval)
}

func TestLoadFromFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tapedeck.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval: soon\n"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TAPEDECK_CONFIG", "")
	t.Setenv("TAPEDECK_BIND", "127.0.0.1:9999")
	t.Setenv("TAPEDECK_MAX_CONCURRENT", "5")
	t.Setenv("TAPEDECK_BACKOFF_UNIT", "250ms")
	t.Setenv("TAPEDECK_CORS_ORIGINS", "http://a,http://b")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Bind)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffUnit)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.CORSOrigins)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("TAPEDECK_CONFIG", "")
	t.Setenv("TAPEDECK_MAX_DOWNLOAD_RETRIES", "three")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TAPEDECK_MAX_DOWNLOAD_RETRIES")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"negative retries", func(c *Config) { c.MaxDownloadRetries = -1 }},
		{"zero backoff", func(c *Config) { c.BackoffUnit = 0 }},
		{"unknown downloader", func(c *Config) { c.Downloader.Kind = "ftp" }},
		{"command without path", func(c *Config) { c.Downloader.Path = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
