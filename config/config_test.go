package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MACHINE_ID", "node-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.MachineID)
	assert.Equal(t, 60*time.Second, cfg.MetricInterval())
	assert.Equal(t, 5, cfg.Metric.ReportCadence)
	assert.Equal(t, 2, cfg.Upload.FailureThreshold)
	assert.Equal(t, 600*time.Second, cfg.StallThreshold())
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
metric:
  interval: 30
  report_cadence: 10
upload:
  chunk_size: 8M
storage:
  bucket: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("AGENT_CONFIG", path)
	t.Setenv("REPORT_CADENCE", "3")
	t.Setenv("BUCKET", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	t.Log("file overrides defaults")
	assert.Equal(t, 30, cfg.Metric.Interval)
	assert.Equal(t, "8M", cfg.Upload.ChunkSize)

	t.Log("environment overrides file")
	assert.Equal(t, 3, cfg.Metric.ReportCadence)
	assert.Equal(t, "from-env", cfg.Storage.Bucket)
	assert.Equal(t, 30*time.Second*3*2, cfg.StallThreshold())
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("METRIC_INTERVAL", "sixty")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Metric.Interval = 0 }},
		{"zero cadence", func(c *Config) { c.Metric.ReportCadence = 0 }},
		{"zero threshold", func(c *Config) { c.Upload.FailureThreshold = 0 }},
		{"bad chunk size", func(c *Config) { c.Upload.ChunkSize = "lots" }},
		{"bad concurrency", func(c *Config) { c.Upload.Concurrency = "-1" }},
		{"zero probe timeout", func(c *Config) { c.Metric.ProbeTimeout = 0 }},
		{"zero network timeout", func(c *Config) { c.Network.Timeout = 0 }},
		{"negative upload timeout", func(c *Config) { c.Upload.Timeout = -1 }},
		{"zero stopped-after", func(c *Config) { c.Workload.StoppedAfter = 0 }},
		{"network probe outlasts stall window", func(c *Config) {
			c.Metric.Interval = 5
			c.Metric.ReportCadence = 5
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsDisabledTimeouts(t *testing.T) {
	for _, key := range []string{"PROBE_TIMEOUT", "NETWORK_PROBE_TIMEOUT", "UPLOAD_TIMEOUT"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv("MACHINE_ID", "node-1")
			t.Setenv(key, "0")

			_, err := Load()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadNetworkThresholds(t *testing.T) {
	t.Setenv("MACHINE_ID", "node-1")
	t.Setenv("DLSPEED", "100")
	t.Setenv("ULSPEED", "40")
	t.Setenv("RTT", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Network.MinDownloadMbps)
	assert.Equal(t, 40, cfg.Network.MinUploadMbps)
	assert.Equal(t, 250, cfg.Network.MaxRTTMs)
	assert.Len(t, cfg.Network.Regions, 3)
}

func TestChunkSizeBytes(t *testing.T) {
	cfg := Default()

	cfg.Upload.ChunkSize = "10M"
	size, err := cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024*1024), size)

	cfg.Upload.ChunkSize = "64k"
	size, err = cfg.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), size)
}
