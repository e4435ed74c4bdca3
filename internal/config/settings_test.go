package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-timelapse/internal/common"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, common.LayerZeitreihen, cfg.WMS.Layer)
	assert.Equal(t, 16_000_000, cfg.WMS.MaxPixels)
	assert.Equal(t, 20, cfg.Fetch.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, common.FormatPNG, cfg.ImageFormat())
	assert.Zero(t, cfg.MemoryBudgetBytes())
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TIMELAPSE_FETCH_CONCURRENCY", "8")
	t.Setenv("TIMELAPSE_FETCH_TIMEOUT", "5s")
	t.Setenv("TIMELAPSE_WMS_LAYER", common.LayerSwissImage)
	t.Setenv("TIMELAPSE_ENCODE_SINKS", "gif,archive")
	t.Setenv("TIMELAPSE_ANNOTATE_ENABLED", "false")
	t.Setenv("TIMELAPSE_FETCH_MEMORY_BUDGET_MB", "100")
	t.Setenv("TIMELAPSE_TELEMETRY_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Fetch.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, common.FormatJPEG, cfg.ImageFormat())
	assert.False(t, cfg.Annotate.Enabled)
	assert.Equal(t, int64(100*1024*1024), cfg.MemoryBudgetBytes())
	assert.False(t, cfg.Telemetry.Enabled)

	sinks, err := cfg.SinkSet()
	require.NoError(t, err)
	assert.Equal(t, []common.SinkKind{common.SinkGIF, common.SinkArchive}, sinks.Kinds())
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "timelapse.yaml")

	settings := DefaultSettings()
	settings.Encode.FrameRate = 12
	settings.Encode.ArchiveBatchSize = 20
	settings.Fetch.Timeout = 45 * time.Second
	require.NoError(t, Save(path, settings))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Encode.FrameRate)
	assert.Equal(t, 20, cfg.Encode.ArchiveBatchSize)
	assert.Equal(t, 45*time.Second, cfg.Fetch.Timeout)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero concurrency", func(s *Settings) { s.Fetch.Concurrency = 0 }},
		{"zero frame rate", func(s *Settings) { s.Encode.FrameRate = 0 }},
		{"bad codec", func(s *Settings) { s.Encode.VideoCodec = "vp9" }},
		{"bad compression", func(s *Settings) { s.Encode.ArchiveCompression = "brotli" }},
		{"bad cache mode", func(s *Settings) { s.Cache.Mode = "redis" }},
		{"bad sink", func(s *Settings) { s.Encode.Sinks = []string{"webm"} }},
		{"negative batch", func(s *Settings) { s.Encode.ArchiveBatchSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			assert.Error(t, s.Validate())
		})
	}

	assert.NoError(t, DefaultSettings().Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
