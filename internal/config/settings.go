package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"imagery-timelapse/internal/common"
)

// EnvPrefix is prepended to every environment override, e.g. TIMELAPSE_FETCH_CONCURRENCY
const EnvPrefix = "TIMELAPSE"

// configName is the base name searched for when no explicit config file is given
const configName = "imagery-timelapse"

// WMSConfig describes the imagery service frames are requested from
type WMSConfig struct {
	BaseURL         string        `mapstructure:"base_url" yaml:"base_url"`
	Layer           string        `mapstructure:"layer" yaml:"layer"`
	CRS             string        `mapstructure:"crs" yaml:"crs"`
	Format          string        `mapstructure:"format" yaml:"format"` // empty = layer default
	MaxPixels       int           `mapstructure:"max_pixels" yaml:"max_pixels"`
	CapabilitiesTTL time.Duration `mapstructure:"capabilities_ttl" yaml:"capabilities_ttl"`
}

// FetchConfig controls the bounded fetcher
type FetchConfig struct {
	Concurrency        int           `mapstructure:"concurrency" yaml:"concurrency"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second" yaml:"rate_limit_per_second"` // 0 = off
	QuotaWarning       int           `mapstructure:"quota_warning" yaml:"quota_warning"`
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	MemoryBudgetMB     int           `mapstructure:"memory_budget_mb" yaml:"memory_budget_mb"` // 0 = unlimited
}

// EncodeConfig controls the output sinks
type EncodeConfig struct {
	Sinks              []string `mapstructure:"sinks" yaml:"sinks"`
	FrameRate          int      `mapstructure:"frame_rate" yaml:"frame_rate"`
	VideoCodec         string   `mapstructure:"video_codec" yaml:"video_codec"` // "auto", "h264" or "mjpeg"
	VideoQuality       int      `mapstructure:"video_quality" yaml:"video_quality"`
	FFmpegPath         string   `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	ArchiveBatchSize   int      `mapstructure:"archive_batch_size" yaml:"archive_batch_size"` // 0 = single archive
	ArchiveCompression string   `mapstructure:"archive_compression" yaml:"archive_compression"`
}

// AnnotateConfig controls the label drawn on each frame
type AnnotateConfig struct {
	Enabled  bool    `mapstructure:"enabled" yaml:"enabled"`
	Position string  `mapstructure:"position" yaml:"position"`
	FontPath string  `mapstructure:"font_path" yaml:"font_path"`
	FontSize float64 `mapstructure:"font_size" yaml:"font_size"`
}

// CacheConfig controls the response cache
type CacheConfig struct {
	Mode          string `mapstructure:"mode" yaml:"mode"` // "off", "memory" or "disk"
	Dir           string `mapstructure:"dir" yaml:"dir"`
	MaxSizeMB     int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	TTLDays       int    `mapstructure:"ttl_days" yaml:"ttl_days"`
	MemoryEntries int    `mapstructure:"memory_entries" yaml:"memory_entries"`
}

// S3Config enables publishing artifacts to a bucket when Bucket is set
type S3Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Region string `mapstructure:"region" yaml:"region"`
}

// TelemetryConfig controls anonymous usage events. Nothing is sent unless
// Enabled is set and a PostHog key is configured or linked in.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	PostHogKey  string `mapstructure:"posthog_key" yaml:"posthog_key"`
	PostHogHost string `mapstructure:"posthog_host" yaml:"posthog_host"`
}

// Settings is the complete runtime configuration
type Settings struct {
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
	OutputDir string          `mapstructure:"output_dir" yaml:"output_dir"` // empty = fresh temp dir per run
	WMS       WMSConfig       `mapstructure:"wms" yaml:"wms"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	Encode    EncodeConfig    `mapstructure:"encode" yaml:"encode"`
	Annotate  AnnotateConfig  `mapstructure:"annotate" yaml:"annotate"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	S3        S3Config        `mapstructure:"s3" yaml:"s3"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// DefaultSettings returns the settings used when nothing is overridden
func DefaultSettings() *Settings {
	return &Settings{
		LogLevel: "info",
		WMS: WMSConfig{
			BaseURL:         common.DefaultWMSBaseURL,
			Layer:           common.LayerZeitreihen,
			CRS:             common.DefaultCRS,
			MaxPixels:       4000 * 4000,
			CapabilitiesTTL: 30 * time.Minute,
		},
		Fetch: FetchConfig{
			Concurrency:  20,
			Timeout:      30 * time.Second,
			QuotaWarning: 500,
			MaxRetries:   2,
		},
		Encode: EncodeConfig{
			Sinks:              []string{string(common.SinkGIF)},
			FrameRate:          5,
			VideoCodec:         "auto",
			VideoQuality:       90,
			ArchiveCompression: "deflate",
		},
		Annotate: AnnotateConfig{
			Enabled:  true,
			Position: "bottom-right",
			FontSize: 24,
		},
		Cache: CacheConfig{
			Mode:          "memory",
			MaxSizeMB:     250,
			TTLDays:       30,
			MemoryEntries: 256,
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			PostHogHost: "https://eu.i.posthog.com",
		},
	}
}

// GetSettingsDir returns the per-user directory holding the default config file
func GetSettingsDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".walkthru-earth", "imagery-timelapse")
}

// GetSettingsPath returns the default config file path
func GetSettingsPath() string {
	return filepath.Join(GetSettingsDir(), configName+".yaml")
}

// Load builds Settings from defaults, an optional config file and TIMELAPSE_*
// environment variables. An explicit path that cannot be read is an error; a
// missing default config file is not.
func Load(path string) (*Settings, error) {
	settings := DefaultSettings()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath(GetSettingsDir())
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, settings)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Save writes settings as YAML, creating parent directories as needed
func Save(path string, settings *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects settings that would make a run meaningless
func (s *Settings) Validate() error {
	if s.WMS.BaseURL == "" {
		return fmt.Errorf("wms.base_url is required")
	}
	if s.WMS.Layer == "" {
		return fmt.Errorf("wms.layer is required")
	}
	if s.WMS.MaxPixels <= 0 {
		return fmt.Errorf("wms.max_pixels must be positive")
	}
	if s.Fetch.Concurrency < 1 {
		return fmt.Errorf("fetch.concurrency must be at least 1, got %d", s.Fetch.Concurrency)
	}
	if s.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if s.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries cannot be negative")
	}
	if s.Encode.FrameRate < 1 {
		return fmt.Errorf("encode.frame_rate must be at least 1, got %d", s.Encode.FrameRate)
	}
	if s.Encode.ArchiveBatchSize < 0 {
		return fmt.Errorf("encode.archive_batch_size cannot be negative")
	}
	switch s.Encode.VideoCodec {
	case "auto", "h264", "mjpeg":
	default:
		return fmt.Errorf("invalid encode.video_codec: %s (must be 'auto', 'h264' or 'mjpeg')", s.Encode.VideoCodec)
	}
	switch s.Encode.ArchiveCompression {
	case "store", "deflate", "zstd":
	default:
		return fmt.Errorf("invalid encode.archive_compression: %s (must be 'store', 'deflate' or 'zstd')", s.Encode.ArchiveCompression)
	}
	switch s.Cache.Mode {
	case "off", "memory", "disk":
	default:
		return fmt.Errorf("invalid cache.mode: %s (must be 'off', 'memory' or 'disk')", s.Cache.Mode)
	}
	if _, err := s.SinkSet(); err != nil {
		return err
	}
	return nil
}

// SinkSet parses the configured sink list
func (s *Settings) SinkSet() (common.SinkSet, error) {
	return common.ParseSinkSet(strings.Join(s.Encode.Sinks, ","))
}

// ImageFormat returns the configured GetMap format or the layer default
func (s *Settings) ImageFormat() string {
	if s.WMS.Format != "" {
		return s.WMS.Format
	}
	return common.DefaultFormat(s.WMS.Layer)
}

// MemoryBudgetBytes converts the fetch memory budget to bytes
func (s *Settings) MemoryBudgetBytes() int64 {
	return int64(s.Fetch.MemoryBudgetMB) * 1024 * 1024
}

// bindEnvs registers every mapstructure key so AutomaticEnv also applies to
// nested fields during Unmarshal
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
