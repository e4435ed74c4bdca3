package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"imagery-timelapse/internal/cache"
	"imagery-timelapse/internal/config"
)

// CacheStats describes the disk cache
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	SizeMB    float64 `json:"sizeMB"`
	MaxMB     float64 `json:"maxMB"`
	CachePath string  `json:"cachePath"`
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the disk cache of fetched frames",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show disk cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDiskCache(func(c *cache.PersistentCache) error {
				printCacheStats(cmd.OutOrStdout(), GetCacheStats(c))
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDiskCache(func(c *cache.PersistentCache) error {
				before := GetCacheStats(c)
				if err := c.Clear(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries (%.1f MB) from %s\n",
					before.Entries, before.SizeMB, before.CachePath)
				return nil
			})
		},
	}

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

// withDiskCache opens the configured disk cache for the duration of fn
func withDiskCache(fn func(*cache.PersistentCache) error) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	c, err := openDiskCache(settings)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func openDiskCache(settings *config.Settings) (*cache.PersistentCache, error) {
	dir := settings.Cache.Dir
	if dir == "" {
		dir = cache.GetCacheDir()
	}
	return cache.NewPersistentCache(dir, settings.Cache.MaxSizeMB, settings.Cache.TTLDays)
}

// GetCacheStats returns current cache statistics
func GetCacheStats(c *cache.PersistentCache) CacheStats {
	stats := c.Stats()
	return CacheStats{
		Entries:   stats.Entries,
		SizeBytes: stats.SizeBytes,
		MaxBytes:  stats.MaxBytes,
		SizeMB:    float64(stats.SizeBytes) / 1024 / 1024,
		MaxMB:     float64(stats.MaxBytes) / 1024 / 1024,
		CachePath: c.GetCachePath(),
	}
}

func printCacheStats(w io.Writer, s CacheStats) {
	fmt.Fprintf(w, "Path:    %s\n", s.CachePath)
	fmt.Fprintf(w, "Entries: %d\n", s.Entries)
	fmt.Fprintf(w, "Size:    %.1f MB of %.1f MB\n", s.SizeMB, s.MaxMB)
}
