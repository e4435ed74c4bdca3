package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	indexFile    = "cache_index.json"
	entrySuffix  = ".bin"
	flushPeriod  = time.Minute
	expiryPeriod = 5 * time.Minute
)

// PersistentCache provides disk-based caching of response bodies.
// Cache persists across runs; files live under {baseDir}/{hash[:2]}/{hash}.bin
// and a metadata index is kept in {baseDir}/cache_index.json.
type PersistentCache struct {
	baseDir  string
	maxSize  int64
	currSize int64
	ttl      time.Duration
	mu       sync.RWMutex
	metadata map[string]*EntryMetadata // keyed by hash
	dirty    bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// EntryMetadata stores information about a cached response
type EntryMetadata struct {
	Key        string    `json:"key,omitempty"`
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// NewPersistentCache creates a disk cache bounded by maxSizeMB, whose entries
// expire after ttlDays (0 disables expiry)
func NewPersistentCache(baseDir string, maxSizeMB int, ttlDays int) (*PersistentCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &PersistentCache{
		baseDir:  baseDir,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		ttl:      time.Duration(ttlDays) * 24 * time.Hour,
		metadata: make(map[string]*EntryMetadata),
		done:     make(chan struct{}),
	}

	if err := c.loadMetadata(); err != nil {
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}

	c.wg.Add(1)
	go c.maintenanceWorker()

	return c, nil
}

// Get retrieves a cached response
func (c *PersistentCache) Get(key string) ([]byte, bool) {
	hash := HashKey(key)

	c.mu.RLock()
	meta, exists := c.metadata[hash]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if c.ttl > 0 && time.Since(meta.CreateTime) > c.ttl {
		c.evictEntry(hash)
		return nil, false
	}

	data, err := os.ReadFile(c.entryPath(hash))
	if err != nil {
		c.evictEntry(hash)
		return nil, false
	}

	c.mu.Lock()
	meta.AccessTime = time.Now()
	c.dirty = true
	c.mu.Unlock()

	return data, true
}

// Set stores a response on disk and evicts least recently used entries when
// the cache grows beyond its size limit
func (c *PersistentCache) Set(key string, data []byte) error {
	hash := HashKey(key)
	path := c.entryPath(hash)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	now := time.Now()
	size := int64(len(data))

	c.mu.Lock()
	if old, ok := c.metadata[hash]; ok {
		c.currSize -= old.Size
	}
	c.metadata[hash] = &EntryMetadata{
		Key:        key,
		Hash:       hash,
		Size:       size,
		AccessTime: now,
		CreateTime: now,
	}
	c.currSize += size
	c.dirty = true
	if c.maxSize > 0 && c.currSize > c.maxSize {
		c.evictOldEntriesLocked()
	}
	c.mu.Unlock()

	return nil
}

func (c *PersistentCache) entryPath(hash string) string {
	return filepath.Join(c.baseDir, hash[:2], hash+entrySuffix)
}

func (c *PersistentCache) evictEntry(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(hash)
}

func (c *PersistentCache) removeLocked(hash string) {
	meta, ok := c.metadata[hash]
	if !ok {
		return
	}
	os.Remove(c.entryPath(hash))
	delete(c.metadata, hash)
	c.currSize -= meta.Size
	c.dirty = true
}

func (c *PersistentCache) maintenanceWorker() {
	defer c.wg.Done()

	flush := time.NewTicker(flushPeriod)
	defer flush.Stop()
	expire := time.NewTicker(expiryPeriod)
	defer expire.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-flush.C:
			c.flush()
		case <-expire.C:
			c.evictExpiredEntries()
		}
	}
}

// evictOldEntriesLocked removes least recently used entries down to 80% of
// the size limit. Caller holds c.mu.
func (c *PersistentCache) evictOldEntriesLocked() {
	targetSize := c.maxSize * 8 / 10

	entries := make([]*EntryMetadata, 0, len(c.metadata))
	for _, meta := range c.metadata {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	for _, e := range entries {
		if c.currSize <= targetSize {
			break
		}
		c.removeLocked(e.Hash)
	}
}

func (c *PersistentCache) evictExpiredEntries() {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	now := time.Now()
	for hash, meta := range c.metadata {
		if now.Sub(meta.CreateTime) > c.ttl {
			c.removeLocked(hash)
		}
	}
	c.mu.Unlock()

	c.flush()
}

// flush persists the metadata index when it changed since the last write
func (c *PersistentCache) flush() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(c.metadata, "", "  ")
	c.dirty = false
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	metaPath := filepath.Join(c.baseDir, indexFile)
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}

func (c *PersistentCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]*EntryMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata == nil {
		metadata = make(map[string]*EntryMetadata)
	}

	var totalSize int64
	for _, meta := range metadata {
		totalSize += meta.Size
	}

	c.mu.Lock()
	c.metadata = metadata
	c.currSize = totalSize
	c.mu.Unlock()
	return nil
}

// rebuildMetadata scans the cache directory when the index is missing or corrupt.
// Original keys cannot be recovered, entries stay addressable by hash.
func (c *PersistentCache) rebuildMetadata() error {
	metadata := make(map[string]*EntryMetadata)
	var totalSize int64

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != entrySuffix {
			return nil
		}
		hash := strings.TrimSuffix(filepath.Base(path), entrySuffix)
		if len(hash) < 2 {
			return nil
		}
		metadata[hash] = &EntryMetadata{
			Hash:       hash,
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		totalSize += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	c.mu.Lock()
	c.metadata = metadata
	c.currSize = totalSize
	c.dirty = true
	c.mu.Unlock()

	return c.flush()
}

// Stats returns cache statistics
func (c *PersistentCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: len(c.metadata), SizeBytes: c.currSize, MaxBytes: c.maxSize}
}

// Clear removes all cached responses
func (c *PersistentCache) Clear() error {
	c.mu.Lock()
	for hash := range c.metadata {
		c.removeLocked(hash)
	}
	c.metadata = make(map[string]*EntryMetadata)
	c.currSize = 0
	c.dirty = true
	c.mu.Unlock()

	return c.flush()
}

// GetCachePath returns the base directory of the cache
func (c *PersistentCache) GetCachePath() string {
	return c.baseDir
}

// Close stops background maintenance and persists the index
func (c *PersistentCache) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	c.wg.Wait()
	return c.flush()
}
