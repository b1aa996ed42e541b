package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ResultCache stores per-file analysis results on disk. Entries are keyed by
// the file content and the analysis options, so an edited file or a changed
// option never hits a stale entry.
type ResultCache struct {
	cacheDir string
	logger   *zap.Logger
	maxSize  int64 // Maximum cache size in bytes
	maxAge   time.Duration
}

// CacheEntry represents a cached analysis result
type CacheEntry struct {
	Key       string          `json:"key"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
}

const (
	CacheVersion   = "2.0"
	DefaultMaxSize = 256 * 1024 * 1024 // 256MB
	DefaultMaxAge  = 7 * 24 * time.Hour
	entrySuffix    = ".json"
)

// NewResultCache creates a result cache rooted at cacheDir. maxAge <= 0
// selects DefaultMaxAge.
func NewResultCache(cacheDir string, maxAge time.Duration, logger *zap.Logger) (*ResultCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	return &ResultCache{
		cacheDir: cacheDir,
		logger:   logger,
		maxSize:  DefaultMaxSize,
		maxAge:   maxAge,
	}, nil
}

// Key derives the cache key for content analyzed under fingerprint
func Key(content []byte, fingerprint string) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	return hex.EncodeToString(h.Sum(nil))
}

// Get decodes the entry stored under key into out. It reports false on a
// miss, an expired or incompatible entry, or a payload that does not decode.
func (c *ResultCache) Get(key string, out interface{}) bool {
	cachePath := c.getCachePath(key)

	entry, err := c.loadCacheEntry(cachePath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Debug("Cache miss - failed to load cache entry", zap.String("key", key), zap.Error(err))
		}
		return false
	}

	if !c.isCacheValid(entry, key) {
		c.logger.Debug("Cache miss - entry invalid", zap.String("source", entry.Source))
		c.Remove(key)
		return false
	}

	if err := json.Unmarshal(entry.Payload, out); err != nil {
		c.logger.Debug("Cache miss - payload does not decode", zap.String("source", entry.Source), zap.Error(err))
		c.Remove(key)
		return false
	}

	c.logger.Debug("Cache hit", zap.String("source", entry.Source))
	return true
}

// Set stores v under key. source names the file the result belongs to.
func (c *ResultCache) Set(key, source string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	entry := &CacheEntry{
		Key:       key,
		Source:    source,
		CreatedAt: time.Now(),
		Version:   CacheVersion,
		Payload:   payload,
	}
	if err := c.saveCacheEntry(c.getCachePath(key), entry); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	c.logger.Debug("Cached analysis result", zap.String("source", source))
	return nil
}

// Remove removes a cache entry
func (c *ResultCache) Remove(key string) error {
	if err := os.Remove(c.getCachePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return nil
}

// Clear removes all cache entries
func (c *ResultCache) Clear() error {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), entrySuffix) {
			if err := os.Remove(filepath.Join(c.cacheDir, entry.Name())); err != nil {
				c.logger.Warn("Failed to remove cache file", zap.String("file", entry.Name()), zap.Error(err))
			}
		}
	}

	c.logger.Info("Cleared all cache entries")
	return nil
}

// Cleanup removes expired entries, then the oldest ones while the cache is
// over its size limit
func (c *ResultCache) Cleanup() error {
	files, err := c.entryFiles()
	if err != nil {
		return err
	}

	now := time.Now()
	var removedCount int
	var reclaimedSize, totalSize int64
	var kept []entryFile

	for _, f := range files {
		if now.Sub(f.modTime) > c.maxAge {
			if err := os.Remove(f.path); err != nil {
				c.logger.Warn("Failed to remove expired cache entry", zap.String("file", f.path), zap.Error(err))
				continue
			}
			removedCount++
			reclaimedSize += f.size
			continue
		}
		kept = append(kept, f)
		totalSize += f.size
	}

	if totalSize > c.maxSize {
		sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })
		for _, f := range kept {
			if totalSize <= c.maxSize {
				break
			}
			if err := os.Remove(f.path); err != nil {
				c.logger.Warn("Failed to remove oversized cache entry", zap.String("file", f.path), zap.Error(err))
				continue
			}
			removedCount++
			reclaimedSize += f.size
			totalSize -= f.size
		}
	}

	if removedCount > 0 {
		c.logger.Info("Cache cleanup completed",
			zap.Int("removed_entries", removedCount),
			zap.Int64("reclaimed_bytes", reclaimedSize))
	}
	return nil
}

// GetStats returns cache statistics
func (c *ResultCache) GetStats() (map[string]interface{}, error) {
	files, err := c.entryFiles()
	if err != nil {
		return nil, err
	}
	var totalSize int64
	for _, f := range files {
		totalSize += f.size
	}

	return map[string]interface{}{
		"total_entries": len(files),
		"total_size":    totalSize,
		"cache_dir":     c.cacheDir,
		"max_size":      c.maxSize,
		"max_age":       c.maxAge.String(),
		"version":       CacheVersion,
	}, nil
}

// Helper methods

type entryFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *ResultCache) entryFiles() ([]entryFile, error) {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	var files []entryFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, entryFile{
			path:    filepath.Join(c.cacheDir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return files, nil
}

func (c *ResultCache) getCachePath(key string) string {
	return filepath.Join(c.cacheDir, key+entrySuffix)
}

func (c *ResultCache) isCacheValid(entry *CacheEntry, key string) bool {
	if entry.Version != CacheVersion {
		return false
	}
	if entry.Key != key {
		return false
	}
	if time.Since(entry.CreatedAt) > c.maxAge {
		return false
	}
	return true
}

func (c *ResultCache) loadCacheEntry(cachePath string) (*CacheEntry, error) {
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

func (c *ResultCache) saveCacheEntry(cachePath string, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return os.WriteFile(cachePath, data, 0644)
}
