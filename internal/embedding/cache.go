package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// cacheFlushEvery is how many insertions accumulate before the cache file
// is rewritten.
const cacheFlushEvery = 100

// cacheKey returns the content-addressed key for a text: the hex SHA-256
// of the exact bytes handed to the backend, prompt prefix included.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// cacheFileName derives the on-disk name for a model's cache. Slashes and
// other path-hostile characters in model names are replaced so names like
// "intfloat/multilingual-e5-base" stay on one file.
func cacheFileName(model string) string {
	sanitised := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, model)
	if sanitised == "" {
		sanitised = "default"
	}
	return sanitised + "_cache.json"
}

// vectorCache is a content-addressed embedding cache persisted lazily:
// every cacheFlushEvery insertions the whole map is rewritten via a temp
// file and rename. The file holds the bare hash-to-vector map. Losing the
// tail between flushes only costs re-embeds.
type vectorCache struct {
	mu         sync.Mutex
	path       string
	vectors    map[string][]float32
	pending    int
	flushEvery int
	logger     *slog.Logger
}

// newVectorCache opens (or creates) the cache for model under dir. A
// missing or corrupt cache file starts empty; the cache never fails open.
func newVectorCache(dir, model string, logger *slog.Logger) *vectorCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &vectorCache{
		path:       filepath.Join(dir, cacheFileName(model)),
		vectors:    make(map[string][]float32),
		flushEvery: cacheFlushEvery,
		logger:     logger,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("embedding cache directory unavailable, running uncached", "dir", dir, "error", err)
		return c
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read embedding cache, starting empty", "path", c.path, "error", err)
		}
		return c
	}

	var stored map[string][]float32
	if err := json.Unmarshal(data, &stored); err != nil {
		logger.Warn("embedding cache corrupt, starting empty", "path", c.path, "error", err)
		return c
	}
	if stored != nil {
		c.vectors = stored
	}
	return c
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.vectors[key]
	return vec, ok
}

// put stores a vector and flushes to disk once enough insertions have
// accumulated. Overwrites of an existing key do not count as insertions.
func (c *vectorCache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.vectors[key]
	c.vectors[key] = vec
	if existed {
		return
	}

	c.pending++
	if c.pending >= c.flushEvery {
		if err := c.flushLocked(); err != nil {
			c.logger.Warn("failed to persist embedding cache", "path", c.path, "error", err)
		}
		c.pending = 0
	}
}

func (c *vectorCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vectors)
}

// flush forces the cache to disk regardless of the pending count.
func (c *vectorCache) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.flushLocked()
	if err == nil {
		c.pending = 0
	}
	return err
}

func (c *vectorCache) flushLocked() error {
	data, err := json.Marshal(c.vectors)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding cache: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write embedding cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace embedding cache: %w", err)
	}
	return nil
}
