// Package hashcache maps resource hashes found in image generation metadata to
// the catalog models they belong to. Lookups are cached on disk; hashes the
// catalog cannot resolve are cached as an "Unknown Model" entry and never retried
// until the cache is cleared.
package hashcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLookupTimeout = 10 * time.Second
	DefaultFlushEvery    = 10
)

// Resolver performs the remote hash lookup. *api.Client satisfies it.
type Resolver interface {
	ResolveHash(ctx context.Context, hash string) (models.ResourceInfo, error)
}

// Options tune lookup and persistence behaviour. Zero values select defaults.
type Options struct {
	LookupTimeout time.Duration
	// BatchDelay is the pause between remote lookups in ResolveBatch.
	BatchDelay time.Duration
	FlushEvery int
}

// Cache is the persistent hash resolution cache.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]models.ResourceInfo
	unsaved  int
	path     string
	resolver Resolver
	group    singleflight.Group
	opts     Options

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a cache persisted at path. Call Load to read existing entries.
func New(path string, resolver Resolver, opts Options) *Cache {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	return &Cache{
		entries:  map[string]models.ResourceInfo{},
		path:     path,
		resolver: resolver,
		opts:     opts,
		sleep:    sleepCtx,
	}
}

// NormalizeHash trims and lower-cases a hash so lookups are case-insensitive.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// Load reads the cache file, a JSON object of hash to resource info.
// A missing or corrupt file leaves the cache empty.
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		log.WithError(err).Warnf("Hash cache %s unreadable, starting empty", c.path)
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	var m map[string]models.ResourceInfo
	if err := json.Unmarshal(b, &m); err != nil {
		log.WithError(err).Warnf("Hash cache %s is corrupt, starting empty", c.path)
		return nil
	}
	for k, v := range m {
		c.entries[NormalizeHash(k)] = v
	}
	log.Debugf("Loaded %d hash cache entries from %s", len(c.entries), c.path)
	return nil
}

// Lookup returns a cached entry without touching the network.
func (c *Cache) Lookup(hash string) (models.ResourceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[NormalizeHash(hash)]
	return info, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Resolve returns the cached entry for hash, or looks it up remotely.
// Any lookup failure yields and caches the Unknown Model fallback; Resolve never fails.
func (c *Cache) Resolve(ctx context.Context, hash string) models.ResourceInfo {
	key := NormalizeHash(hash)
	if key == "" {
		return models.UnknownResource()
	}
	if info, ok := c.Lookup(key); ok {
		return info
	}

	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have stored it while we waited for the group.
		if info, ok := c.Lookup(key); ok {
			return info, nil
		}
		info, ok := c.lookupRemote(ctx, key)
		if ok {
			c.store(key, info)
		}
		return info, nil
	})
	return v.(models.ResourceInfo)
}

// ResolveBatch resolves hashes cache-first. Misses are looked up one at a time
// with the configured delay between remote calls. The cache is flushed at the end.
func (c *Cache) ResolveBatch(ctx context.Context, hashes []string) map[string]models.ResourceInfo {
	out := make(map[string]models.ResourceInfo, len(hashes))
	remoteCalls := 0
	for _, h := range hashes {
		key := NormalizeHash(h)
		if key == "" {
			continue
		}
		if _, done := out[key]; done {
			continue
		}
		if info, ok := c.Lookup(key); ok {
			out[key] = info
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if remoteCalls > 0 && c.opts.BatchDelay > 0 {
			if err := c.sleep(ctx, c.opts.BatchDelay); err != nil {
				break
			}
		}
		remoteCalls++
		out[key] = c.Resolve(ctx, key)
	}
	if remoteCalls > 0 {
		if err := c.Flush(); err != nil {
			log.WithError(err).Warn("Failed to flush hash cache after batch")
		}
	}
	log.Debugf("Resolved %d hashes (%d remote lookups)", len(out), remoteCalls)
	return out
}

// Flush writes the cache to disk atomically.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// Clear drops every entry, including negative ones, and removes the cache file.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]models.ResourceInfo{}
	c.unsaved = 0
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing hash cache %s: %w", c.path, err)
	}
	log.Info("Hash cache cleared")
	return nil
}

// lookupRemote asks the resolver. The bool is false when the caller's context
// ended first; such results are returned but not cached.
func (c *Cache) lookupRemote(ctx context.Context, key string) (models.ResourceInfo, bool) {
	if c.resolver == nil {
		return models.UnknownResource(), true
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.opts.LookupTimeout)
	defer cancel()

	info, err := c.resolver.ResolveHash(lookupCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return models.UnknownResource(), false
		}
		log.WithError(err).WithField("hash", key).Debug("Hash lookup failed, caching as unknown")
		return models.UnknownResource(), true
	}
	if info.Name == "" {
		info.Name = models.UnknownModelName
	}
	if info.Type == "" {
		info.Type = models.UnknownModelType
	}
	return info, true
}

func (c *Cache) store(key string, info models.ResourceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = info
	c.unsaved++
	if c.unsaved >= c.opts.FlushEvery {
		if err := c.flushLocked(); err != nil {
			log.WithError(err).Warn("Periodic hash cache flush failed")
		}
	}
}

func (c *Cache) flushLocked() error {
	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding hash cache: %w", err)
	}
	if err := helpers.WriteFileAtomic(c.path, b); err != nil {
		return err
	}
	c.unsaved = 0
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
