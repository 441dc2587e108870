package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-civitai-library/internal/config"
	"go-civitai-library/internal/generator"
	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
)

// cacheFile is the on-disk layout of the model list cache.
type cacheFile struct {
	Timestamp time.Time            `json:"timestamp"`
	Records   []models.ModelRecord `json:"records"`
}

// HashWarmer pre-resolves hashes referenced by freshly generated metadata.
type HashWarmer interface {
	ResolveBatch(ctx context.Context, hashes []string) map[string]models.ResourceInfo
}

// ModelListCache holds the last built list of model records and its build time.
type ModelListCache struct {
	mu        sync.RWMutex
	path      string
	records   []models.ModelRecord
	lastBuild time.Time
	hasData   bool

	cfg    *config.Store
	gen    generator.Generator
	hashes HashWarmer
	now    func() time.Time
}

// NewModelListCache creates a cache persisted at path. gen and hashes may be nil.
func NewModelListCache(path string, cfg *config.Store, gen generator.Generator, hashes HashWarmer) *ModelListCache {
	return &ModelListCache{
		path:   path,
		cfg:    cfg,
		gen:    gen,
		hashes: hashes,
		now:    time.Now,
	}
}

// Load reads the persisted cache. A missing or corrupt file leaves the cache empty.
func (c *ModelListCache) Load() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Model cache %s unreadable, starting empty", c.path)
		}
		return nil
	}
	var f cacheFile
	if err := json.Unmarshal(raw, &f); err != nil {
		log.WithError(err).Warnf("Model cache %s is corrupt, starting empty", c.path)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = f.Records
	c.lastBuild = f.Timestamp
	c.hasData = true
	log.Infof("Loaded %d cached model records (built %s)", len(f.Records), f.Timestamp.Format(time.RFC3339))
	return nil
}

// Get returns a copy of the records and the time they were built.
func (c *ModelListCache) Get() ([]models.ModelRecord, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ModelRecord, len(c.records))
	copy(out, c.records)
	return out, c.lastBuild
}

// HasData reports whether the cache was loaded from disk or built at least once.
func (c *ModelListCache) HasData() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasData
}

// Persist writes the cache atomically as {timestamp, records}.
func (c *ModelListCache) Persist() error {
	c.mu.RLock()
	f := cacheFile{Timestamp: c.lastBuild, Records: c.records}
	data, err := json.Marshal(f)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding model cache: %w", err)
	}
	if err := helpers.WriteFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("persisting model cache: %w", err)
	}
	log.Debugf("Model cache persisted to %s", c.path)
	return nil
}

// Remove drops records whose source path is in paths. Returns how many were dropped.
func (c *ModelListCache) Remove(paths ...string) int {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[filepath.Clean(p)] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.records[:0:0]
	for _, r := range c.records {
		if !drop[filepath.Clean(r.SourcePath)] {
			kept = append(kept, r)
		}
	}
	removed := len(c.records) - len(kept)
	c.records = kept
	return removed
}

// SetImageURL points every image with originalURL at its local copy. Returns whether anything changed.
// Metadata is copied before modification since Get hands out shared pointers.
func (c *ModelListCache) SetImageURL(originalURL, localURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for i := range c.records {
		md := c.records[i].Metadata
		if md == nil {
			continue
		}
		for j := range md.Images {
			if md.Images[j].OriginalURL != originalURL || md.Images[j].URL == localURL {
				continue
			}
			updated := *md
			updated.Images = append([]models.ImageResource(nil), md.Images...)
			updated.Images[j].URL = localURL
			c.records[i].Metadata = &updated
			md = &updated
			changed = true
		}
	}
	return changed
}

func (c *ModelListCache) set(records []models.ModelRecord, built time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = records
	c.lastBuild = built
	c.hasData = true
}
