package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-civitai-library/internal/config"
	"go-civitai-library/internal/generator"
	"go-civitai-library/internal/hashcache"
	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
)

// ErrFileNotFound is returned for explicit single-item requests on missing files.
var ErrFileNotFound = errors.New("file not found")

// File names under the data directory.
const (
	ModelCacheFile   = "model-cache.json"
	HashCacheFile    = "hash-cache.json"
	FolderMtimesFile = "folder-mtimes.json"
)

// ScanHook runs after every successful scan with the new records.
type ScanHook func(records []models.ModelRecord)

// Service owns the model list cache, hash cache, change detector and scanner.
type Service struct {
	cfg     *config.Store
	cache   *ModelListCache
	hashes  *hashcache.Cache
	changes *ChangeDetector
	scanner *Scanner

	hooksMu sync.Mutex
	hooks   []ScanHook
}

// NewService wires the caches under cfg's data directory and loads what is on disk.
// gen may be nil to disable generation; resolver may be nil to resolve every hash as unknown.
func NewService(cfg *config.Store, gen generator.Generator, resolver hashcache.Resolver) *Service {
	c := cfg.Get()
	hashes := hashcache.New(filepath.Join(c.DataDir, HashCacheFile), resolver, hashcache.Options{
		BatchDelay: msDuration(c.ApiDelayMs),
	})
	if err := hashes.Load(); err != nil {
		log.WithError(err).Warn("Hash cache not loaded")
	}

	s := &Service{
		cfg:     cfg,
		hashes:  hashes,
		changes: NewChangeDetector(filepath.Join(c.DataDir, FolderMtimesFile)),
	}
	s.cache = NewModelListCache(filepath.Join(c.DataDir, ModelCacheFile), cfg, gen, hashes)
	if err := s.cache.Load(); err != nil {
		log.WithError(err).Warn("Model cache not loaded")
	}
	s.scanner = NewScanner(s.scan)
	return s
}

// Config returns the config store.
func (s *Service) Config() *config.Store { return s.cfg }

// Cache returns the model list cache.
func (s *Service) Cache() *ModelListCache { return s.cache }

// Hashes returns the hash resolution cache.
func (s *Service) Hashes() *hashcache.Cache { return s.hashes }

// Scanner returns the background scanner.
func (s *Service) Scanner() *Scanner { return s.scanner }

// OnScanComplete registers a hook run after each successful scan.
func (s *Service) OnScanComplete(hook ScanHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// scan is the ScanFunc: rebuild, persist, record folder mtimes, run hooks.
func (s *Service) scan(ctx context.Context) error {
	records, err := s.cache.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding model list: %w", err)
	}
	if err := s.cache.Persist(); err != nil {
		return err
	}
	if err := s.changes.RecordFolders(s.cfg.Get().WatchedFolders); err != nil {
		log.WithError(err).Warn("Failed to record watched folder mtimes")
	}

	s.hooksMu.Lock()
	hooks := append([]ScanHook(nil), s.hooks...)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h(records)
	}
	return nil
}

// ModelList serves the cached list immediately, scheduling a background rescan when
// it is stale. Only when no cache exists at all does it block on a scan.
func (s *Service) ModelList(ctx context.Context) (models.ModelListResponse, error) {
	if s.cache.HasData() {
		records, lastBuild := s.cache.Get()
		cfg := s.cfg.Get()
		weights := make([]string, len(records))
		for i, r := range records {
			weights[i] = r.SourcePath
		}
		if s.changes.IsStale(lastBuild, cfg.WatchedFolders, cfg.MetadataOutputDir, weights) {
			s.scanner.TriggerScan()
		}
		return models.ModelListResponse{Records: records, Cached: true, LastUpdate: lastBuild}, nil
	}

	if err := s.scanner.ScanNow(ctx); err != nil {
		return models.ModelListResponse{}, err
	}
	records, lastBuild := s.cache.Get()
	return models.ModelListResponse{Records: records, LastUpdate: lastBuild}, nil
}

// Refresh runs a blocking scan, then re-resolves every hash the library references.
func (s *Service) Refresh(ctx context.Context) (models.ModelListResponse, error) {
	if err := s.scanner.ScanNow(ctx); err != nil {
		return models.ModelListResponse{}, err
	}
	records, lastBuild := s.cache.Get()

	if hashes := RecordHashes(records); len(hashes) > 0 {
		s.hashes.ResolveBatch(ctx, hashes)
	}
	if err := s.hashes.Flush(); err != nil {
		log.WithError(err).Warn("Failed to flush hash cache after refresh")
	}
	return models.ModelListResponse{Records: records, LastUpdate: lastBuild}, nil
}

// ResolveResources resolves hashes cache-first.
func (s *Service) ResolveResources(ctx context.Context, hashes []string) map[string]models.ResourceInfo {
	return s.hashes.ResolveBatch(ctx, hashes)
}

// AddToDeleted deny-lists paths and drops their records immediately.
func (s *Service) AddToDeleted(paths []string) error {
	if err := s.cfg.MarkDeleted(paths...); err != nil {
		return err
	}
	if n := s.cache.Remove(paths...); n > 0 {
		log.Infof("Removed %d records from the library", n)
		return s.cache.Persist()
	}
	return nil
}

// RemoveFromDeleted lifts paths from the deny-list; they reappear after the next scan.
func (s *Service) RemoveFromDeleted(paths []string) error {
	if err := s.cfg.UnmarkDeleted(paths...); err != nil {
		return err
	}
	s.scanner.TriggerScan()
	return nil
}

// AddWatchedFolder adds a folder and schedules a scan.
func (s *Service) AddWatchedFolder(folder string) error {
	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrFileNotFound, folder)
	}
	if err := s.cfg.AddWatchedFolder(folder); err != nil {
		return err
	}
	s.scanner.TriggerScan()
	return nil
}

// RemoveWatchedFolder removes a folder and schedules a scan.
func (s *Service) RemoveWatchedFolder(folder string) (bool, error) {
	removed, err := s.cfg.RemoveWatchedFolder(folder)
	if err != nil || !removed {
		return removed, err
	}
	s.scanner.TriggerScan()
	return true, nil
}

// AddStandaloneFiles adds individual weight files. Each path gets its own result;
// a failing path does not stop the others.
func (s *Service) AddStandaloneFiles(paths []string) []models.ItemResult {
	results := make([]models.ItemResult, 0, len(paths))
	added := 0
	for _, p := range paths {
		res := models.ItemResult{Path: p}
		switch err := s.addStandaloneFile(p); {
		case err == nil:
			res.OK = true
			added++
		default:
			res.Reason = err.Error()
		}
		results = append(results, res)
	}
	if added > 0 {
		s.scanner.TriggerScan()
	}
	return results
}

func (s *Service) addStandaloneFile(p string) error {
	if err := CheckFile(p); err != nil {
		return err
	}
	if !helpers.IsWeightFile(p) {
		return fmt.Errorf("%w: %s", generator.ErrUnsupportedFile, filepath.Base(p))
	}
	return s.cfg.AddStandaloneFile(p)
}

// CheckFile returns ErrFileNotFound unless path is an existing regular file.
func CheckFile(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return nil
}

// ClearCaches drops the hash cache, including negative entries.
func (s *Service) ClearCaches() error {
	return s.hashes.Clear()
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
