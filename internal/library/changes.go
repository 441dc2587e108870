package library

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-civitai-library/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// DefaultMaxCacheAge is how long a built model list is served before a rescan is due.
const DefaultMaxCacheAge = 5 * time.Minute

// ChangeDetector decides whether the cached model list needs a background rescan.
// Folder modification times are tracked in their own file, separate from the model cache.
type ChangeDetector struct {
	mu          sync.Mutex
	trackerPath string
	folders     map[string]time.Time

	MaxAge time.Duration
	now    func() time.Time
}

// NewChangeDetector loads the folder tracker at trackerPath (missing or corrupt means empty).
func NewChangeDetector(trackerPath string) *ChangeDetector {
	d := &ChangeDetector{
		trackerPath: trackerPath,
		folders:     map[string]time.Time{},
		MaxAge:      DefaultMaxCacheAge,
		now:         time.Now,
	}
	raw, err := os.ReadFile(trackerPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Folder tracker %s unreadable", trackerPath)
		}
		return d
	}
	if err := json.Unmarshal(raw, &d.folders); err != nil {
		log.WithError(err).Warnf("Folder tracker %s is corrupt, treating all folders as changed", trackerPath)
		d.folders = map[string]time.Time{}
	}
	return d
}

// IsStale reports whether any trigger fires: the list is older than MaxAge, a watched
// folder's mtime differs from the recorded one (unrecorded folders count as changed),
// or a metadata document newer than lastBuild exists in metadataDir or as the
// <stem>.json sibling of one of weightPaths.
func (d *ChangeDetector) IsStale(lastBuild time.Time, watchedFolders []string, metadataDir string, weightPaths []string) bool {
	if d.now().Sub(lastBuild) > d.MaxAge {
		log.Debug("Model cache is older than max age")
		return true
	}
	if d.foldersChanged(watchedFolders) {
		return true
	}
	return documentsChanged(metadataDir, lastBuild) || siblingDocumentsChanged(weightPaths, lastBuild)
}

func (d *ChangeDetector) foldersChanged(folders []string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, folder := range folders {
		folder = filepath.Clean(folder)
		recorded, ok := d.folders[folder]
		if !ok {
			log.WithField("folder", folder).Debug("Watched folder has no recorded mtime")
			return true
		}
		if !folderMtime(folder).Equal(recorded) {
			log.WithField("folder", folder).Debug("Watched folder modified since last scan")
			return true
		}
	}
	return false
}

func documentsChanged(metadataDir string, lastBuild time.Time) bool {
	if metadataDir == "" {
		return false
	}
	entries, err := os.ReadDir(metadataDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(lastBuild) {
			log.WithField("document", e.Name()).Debug("Metadata document newer than cache")
			return true
		}
	}
	return false
}

// siblingDocumentsChanged catches documents dropped or edited next to weight files,
// which need not change the mtime of the recorded top-level folder.
func siblingDocumentsChanged(weightPaths []string, lastBuild time.Time) bool {
	for _, w := range weightPaths {
		doc := siblingDocument(w)
		info, err := os.Stat(doc)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(lastBuild) {
			log.WithField("document", doc).Debug("Sibling metadata document newer than cache")
			return true
		}
	}
	return false
}

func siblingDocument(weightPath string) string {
	return strings.TrimSuffix(weightPath, filepath.Ext(weightPath)) + ".json"
}

// RecordFolders stores the current mtime of each folder and persists the tracker.
// Folders no longer watched are forgotten.
func (d *ChangeDetector) RecordFolders(folders []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make(map[string]time.Time, len(folders))
	for _, folder := range folders {
		folder = filepath.Clean(folder)
		next[folder] = folderMtime(folder)
	}
	d.folders = next

	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	return helpers.WriteFileAtomic(d.trackerPath, raw)
}

// folderMtime returns the folder's mtime, or the zero time when it cannot be read,
// so a folder that stays missing is not reported as changed on every check.
func folderMtime(folder string) time.Time {
	info, err := os.Stat(folder)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
