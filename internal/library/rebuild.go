package library

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go-civitai-library/internal/generator"
	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	reasonNoDocument       = "no metadata document"
	reasonGenerationFailed = "metadata generation failed"
)

// candidate is a weight file found during a pass.
type candidate struct {
	path string
	size int64
}

// Rebuild rescans watched folders (configured order, then lexical depth-first order
// within each folder) followed by standalone files, and replaces the cached list.
// The cache is not persisted; call Persist.
func (c *ModelListCache) Rebuild(ctx context.Context) ([]models.ModelRecord, error) {
	cfg := c.cfg.Get()

	previous := map[string]models.ModelRecord{}
	prevRecords, _ := c.Get()
	for _, r := range prevRecords {
		previous[r.SourcePath] = r
	}

	seen := map[string]bool{}
	var records []models.ModelRecord
	var generated []models.ModelRecord

	visit := func(cand candidate) {
		if seen[cand.path] || c.cfg.IsDenied(cand.path) {
			return
		}
		seen[cand.path] = true

		rec, fresh := c.buildRecord(ctx, cand, cfg)
		if prev, ok := previous[cand.path]; ok {
			mergeImageURLs(rec.Metadata, prev.Metadata)
		}
		records = append(records, rec)
		if fresh {
			generated = append(generated, rec)
		}
	}

	for _, folder := range cfg.WatchedFolders {
		for _, cand := range walkFolder(folder) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			visit(cand)
		}
	}
	for _, file := range cfg.StandaloneFiles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		file = filepath.Clean(file)
		info, err := os.Stat(file)
		if err != nil {
			log.WithError(err).Warnf("Standalone file %s is unavailable, skipping", file)
			continue
		}
		visit(candidate{path: file, size: info.Size()})
	}

	if len(generated) > 0 && c.hashes != nil {
		hashes := RecordHashes(generated)
		if len(hashes) > 0 {
			log.Infof("Caching %d resource hashes referenced by %d new metadata documents", len(hashes), len(generated))
			c.hashes.ResolveBatch(ctx, hashes)
		}
	}

	c.set(records, c.now())
	log.Infof("Model list rebuilt: %d records (%d newly generated)", len(records), len(generated))
	return records, nil
}

// walkFolder lists weight files under folder. Unreadable subdirectories are logged and skipped.
func walkFolder(folder string) []candidate {
	folder = filepath.Clean(folder)
	var out []candidate
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == folder {
				return err
			}
			log.WithError(err).Warnf("Skipping unreadable path %s", path)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !helpers.IsWeightFile(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.WithError(err).Warnf("Skipping %s", path)
			return nil
		}
		out = append(out, candidate{path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		log.WithError(err).Warnf("Watched folder %s could not be scanned", folder)
	}
	return out
}

// buildRecord loads or generates metadata for one file. fresh is true when the
// document was generated during this pass.
func (c *ModelListCache) buildRecord(ctx context.Context, cand candidate, cfg models.Config) (rec models.ModelRecord, fresh bool) {
	fileName := filepath.Base(cand.path)
	rec = models.ModelRecord{
		SourcePath:      cand.path,
		SafetensorsPath: cand.path,
		FileName:        fileName,
		FileSizeBytes:   cand.size,
	}
	logger := log.WithField("file", cand.path)

	docPath, found := findDocument(cfg.MetadataOutputDir, cand.path)
	switch {
	case found:
	case c.cfg.IsFailed(cand.path):
		return failedRecord(rec, reasonGenerationFailed), false
	case cfg.AutoGenerateMetadata && c.gen != nil:
		logger.Info("Generating metadata")
		if err := c.gen.Generate(ctx, cand.path, cfg.MetadataOutputDir); err != nil {
			logger.WithError(err).Warn("Metadata generation failed")
			if ctx.Err() != nil {
				return failedRecord(rec, err.Error()), false
			}
			if markErr := c.cfg.MarkFailed(cand.path); markErr != nil {
				logger.WithError(markErr).Error("Failed to persist generation failure")
			}
			// Same reason as the negative-cache branch so later rebuilds match this one.
			return failedRecord(rec, reasonGenerationFailed), false
		}
		docPath = generator.MetadataPath(cfg.MetadataOutputDir, cand.path)
		fresh = true
	default:
		return failedRecord(rec, reasonNoDocument), false
	}

	raw, err := os.ReadFile(docPath)
	if err != nil {
		logger.WithError(err).Warn("Metadata document unreadable")
		return failedRecord(rec, "unreadable metadata document: "+err.Error()), false
	}
	info, err := normalizeDocument(raw)
	if err != nil {
		logger.WithError(err).Warn("Metadata document invalid")
		return failedRecord(rec, err.Error()), false
	}
	if err := c.cfg.ClearFailed(cand.path); err != nil {
		logger.WithError(err).Warn("Failed to clear stale generation failure")
	}

	rec.MetadataPath = docPath
	rec.Metadata = info
	rec.ModelKey = ModelKey(info, fileName)
	return rec, fresh
}

// findDocument looks for <stem>.json in the metadata output dir, then next to the weight file.
func findDocument(outputDir, weightPath string) (string, bool) {
	candidates := []string{
		generator.MetadataPath(outputDir, weightPath),
		siblingDocument(weightPath),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Debugf("Cannot stat %s", p)
		}
	}
	return "", false
}

func failedRecord(rec models.ModelRecord, reason string) models.ModelRecord {
	rec.MetadataFailed = true
	rec.FailureReason = reason
	rec.ModelKey = ModelKey(nil, rec.FileName)
	return rec
}
