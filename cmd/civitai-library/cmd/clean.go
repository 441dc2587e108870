package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-library/index"
	"go-civitai-library/internal/library"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
	cleanCmd.Flags().Bool("caches", false, "Also drop the model list, hash and folder caches (forces a full rescan)")
	cleanCmd.Flags().Bool("index", false, "Also delete the search index")
	cleanCmd.Flags().Bool("images", false, "Also delete locally cached preview images")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftover temporary files from the data directory and watched folders",
	Long: `Recursively scans the data directory, the metadata output directory and every
watched folder, removing interrupted writes (*.tmp, *.src). Optionally removes
*.torrent and *-magnet.txt files and drops the library caches, search index or
image cache.`,
	RunE: runClean,
}

type cleanCounts struct {
	removed map[string]int
	failed  int
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg := globalStore.Get()
	cleanTorrents, _ := cmd.Flags().GetBool("torrents")
	cleanMagnets, _ := cmd.Flags().GetBool("magnets")
	dropCaches, _ := cmd.Flags().GetBool("caches")
	dropIndex, _ := cmd.Flags().GetBool("index")
	dropImages, _ := cmd.Flags().GetBool("images")

	suffixes := []string{".tmp", ".src"}
	if cleanTorrents {
		suffixes = append(suffixes, ".torrent")
	}
	if cleanMagnets {
		suffixes = append(suffixes, "-magnet.txt")
	}

	roots := []string{cfg.DataDir}
	if cfg.MetadataOutputDir != "" {
		roots = append(roots, cfg.MetadataOutputDir)
	}
	roots = append(roots, cfg.WatchedFolders...)

	counts := cleanCounts{removed: map[string]int{}}
	visited := map[string]bool{}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil || visited[abs] {
			continue
		}
		visited[abs] = true
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			log.Warnf("Skipping %s: not an accessible directory", abs)
			continue
		}
		log.Infof("Scanning for %s files in %s...", strings.Join(suffixes, ", "), abs)
		cleanDir(abs, suffixes, &counts)
	}

	if dropCaches {
		for _, name := range []string{library.ModelCacheFile, library.HashCacheFile, library.FolderMtimesFile} {
			removeOne(filepath.Join(cfg.DataDir, name), "cache", &counts)
		}
	}
	if dropIndex {
		if err := index.DeleteIndex(dataPath(indexDir)); err != nil {
			log.WithError(err).Error("Failed to delete search index")
			counts.failed++
		} else {
			log.Info("Deleted search index")
		}
	}
	if dropImages {
		if err := os.RemoveAll(dataPath(imagesDir)); err != nil {
			log.WithError(err).Error("Failed to delete image cache")
			counts.failed++
		} else {
			log.Info("Deleted image cache")
		}
	}

	var summaryParts []string
	for _, kind := range append(suffixes, "cache") {
		if n := counts.removed[kind]; n > 0 {
			summaryParts = append(summaryParts, fmt.Sprintf("%d %s file(s)", n, kind))
		}
	}
	summary := "Clean complete. Removed: "
	if len(summaryParts) > 0 {
		summary += strings.Join(summaryParts, ", ")
	} else {
		summary += "0 files"
	}
	if counts.failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d item(s).", counts.failed)
	}
	log.Info(summary)

	if counts.failed > 0 {
		return fmt.Errorf("failed to remove %d item(s)", counts.failed)
	}
	return nil
}

// cleanDir removes files under root whose lower-cased name ends in one of suffixes.
// The bleve index directory is skipped.
func cleanDir(root string, suffixes []string, counts *cleanCounts) {
	indexPath, _ := filepath.Abs(dataPath(indexDir))
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() {
			if path == indexPath {
				return filepath.SkipDir
			}
			return nil
		}
		lowerName := strings.ToLower(info.Name())
		for _, suffix := range suffixes {
			if strings.HasSuffix(lowerName, suffix) {
				removeOne(path, suffix, counts)
				break
			}
		}
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", root, walkErr)
		counts.failed++
	}
}

func removeOne(path, kind string, counts *cleanCounts) {
	err := os.Remove(path)
	switch {
	case err == nil:
		log.Infof("Removed %s file: %s", kind, path)
		counts.removed[kind]++
	case os.IsNotExist(err):
		log.Debugf("%s already gone", path)
	default:
		log.Errorf("Failed to remove %s file %q: %v", kind, path, err)
		counts.failed++
	}
}
