package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-library/index"
	"go-civitai-library/internal/downloader"
	"go-civitai-library/internal/imagecache"
	"go-civitai-library/internal/library"
	"go-civitai-library/internal/models"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rescan watched folders and rebuild the model cache",
	Long: `Runs a full library scan in the foreground: every weight file in the watched
folders and standalone list is matched with its metadata document (generating
missing documents when enabled), the model cache is rewritten and resource
hashes are resolved. Optionally caches preview images as well.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Bool("images", false, "Also download and transcode preview images")
	scanCmd.Flags().Bool("no-index", false, "Do not update the full-text search index")
	scanCmd.Flags().Bool("clear-hashes", false, "Forget cached hash lookups (including unknown ones) before scanning")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	withImages, _ := cmd.Flags().GetBool("images")
	noIndex, _ := cmd.Flags().GetBool("no-index")
	clearHashes, _ := cmd.Flags().GetBool("clear-hashes")

	svc := newService()
	if clearHashes {
		if err := svc.ClearCaches(); err != nil {
			return fmt.Errorf("clearing hash cache: %w", err)
		}
		log.Info("Hash cache cleared")
	}

	writer := uilive.New()
	writer.Start()

	start := time.Now()
	done := make(chan struct{})
	var resp models.ModelListResponse
	var scanErr error
	go func() {
		defer close(done)
		resp, scanErr = svc.Refresh(ctx)
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
scanLoop:
	for {
		select {
		case <-done:
			break scanLoop
		case <-ticker.C:
			fmt.Fprintf(writer, "Scanning library... %s\n", time.Since(start).Round(time.Second))
		}
	}
	ticker.Stop()

	if scanErr != nil {
		writer.Stop()
		return fmt.Errorf("scan failed: %w", scanErr)
	}
	fmt.Fprintf(writer, "Scanned %d models in %s (%s on disk, %d without metadata)\n",
		len(resp.Records), time.Since(start).Round(time.Millisecond), humanize.Bytes(totalSize(resp.Records)), countMissing(resp.Records))
	writer.Stop()

	if !noIndex {
		idx, err := index.OpenOrCreateIndex(dataPath(indexDir))
		if err != nil {
			log.WithError(err).Warn("Search index unavailable, skipping index update")
		} else {
			indexed, removed, err := index.SyncRecords(idx, resp.Records)
			idx.Close()
			if err != nil {
				log.WithError(err).Warn("Failed to update search index")
			} else {
				log.Infof("Search index updated: %d indexed, %d removed", indexed, removed)
			}
		}
	}

	if withImages {
		return cacheImages(cmd, svc, resp.Records)
	}
	return nil
}

// cacheImages runs the image worker pool over records and shows live progress.
func cacheImages(cmd *cobra.Command, svc *library.Service, records []models.ModelRecord) error {
	cfg := globalStore.Get()
	fetch := downloader.NewDownloader(newHTTPClient(), cfg.ApiKey)
	images := imagecache.New(dataPath(imagesDir), fetch, svc.Cache(), imagecache.Options{
		Concurrency: cfg.ImageConcurrency,
	})
	images.Start(cmd.Context())
	defer images.Stop()

	queued := images.Enqueue(records)
	if queued == 0 {
		log.Info("All preview images are already cached")
		return nil
	}

	writer := uilive.New()
	writer.Start()
	var last imagecache.Progress
	for finished := 0; finished < queued; finished++ {
		select {
		case <-cmd.Context().Done():
			writer.Stop()
			return cmd.Context().Err()
		case last = <-images.Progress():
			fmt.Fprintf(writer, "Caching images: %d/%d done, %d failed\n", last.Done, queued, last.Failed)
		}
	}
	writer.Stop()

	if err := svc.Cache().Persist(); err != nil {
		return fmt.Errorf("saving model cache: %w", err)
	}
	log.Infof("Image caching complete. Cached: %d, Failed: %d", last.Done, last.Failed)
	return nil
}

func totalSize(records []models.ModelRecord) uint64 {
	var total uint64
	for _, r := range records {
		if r.FileSizeBytes > 0 {
			total += uint64(r.FileSizeBytes)
		}
	}
	return total
}

func countMissing(records []models.ModelRecord) int {
	n := 0
	for _, r := range records {
		if !r.HasMetadata() {
			n++
		}
	}
	return n
}
