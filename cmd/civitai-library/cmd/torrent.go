package cmd

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-library/index"
	"go-civitai-library/internal/torrent"
)

var (
	torrentModelKeys    []string
	torrentModelIDs     []int
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for library model files",
	Long: `Generates single-file BitTorrent metainfo (.torrent) files for model files in
the library, optionally with a magnet link next to each. Generated torrents are
recorded in the search index so 'search' and /api/search report their magnet links.
You must specify tracker announce URLs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(announceURLs) == 0 {
			return torrent.ErrNoTrackers
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
			concurrency = 4
		}

		svc := newService()
		resp, err := svc.ModelList(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading library: %w", err)
		}

		keys := make(map[string]bool, len(torrentModelKeys))
		for _, k := range torrentModelKeys {
			keys[k] = true
		}
		ids := make(map[int]bool, len(torrentModelIDs))
		for _, id := range torrentModelIDs {
			ids[id] = true
		}

		var jobs []torrent.Job
		for _, r := range resp.Records {
			if len(keys) > 0 || len(ids) > 0 {
				byKey := keys[r.ModelKey]
				byID := r.Metadata != nil && ids[r.Metadata.ModelID]
				if !byKey && !byID {
					continue
				}
			}
			jobs = append(jobs, torrent.Job{ID: r.ModelKey, SourcePath: r.SourcePath})
		}
		if len(jobs) == 0 {
			log.Info("No matching library models found.")
			return svc.Scanner().Wait(cmd.Context())
		}

		var idx bleve.Index
		if idx, err = index.OpenOrCreateIndex(dataPath(indexDir)); err != nil {
			log.WithError(err).Warn("Search index unavailable, magnet links will not be recorded")
			idx = nil
		} else {
			defer idx.Close()
			if _, _, err := index.SyncRecords(idx, resp.Records); err != nil {
				log.WithError(err).Warn("Failed to sync search index")
			}
		}

		log.Infof("Generating torrents for %d model files using %d workers...", len(jobs), concurrency)
		var mu sync.Mutex
		counts := torrent.Run(jobs, torrent.Options{
			Trackers:       announceURLs,
			OutputDir:      torrentOutputDir,
			Overwrite:      overwriteTorrents,
			GenerateMagnet: generateMagnetLinks,
		}, concurrency, func(res torrent.Result) {
			if res.Err != nil || idx == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if err := index.SetTorrent(idx, res.Job.ID, res.TorrentPath, res.MagnetLink); err != nil {
				log.WithError(err).WithField("modelKey", res.Job.ID).Warn("Failed to record torrent in index")
			}
		})

		log.Infof("Torrent generation complete. Generated: %d, Skipped: %d, Failed: %d", counts.Generated, counts.Skipped, counts.Failed)
		if err := svc.Scanner().Wait(cmd.Context()); err != nil {
			return err
		}
		if counts.Failed > 0 {
			return fmt.Errorf("%d torrents failed to generate", counts.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringSliceVar(&torrentModelKeys, "model-key", []string{}, "Library model key(s) to generate torrents for. Default: every model file.")
	torrentCmd.Flags().IntSliceVar(&torrentModelIDs, "model-id", []int{}, "Catalog model ID(s) to generate torrents for")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save generated .torrent files (default: next to the model file)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Write a -magnet.txt file next to each .torrent file")
	torrentCmd.Flags().IntP("concurrency", "c", 4, "Number of concurrent torrent generation workers")
}
