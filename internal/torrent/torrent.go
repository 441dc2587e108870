// Package torrent builds BitTorrent metainfo and magnet links for library model files.
package torrent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"

	"go-civitai-library/internal/helpers"
)

const pieceLength = 512 * 1024

// ErrNoTrackers is returned when no announce URL is configured.
var ErrNoTrackers = errors.New("at least one announce URL is required")

// Options control where and how torrents are written.
type Options struct {
	Trackers       []string
	OutputDir      string // empty: next to the source file
	Overwrite      bool
	GenerateMagnet bool
}

// Job is one model file to share.
type Job struct {
	ID         string // model key
	SourcePath string
}

// Result describes the files written for a job.
type Result struct {
	Job         Job
	TorrentPath string
	MagnetPath  string
	MagnetLink  string
	Skipped     bool // torrent already existed and Overwrite was off
	Err         error
}

// TorrentPath is where the .torrent for sourcePath is written.
func TorrentPath(sourcePath, outputDir string) string {
	name := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)) + ".torrent"
	if outputDir == "" {
		return filepath.Join(filepath.Dir(sourcePath), name)
	}
	return filepath.Join(outputDir, name)
}

// MagnetLink formats a magnet URI for an info hash.
func MagnetLink(infoHash metainfo.Hash, displayName string, trackers []string) string {
	parts := []string{
		fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash.HexString()),
		fmt.Sprintf("dn=%s", url.QueryEscape(displayName)),
	}
	for _, tracker := range trackers {
		parts = append(parts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
	}
	return strings.Join(parts, "&")
}

// Generate writes a single-file torrent for job.SourcePath.
// When the torrent already exists and Overwrite is off, the existing file is read
// back so the magnet link is still reported.
func Generate(job Job, opts Options) Result {
	res := Result{Job: job}
	if len(opts.Trackers) == 0 {
		res.Err = ErrNoTrackers
		return res
	}
	stat, err := os.Stat(job.SourcePath)
	if err != nil {
		res.Err = fmt.Errorf("error stating source path %s: %w", job.SourcePath, err)
		return res
	}
	if stat.IsDir() {
		res.Err = fmt.Errorf("source path is a directory: %s", job.SourcePath)
		return res
	}

	if opts.OutputDir != "" {
		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			res.Err = fmt.Errorf("error creating output directory %s: %w", opts.OutputDir, err)
			return res
		}
	}
	res.TorrentPath = TorrentPath(job.SourcePath, opts.OutputDir)

	var mi *metainfo.MetaInfo
	if _, err := os.Stat(res.TorrentPath); err == nil && !opts.Overwrite {
		log.WithField("path", res.TorrentPath).Info("Skipping existing torrent file (use --overwrite to replace)")
		mi, err = metainfo.LoadFromFile(res.TorrentPath)
		if err != nil {
			res.Err = fmt.Errorf("error reading existing torrent %s: %w", res.TorrentPath, err)
			return res
		}
		res.Skipped = true
	} else {
		mi, err = build(job.SourcePath, opts.Trackers)
		if err != nil {
			res.Err = err
			return res
		}
		if err := writeTorrent(res.TorrentPath, mi); err != nil {
			res.Err = err
			return res
		}
		log.WithField("path", res.TorrentPath).Info("Successfully generated torrent file")
	}

	res.MagnetLink = MagnetLink(mi.HashInfoBytes(), stat.Name(), opts.Trackers)
	if opts.GenerateMagnet {
		res.MagnetPath = strings.TrimSuffix(res.TorrentPath, ".torrent") + "-magnet.txt"
		if err := helpers.WriteFileAtomic(res.MagnetPath, []byte(res.MagnetLink)); err != nil {
			// The torrent itself is fine; only the magnet file is missing.
			log.WithError(err).WithField("path", res.MagnetPath).Error("Failed to write magnet link file")
			res.MagnetPath = ""
		}
	}
	return res
}

func build(sourcePath string, trackers []string) (*metainfo.MetaInfo, error) {
	mi := &metainfo.MetaInfo{
		AnnounceList: make([][]string, len(trackers)),
		Announce:     trackers[0],
		CreatedBy:    "go-civitai-library",
	}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}

	info := metainfo.Info{PieceLength: pieceLength}
	log.WithField("file", sourcePath).Debug("Building torrent info...")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return nil, fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("error marshaling torrent info: %w", err)
	}
	return mi, nil
}

func writeTorrent(outPath string, mi *metainfo.MetaInfo) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	if err := mi.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	return f.Close()
}

// Counts summarises a Run.
type Counts struct {
	Generated int64
	Skipped   int64
	Failed    int64
}

// Run generates torrents for jobs with concurrency workers, calling onResult
// (from worker goroutines) for every job.
func Run(jobs []Job, opts Options, concurrency int, onResult func(Result)) Counts {
	if concurrency <= 0 {
		concurrency = 4
	}
	queue := make(chan Job, concurrency)
	var wg sync.WaitGroup
	var generated, skipped, failed atomic.Int64

	for i := 1; i <= concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log.Debugf("Torrent Worker %d starting", id)
			for job := range queue {
				res := Generate(job, opts)
				switch {
				case res.Err != nil:
					log.WithError(res.Err).WithField("modelKey", job.ID).Errorf("Worker %d: Failed to generate torrent for %s", id, job.SourcePath)
					failed.Add(1)
				case res.Skipped:
					skipped.Add(1)
				default:
					generated.Add(1)
				}
				if onResult != nil {
					onResult(res)
				}
			}
			log.Debugf("Torrent Worker %d finished", id)
		}(i)
	}

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if seen[job.SourcePath] {
			continue
		}
		seen[job.SourcePath] = true
		queue <- job
	}
	close(queue)
	wg.Wait()

	return Counts{Generated: generated.Load(), Skipped: skipped.Load(), Failed: failed.Load()}
}
