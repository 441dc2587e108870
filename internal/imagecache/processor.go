// Package imagecache keeps local JPEG copies of model preview images.
//
// Records are fed to a Processor, which fans image jobs out to a fixed pool of
// workers over a channel. Each worker downloads the original, transcodes it to
// a bounded JPEG and, only on success, points the record's image url at the
// local copy. Progress is reported on a channel.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go-civitai-library/internal/downloader"
	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultConcurrency  = 3
	DefaultMaxDimension = 450
	DefaultQuality      = 85
	DefaultURLPrefix    = "/images/"
)

// ErrSkipped is returned for images that are not cached (videos, empty urls).
var ErrSkipped = errors.New("image not cacheable")

// Fetcher downloads a url to a path. *downloader.Downloader satisfies it.
type Fetcher interface {
	Download(ctx context.Context, url, targetPath, expectedSHA256 string) (downloader.Result, error)
}

// URLSetter receives local urls for cached images. *library.ModelListCache satisfies it.
type URLSetter interface {
	SetImageURL(originalURL, localURL string) bool
}

// Options tune the worker pool and output. Zero values select defaults.
type Options struct {
	Concurrency  int
	MaxDimension int
	Quality      int
	// URLPrefix is prepended to the cached file name to form the local url.
	URLPrefix string
}

// Progress is reported once per finished job.
type Progress struct {
	OriginalURL string
	LocalURL    string
	Err         error
	Done        int64
	Failed      int64
	Queued      int64
}

type imageJob struct {
	OriginalURL string
	ModelKey    string
}

// Processor is the image caching worker pool.
type Processor struct {
	dir   string
	fetch Fetcher
	sink  URLSetter
	opts  Options

	jobs     chan imageJob
	progress chan Progress

	mu       sync.Mutex
	inFlight map[string]bool

	queued atomic.Int64
	done   atomic.Int64
	failed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

// New creates a processor writing JPEGs into dir. sink may be nil.
func New(dir string, fetch Fetcher, sink URLSetter, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}
	if opts.URLPrefix == "" {
		opts.URLPrefix = DefaultURLPrefix
	}
	return &Processor{
		dir:      dir,
		fetch:    fetch,
		sink:     sink,
		opts:     opts,
		jobs:     make(chan imageJob, opts.Concurrency*4),
		progress: make(chan Progress, 256),
		inFlight: map[string]bool{},
	}
}

// Dir returns the directory holding cached images.
func (p *Processor) Dir() string { return p.dir }

// Progress returns the progress channel. Events are dropped when nobody reads.
func (p *Processor) Progress() <-chan Progress { return p.progress }

// Start launches the workers. They run until ctx ends or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.start.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		log.Debugf("Starting %d image workers", p.opts.Concurrency)
		for i := 1; i <= p.opts.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop cancels outstanding work and waits for the workers to exit.
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Enqueue schedules every remote, non-video image of records that is not
// already cached or in flight. It returns how many jobs were queued and never blocks.
// Workers are started on first use if Start was not called.
func (p *Processor) Enqueue(records []models.ModelRecord) int {
	p.Start(context.Background())
	var jobs []imageJob
	p.mu.Lock()
	for _, r := range records {
		if r.Metadata == nil {
			continue
		}
		for _, img := range r.Metadata.Images {
			if !Cacheable(img) || p.inFlight[img.OriginalURL] {
				continue
			}
			p.inFlight[img.OriginalURL] = true
			jobs = append(jobs, imageJob{OriginalURL: img.OriginalURL, ModelKey: r.ModelKey})
		}
	}
	p.mu.Unlock()

	if len(jobs) == 0 {
		return 0
	}
	p.queued.Add(int64(len(jobs)))
	go func() {
		for i, job := range jobs {
			select {
			case p.jobs <- job:
			case <-p.ctx.Done():
				for _, dropped := range jobs[i:] {
					p.release(dropped.OriginalURL)
				}
				return
			}
		}
	}()
	log.Debugf("Queued %d images for caching", len(jobs))
	return len(jobs)
}

// Cacheable reports whether img still needs a local copy.
func Cacheable(img models.ImageResource) bool {
	if img.OriginalURL == "" || helpers.IsVideo(img.Type, img.OriginalURL) {
		return false
	}
	return img.URL == "" || img.URL == img.OriginalURL
}

// CacheOne fetches and transcodes a single image synchronously and returns the
// local file path. An existing cached copy is returned as-is.
func (p *Processor) CacheOne(ctx context.Context, originalURL string) (string, error) {
	if originalURL == "" || helpers.IsVideo("", originalURL) {
		return "", ErrSkipped
	}
	name := FileName(originalURL)
	target := filepath.Join(p.dir, name)
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return target, nil
	}
	if err := p.cache(ctx, originalURL, target); err != nil {
		return "", err
	}
	if p.sink != nil {
		p.sink.SetImageURL(originalURL, p.opts.URLPrefix+name)
	}
	return target, nil
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()
	log.Debugf("Image Worker %d starting", id)
	for {
		select {
		case <-p.ctx.Done():
			log.Debugf("Image Worker %d finished", id)
			return
		case job := <-p.jobs:
			p.handle(id, job)
		}
	}
}

func (p *Processor) handle(id int, job imageJob) {
	defer p.release(job.OriginalURL)

	name := FileName(job.OriginalURL)
	target := filepath.Join(p.dir, name)
	localURL := p.opts.URLPrefix + name

	err := p.cache(p.ctx, job.OriginalURL, target)
	ev := Progress{OriginalURL: job.OriginalURL}
	if err != nil {
		p.failed.Add(1)
		ev.Err = err
		log.WithError(err).WithField("model", job.ModelKey).Warnf("Image Worker %d: failed to cache %s", id, job.OriginalURL)
	} else {
		p.done.Add(1)
		ev.LocalURL = localURL
		if p.sink != nil {
			p.sink.SetImageURL(job.OriginalURL, localURL)
		}
		log.Debugf("Image Worker %d: cached %s", id, name)
	}
	ev.Done, ev.Failed, ev.Queued = p.done.Load(), p.failed.Load(), p.queued.Load()

	select {
	case p.progress <- ev:
	default:
	}
}

// cache downloads originalURL next to target and replaces target with the
// transcoded JPEG. The raw download is removed afterwards.
func (p *Processor) cache(ctx context.Context, originalURL, target string) error {
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return nil
	}
	raw := target + ".src"
	defer os.Remove(raw)

	if _, err := p.fetch.Download(ctx, originalURL, raw, ""); err != nil {
		return err
	}
	jpg, err := TranscodeFile(raw, p.opts.MaxDimension, p.opts.Quality)
	if err != nil {
		return fmt.Errorf("transcoding %s: %w", originalURL, err)
	}
	return helpers.WriteFileAtomic(target, jpg)
}

func (p *Processor) release(originalURL string) {
	p.mu.Lock()
	delete(p.inFlight, originalURL)
	p.mu.Unlock()
}

// FileName derives a stable cache file name from an image url: a slug of the
// url's base name plus a short digest of the whole url.
func FileName(originalURL string) string {
	sum := sha256.Sum256([]byte(originalURL))
	digest := hex.EncodeToString(sum[:])[:16]

	stem := ""
	if u, err := url.Parse(originalURL); err == nil {
		base := path.Base(u.Path)
		stem = strings.TrimSuffix(base, path.Ext(base))
	}
	slug := strings.Trim(helpers.ConvertToSlug(stem), "_.-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" || slug == "/" {
		return digest + ".jpg"
	}
	return slug + "-" + digest + ".jpg"
}
