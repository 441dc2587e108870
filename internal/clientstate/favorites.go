package clientstate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"go-civitai-library/internal/helpers"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultSaveDebounce = 500 * time.Millisecond
	DefaultInitTimeout  = 3 * time.Second
)

// FavoriteStore is the durable favorites backend. *database.DB satisfies it.
type FavoriteStore interface {
	Favorites() ([]string, error)
	ReplaceFavorites(modelKeys []string) error
}

// FavoritesOptions tune the debounce and startup wait. Zero values select defaults.
type FavoritesOptions struct {
	SaveDebounce time.Duration
	InitTimeout  time.Duration
}

// Favorites is the favorited model-key set. Toggles apply in memory at once,
// rewrite the mirror file, and reach the durable store after a quiet period.
type Favorites struct {
	mu         sync.Mutex
	set        map[string]bool
	pending    map[string]bool // toggles made before the durable load finished
	loaded     bool
	timer      *time.Timer
	gen        uint64 // bumped on every change to set
	mirrorPath string
	durable    FavoriteStore
	opts       FavoritesOptions

	ready     chan struct{}
	startOnce sync.Once

	// saveMu serialises durable writes; savedGen is the newest generation written.
	saveMu   sync.Mutex
	savedGen uint64
}

// NewFavorites creates an empty set. Call Start to load stored favorites.
func NewFavorites(mirrorPath string, durable FavoriteStore, opts FavoritesOptions) *Favorites {
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = DefaultSaveDebounce
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	return &Favorites{
		set:        map[string]bool{},
		pending:    map[string]bool{},
		mirrorPath: mirrorPath,
		durable:    durable,
		opts:       opts,
		ready:      make(chan struct{}),
	}
}

// Start reads the mirror, then loads the durable store in the background. The
// durable store is authoritative; when it is empty and the mirror is not, the
// mirror is migrated into it once.
func (f *Favorites) Start() {
	f.startOnce.Do(func() {
		mirrored := f.readMirror()
		go f.load(mirrored)
	})
}

func (f *Favorites) load(mirrored []string) {
	defer close(f.ready)

	var keys []string
	if f.durable != nil {
		stored, err := f.durable.Favorites()
		if err != nil {
			log.WithError(err).Warn("Failed to read favorites from durable store")
		}
		keys = stored
	}

	if len(keys) == 0 {
		if len(mirrored) > 0 {
			keys = mirrored
			if f.durable != nil {
				if err := f.durable.ReplaceFavorites(mirrored); err != nil {
					log.WithError(err).Warn("Failed to migrate favorites mirror to durable store")
				} else {
					log.Infof("Migrated %d favorites from mirror to durable store", len(mirrored))
				}
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	loaded := make(map[string]bool, len(keys))
	for _, k := range keys {
		loaded[k] = true
	}
	// Toggles made while loading take precedence over what was stored.
	for k, on := range f.pending {
		if on {
			loaded[k] = true
		} else {
			delete(loaded, k)
		}
	}
	hadPending := len(f.pending) > 0
	f.set = loaded
	f.pending = nil
	f.loaded = true
	f.writeMirrorLocked()
	if hadPending {
		f.gen++
		f.scheduleSaveLocked()
	}
	log.Debugf("Favorites loaded: %d", len(loaded))
}

// WaitReady blocks until the initial load finishes, the init timeout passes, or
// ctx ends. It reports whether the load finished; later loads are still merged in.
func (f *Favorites) WaitReady(ctx context.Context) bool {
	t := time.NewTimer(f.opts.InitTimeout)
	defer t.Stop()
	select {
	case <-f.ready:
		return true
	case <-t.C:
		log.Warn("Favorites not loaded within init timeout, continuing with an empty set")
		return false
	case <-ctx.Done():
		return false
	}
}

// Toggle flips key and returns its new state. Until the initial load finishes
// the durable write is deferred so stored favorites are not overwritten.
func (f *Favorites) Toggle(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	on := !f.set[key]
	if on {
		f.set[key] = true
	} else {
		delete(f.set, key)
	}
	f.gen++
	if !f.loaded {
		f.pending[key] = on
	}
	f.writeMirrorLocked()
	if f.loaded {
		f.scheduleSaveLocked()
	}
	return on
}

// IsFavorite reports whether key is favorited.
func (f *Favorites) IsFavorite(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[key]
}

// List returns the favorited keys, sorted.
func (f *Favorites) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keysLocked()
}

// Set returns a copy of the favorites as a lookup map.
func (f *Favorites) Set() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.set))
	for k := range f.set {
		out[k] = true
	}
	return out
}

// Flush cancels any pending debounce and writes the durable store now.
// Before the initial load finishes there is nothing safe to write.
func (f *Favorites) Flush() error {
	f.mu.Lock()
	if !f.loaded {
		f.mu.Unlock()
		return nil
	}
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	keys, gen := f.keysLocked(), f.gen
	f.mu.Unlock()
	return f.saveDurable(keys, gen)
}

// scheduleSaveLocked (re)starts the debounce timer. Each call pushes the save back.
func (f *Favorites) scheduleSaveLocked() {
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.opts.SaveDebounce, func() {
		f.mu.Lock()
		f.timer = nil
		keys, gen := f.keysLocked(), f.gen
		f.mu.Unlock()
		if err := f.saveDurable(keys, gen); err != nil {
			log.WithError(err).Error("Failed to save favorites")
		}
	})
}

// saveDurable writes keys taken at generation gen. A snapshot older than one
// already written is dropped so a late debounce cannot undo a newer Flush.
func (f *Favorites) saveDurable(keys []string, gen uint64) error {
	if f.durable == nil {
		return nil
	}
	f.saveMu.Lock()
	defer f.saveMu.Unlock()
	if gen < f.savedGen {
		log.Debugf("Dropping stale favorites save (generation %d < %d)", gen, f.savedGen)
		return nil
	}
	if err := f.durable.ReplaceFavorites(keys); err != nil {
		return err
	}
	f.savedGen = gen
	return nil
}

func (f *Favorites) keysLocked() []string {
	keys := make([]string, 0, len(f.set))
	for k := range f.set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *Favorites) readMirror() []string {
	if f.mirrorPath == "" {
		return nil
	}
	raw, err := os.ReadFile(f.mirrorPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("Favorites mirror unreadable")
		}
		return nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		log.WithError(err).Warn("Favorites mirror is corrupt, ignoring it")
		return nil
	}
	return keys
}

func (f *Favorites) writeMirrorLocked() {
	if f.mirrorPath == "" {
		return
	}
	raw, err := json.Marshal(f.keysLocked())
	if err != nil {
		log.WithError(err).Error("Failed to encode favorites mirror")
		return
	}
	if err := helpers.WriteFileAtomic(f.mirrorPath, raw); err != nil {
		log.WithError(err).Warn("Failed to write favorites mirror")
	}
}
