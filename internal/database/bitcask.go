package database

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go-civitai-library/internal/models"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

const (
	favoritePrefix  = "favorite_"
	viewStatePrefix = "view_state_"
)

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB wraps the bitcask database instance and provides helper methods.
type DB struct {
	db *bitcask.Bitcask
	sync.RWMutex
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dbInstance, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Infof("Database opened successfully at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	log.Info("Closing database...")
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}
	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair in the database.
func (d *DB) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	d.Lock()
	err = d.db.Put(key, compressedValue)
	d.Unlock()
	if err != nil {
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key from the database.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	err := d.db.Delete(key)
	d.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Fold iterates over all key-value pairs, decompresses the value,
// and calls the provided function.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		rawValue, err := d.db.Get(key)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error decompressing value for key %s", string(key))
			return nil
		}
		return fn(key, value)
	})
}

// keysWithPrefix collects every key starting with prefix.
func (d *DB) keysWithPrefix(prefix string) ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	var keys []string
	err := d.db.Fold(func(key []byte) error {
		if strings.HasPrefix(string(key), prefix) {
			keys = append(keys, string(key))
		}
		return nil
	})
	return keys, err
}

// --- Compression Helpers ---

// decompressIfGzipped decompresses the value if it is gzipped.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warnf("Error creating gzip reader for value, returning raw data.")
		return value, nil
	}
	defer gReader.Close()

	decompressedValue, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warnf("Error decompressing value, returning raw data.")
		return value, nil
	}
	return decompressedValue, nil
}

// compressGzip compresses the value using gzip with the specified compression level.
func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err = gWriter.Write(value); err != nil {
		_ = gWriter.Close()
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err = gWriter.Close(); err != nil {
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}

// --- Favorites ---

// Favorites returns every favorited model key, sorted.
func (d *DB) Favorites() ([]string, error) {
	keys, err := d.keysWithPrefix(favoritePrefix)
	if err != nil {
		return nil, fmt.Errorf("error listing favorites: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, favoritePrefix))
	}
	sort.Strings(out)
	return out, nil
}

// ReplaceFavorites makes the stored favorites exactly modelKeys.
func (d *DB) ReplaceFavorites(modelKeys []string) error {
	want := make(map[string]bool, len(modelKeys))
	for _, k := range modelKeys {
		want[favoritePrefix+k] = true
	}

	existing, err := d.keysWithPrefix(favoritePrefix)
	if err != nil {
		return fmt.Errorf("error listing favorites: %w", err)
	}
	for _, k := range existing {
		if want[k] {
			delete(want, k)
			continue
		}
		if err := d.Delete([]byte(k)); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	for k := range want {
		if err := d.Put([]byte(k), []byte("1")); err != nil {
			return err
		}
	}
	log.WithField("count", len(modelKeys)).Debug("Favorites written to durable store")
	return nil
}

// --- View state ---

// GetViewState retrieves the long-lived view state saved for a session.
// Returns ErrNotFound when the session has none.
func (d *DB) GetViewState(session string) (models.ClientViewState, error) {
	var state models.ClientViewState
	raw, err := d.Get([]byte(viewStatePrefix + session))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("error parsing view state for %s: %w", session, err)
	}
	log.WithField("session", session).Debugf("Retrieved view state: page %d", state.CurrentPage)
	return state, nil
}

// SetViewState saves the view state for a session.
func (d *DB) SetViewState(session string, state models.ClientViewState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("error encoding view state for %s: %w", session, err)
	}
	if err := d.Put([]byte(viewStatePrefix+session), raw); err != nil {
		return err
	}
	log.WithField("session", session).Debugf("Set view state: page %d", state.CurrentPage)
	return nil
}

// DeleteViewState removes the saved view state for a session.
func (d *DB) DeleteViewState(session string) error {
	err := d.Delete([]byte(viewStatePrefix + session))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("error deleting view state for %s: %w", session, err)
	}
	return nil
}

// ViewStates returns every saved view state keyed by session. Entries that fail
// to parse are logged and skipped.
func (d *DB) ViewStates() (map[string]models.ClientViewState, error) {
	out := make(map[string]models.ClientViewState)
	err := d.Fold(func(key []byte, value []byte) error {
		keyStr := string(key)
		if !strings.HasPrefix(keyStr, viewStatePrefix) {
			return nil
		}
		var state models.ClientViewState
		if err := json.Unmarshal(value, &state); err != nil {
			log.WithError(err).Warnf("Failed to unmarshal JSON for key %s, skipping", keyStr)
			return nil
		}
		out[strings.TrimPrefix(keyStr, viewStatePrefix)] = state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning view states: %w", err)
	}
	return out, nil
}
