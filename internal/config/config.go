package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultConfigPath       = "config.toml"
	DefaultPageSize         = 24
	DefaultImageConcurrency = 3
	DefaultApiDelayMs       = 200
	DefaultApiTimeoutSec    = 60
	DefaultTheme            = "dark"
)

// ErrAlreadyPresent is returned when adding a path the config already holds.
var ErrAlreadyPresent = errors.New("path already present")

// LoadConfig reads the configuration at configFilePath (defaulting to "config.toml")
// and fills in defaults for anything left unset.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultConfigPath
	}
	var cfg models.Config
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}
	ApplyDefaults(&cfg, configFilePath)
	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// Default returns the configuration written when no file exists yet.
func Default(configFilePath string) models.Config {
	var cfg models.Config
	cfg.AutoGenerateMetadata = true
	cfg.ApiDelayMs = DefaultApiDelayMs
	ApplyDefaults(&cfg, configFilePath)
	return cfg
}

// ApplyDefaults fills zero-valued settings. Relative data paths resolve against the config file's directory.
func ApplyDefaults(cfg *models.Config, configFilePath string) {
	base := filepath.Dir(configFilePath)
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(base, ".civitai-library")
	}
	if cfg.MetadataOutputDir == "" {
		cfg.MetadataOutputDir = filepath.Join(cfg.DataDir, "metadata")
	}
	if cfg.Theme == "" {
		cfg.Theme = DefaultTheme
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = DefaultImageConcurrency
	}
	if cfg.ApiDelayMs < 0 {
		cfg.ApiDelayMs = DefaultApiDelayMs
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiTimeoutSec
	}
}

// Store owns the live configuration. Every mutation is persisted before it returns.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  models.Config

	// overrides are applied to every Get but never written to disk.
	overrides func(cfg *models.Config)
}

// Open loads the config at path, or writes a default one if it is missing.
// A corrupt file is logged and replaced in memory by defaults without touching the file.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	s := &Store{path: path}

	cfg, err := LoadConfig(path)
	switch {
	case err == nil:
		s.cfg = cfg
	case errors.Is(err, os.ErrNotExist):
		log.Infof("No config at %s, creating default", path)
		s.cfg = Default(path)
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	default:
		log.WithError(err).Warnf("Config at %s is unreadable, using defaults", path)
		s.cfg = Default(path)
	}
	return s, nil
}

// NewStore wraps an already built config. Used by tests and by commands that override values.
func NewStore(path string, cfg models.Config) *Store {
	ApplyDefaults(&cfg, path)
	return &Store{path: path, cfg: cfg}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current configuration with any overrides applied.
func (s *Store) Get() models.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := clone(s.cfg)
	if s.overrides != nil {
		s.overrides(&cfg)
	}
	return cfg
}

// SetOverrides installs session-only overrides (command-line flags). They show
// in Get but the file keeps the stored values.
func (s *Store) SetOverrides(fn func(cfg *models.Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = fn
}

// Update applies fn to the configuration and persists the result.
func (s *Store) Update(fn func(cfg *models.Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cfg)
	return s.saveLocked()
}

// Replace swaps the user-editable settings wholesale (the /api/config POST).
// List fields owned by the library (deny-list, failed list) are kept.
func (s *Store) Replace(next models.Config) error {
	return s.Update(func(cfg *models.Config) {
		denied, failed := cfg.PreviouslyDeleted, cfg.FailedToGenerate
		*cfg = next
		cfg.PreviouslyDeleted, cfg.FailedToGenerate = denied, failed
		ApplyDefaults(cfg, s.path)
	})
}

// AddWatchedFolder appends a folder. Returns ErrAlreadyPresent for duplicates.
func (s *Store) AddWatchedFolder(folder string) error {
	folder = filepath.Clean(folder)
	var dup bool
	err := s.Update(func(cfg *models.Config) {
		if slices.Contains(cfg.WatchedFolders, folder) {
			dup = true
			return
		}
		cfg.WatchedFolders = append(cfg.WatchedFolders, folder)
	})
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, folder)
	}
	return nil
}

// RemoveWatchedFolder removes a folder. Reports whether it was present.
func (s *Store) RemoveWatchedFolder(folder string) (bool, error) {
	folder = filepath.Clean(folder)
	var removed bool
	err := s.Update(func(cfg *models.Config) {
		cfg.WatchedFolders, removed = without(cfg.WatchedFolders, folder)
	})
	return removed, err
}

// AddStandaloneFile appends a single weight file outside the watched folders.
func (s *Store) AddStandaloneFile(path string) error {
	path = filepath.Clean(path)
	var dup bool
	err := s.Update(func(cfg *models.Config) {
		if slices.Contains(cfg.StandaloneFiles, path) {
			dup = true
			return
		}
		cfg.StandaloneFiles = append(cfg.StandaloneFiles, path)
	})
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, path)
	}
	return nil
}

// MarkDeleted adds paths to the deny-list.
func (s *Store) MarkDeleted(paths ...string) error {
	return s.Update(func(cfg *models.Config) {
		for _, p := range paths {
			p = filepath.Clean(p)
			if !slices.Contains(cfg.PreviouslyDeleted, p) {
				cfg.PreviouslyDeleted = append(cfg.PreviouslyDeleted, p)
			}
		}
	})
}

// UnmarkDeleted lifts paths from the deny-list.
func (s *Store) UnmarkDeleted(paths ...string) error {
	return s.Update(func(cfg *models.Config) {
		for _, p := range paths {
			cfg.PreviouslyDeleted, _ = without(cfg.PreviouslyDeleted, filepath.Clean(p))
		}
	})
}

// MarkFailed records a generation failure so the file is not retried.
func (s *Store) MarkFailed(path string) error {
	path = filepath.Clean(path)
	return s.Update(func(cfg *models.Config) {
		if !slices.Contains(cfg.FailedToGenerate, path) {
			cfg.FailedToGenerate = append(cfg.FailedToGenerate, path)
		}
	})
}

// ClearFailed removes a stale failure entry. It is a no-op (and skips the write) when absent.
func (s *Store) ClearFailed(path string) error {
	path = filepath.Clean(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	s.cfg.FailedToGenerate, removed = without(s.cfg.FailedToGenerate, path)
	if !removed {
		return nil
	}
	return s.saveLocked()
}

// SetTheme stores the UI theme.
func (s *Store) SetTheme(theme string) error {
	return s.Update(func(cfg *models.Config) { cfg.Theme = theme })
}

// IsDenied reports whether path is on the deny-list.
func (s *Store) IsDenied(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.cfg.PreviouslyDeleted, filepath.Clean(path))
}

// IsFailed reports whether path is in the negative generation cache.
func (s *Store) IsFailed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.cfg.FailedToGenerate, filepath.Clean(path))
}

// saveLocked writes the config to a temp file and renames it into place. Caller holds mu.
func (s *Store) saveLocked() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s.cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := helpers.WriteFileAtomic(s.path, buf.Bytes()); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	log.Debugf("Configuration saved to %s", s.path)
	return nil
}

func without(list []string, item string) ([]string, bool) {
	idx := slices.Index(list, item)
	if idx < 0 {
		return list, false
	}
	return slices.Delete(list, idx, idx+1), true
}

func clone(cfg models.Config) models.Config {
	cfg.WatchedFolders = slices.Clone(cfg.WatchedFolders)
	cfg.StandaloneFiles = slices.Clone(cfg.StandaloneFiles)
	cfg.PreviouslyDeleted = slices.Clone(cfg.PreviouslyDeleted)
	cfg.FailedToGenerate = slices.Clone(cfg.FailedToGenerate)
	cfg.GeneratorCommand = slices.Clone(cfg.GeneratorCommand)
	return cfg
}
