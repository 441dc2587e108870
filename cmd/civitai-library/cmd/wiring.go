package cmd

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"go-civitai-library/internal/api"
	"go-civitai-library/internal/clientstate"
	"go-civitai-library/internal/database"
	"go-civitai-library/internal/generator"
	"go-civitai-library/internal/library"
)

// Layout under data_dir, next to the caches owned by library.Service.
const (
	stateDBDir          = "state.db"
	favoritesMirrorFile = "favorites-mirror.json"
	indexDir            = "library.bleve"
	imagesDir           = "images"
)

func dataPath(name string) string {
	return filepath.Join(globalStore.Get().DataDir, name)
}

func newHTTPClient() *http.Client {
	cfg := globalStore.Get()
	return &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(cfg.ApiClientTimeoutSec) * time.Second,
	}
}

func newAPIClient() *api.Client {
	return api.NewClient(globalStore.Get().ApiKey, newHTTPClient())
}

// newGenerator returns the configured generator command, or this binary's own
// generate subcommand when none is configured.
func newGenerator() generator.Generator {
	cfg := globalStore.Get()
	if len(cfg.GeneratorCommand) > 0 {
		gen, err := generator.NewExecGenerator(cfg.GeneratorCommand)
		if err == nil {
			return gen
		}
		log.WithError(err).Warn("Invalid generator_command, falling back to built-in generator")
	}
	gen, err := generator.NewSelfGenerator("--config", globalStore.Path(), "--log-level", "warn")
	if err != nil {
		log.WithError(err).Warn("Metadata generation disabled")
		return nil
	}
	return gen
}

func newService() *library.Service {
	return library.NewService(globalStore, newGenerator(), newAPIClient())
}

func openStateDB() (*database.DB, error) {
	path := dataPath(stateDBDir)
	db, err := database.Open(path)
	if err != nil {
		log.WithError(err).Errorf("Error opening database at %s", path)
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return db, nil
}

// startFavorites begins loading favorites from db in the background.
func startFavorites(db *database.DB) *clientstate.Favorites {
	fav := clientstate.NewFavorites(dataPath(favoritesMirrorFile), db, clientstate.FavoritesOptions{})
	fav.Start()
	return fav
}
