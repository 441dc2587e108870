package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go-civitai-library/index"
	"go-civitai-library/internal/clientstate"
	"go-civitai-library/internal/downloader"
	"go-civitai-library/internal/imagecache"
	"go-civitai-library/internal/models"
	"go-civitai-library/internal/pipeline"
	"go-civitai-library/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the library gallery API over HTTP",
	Long: `Starts the HTTP API used by the gallery front end. The model list is served
from cache immediately and refreshed in the background when folders change.
Preview images are cached locally by a pool of workers.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Address to listen on")
	serveCmd.Flags().Bool("no-images", false, "Do not cache preview images locally")
	serveCmd.Flags().Bool("no-index", false, "Do not maintain the full-text search index")
	serveCmd.Flags().StringSlice("allow-origin", nil, "CORS origin allowed to call the API (repeatable)")

	viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	viper.BindPFlag("serve.no_images", serveCmd.Flags().Lookup("no-images"))
	viper.BindPFlag("serve.no_index", serveCmd.Flags().Lookup("no-index"))
	viper.BindPFlag("serve.allow_origins", serveCmd.Flags().Lookup("allow-origin"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := globalStore.Get()
	svc := newService()

	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()

	favorites := startFavorites(db)
	defer func() {
		if err := favorites.Flush(); err != nil {
			log.WithError(err).Error("Failed to save favorites on shutdown")
		}
	}()
	state := clientstate.New(favorites, clientstate.NewSnapshotStore(clientstate.DefaultSnapshotTTL), db)
	pipe := pipeline.New()

	deps := server.Deps{
		Library:      svc,
		State:        state,
		Pipeline:     pipe,
		AllowOrigins: viper.GetStringSlice("serve.allow_origins"),
	}

	if !viper.GetBool("serve.no_index") {
		idx, err := index.OpenOrCreateIndex(dataPath(indexDir))
		if err != nil {
			log.WithError(err).Warn("Search index unavailable")
		} else {
			defer idx.Close()
			deps.Index = idx
		}
	}

	if !viper.GetBool("serve.no_images") {
		fetch := downloader.NewDownloader(newHTTPClient(), cfg.ApiKey)
		images := imagecache.New(dataPath(imagesDir), fetch, svc.Cache(), imagecache.Options{
			Concurrency: cfg.ImageConcurrency,
		})
		images.Start(ctx)
		defer images.Stop()
		deps.Images = images
	}

	svc.OnScanComplete(func(records []models.ModelRecord) {
		pipe.Reinitialize(records)
		if deps.Index != nil {
			if _, removed, err := index.SyncRecords(deps.Index, records); err != nil {
				log.WithError(err).Warn("Failed to update search index")
			} else if removed > 0 {
				log.Infof("Removed %d stale entries from the search index", removed)
			}
		}
		if deps.Images != nil {
			deps.Images.Enqueue(records)
		}
	})

	srv := server.NewServer(deps)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx, viper.GetString("serve.addr"))
	})

	// Warm the model list so the first request is served from cache.
	g.Go(func() error {
		resp, err := svc.ModelList(gctx)
		if err != nil {
			log.WithError(err).Warn("Initial library scan failed")
			return nil
		}
		pipe.Reinitialize(resp.Records)
		if deps.Images != nil && resp.Cached {
			deps.Images.Enqueue(resp.Records)
		}
		log.Infof("Library ready: %d models (cached: %t)", len(resp.Records), resp.Cached)
		return nil
	})

	if deps.Images != nil {
		g.Go(func() error {
			logImageProgress(gctx, deps.Images)
			return nil
		})
	}

	err = g.Wait()
	settleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if waitErr := svc.Scanner().Wait(settleCtx); waitErr != nil {
		log.WithError(waitErr).Warn("Background scan still running at shutdown")
	}
	return err
}

func logImageProgress(ctx context.Context, images *imagecache.Processor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-images.Progress():
			if ev.Err != nil {
				continue // the worker already logged it
			}
			if ev.Done%25 == 0 || ev.Done+ev.Failed == ev.Queued {
				log.Infof("Images cached: %d/%d (%d failed)", ev.Done, ev.Queued, ev.Failed)
			}
		}
	}
}
