// Package server is the HTTP surface of the library browser: a thin gin
// adapter over library.Service, the client state tiers and the pipeline.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go-civitai-library/internal/clientstate"
	"go-civitai-library/internal/imagecache"
	"go-civitai-library/internal/library"
	"go-civitai-library/internal/pipeline"

	"github.com/blevesearch/bleve/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Deps are the collaborators the handlers call into. Images and Index may be nil.
type Deps struct {
	Library  *library.Service
	State    *clientstate.Cache
	Pipeline *pipeline.Pipeline
	Images   *imagecache.Processor
	Index    bleve.Index

	// AllowOrigins lists the CORS origins of the gallery front end.
	AllowOrigins []string
}

// Server wraps the router and the listening http.Server.
type Server struct {
	Engine *gin.Engine
}

func NewServer(deps Deps) *Server {
	return &Server{Engine: newRouter(&handlers{Deps: deps})}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:5173",
		}
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	})
}

func newRouter(h *handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsMiddleware(h.AllowOrigins))

	r.GET("/healthcheck", h.healthCheck)
	if h.Images != nil {
		r.Static("/images", h.Images.Dir())
	}

	api := r.Group("/api")
	{
		// Library
		api.GET("/models", h.listModels)
		api.POST("/refresh-cache", h.refreshCache)
		api.POST("/resolve-resources", h.resolveResources)
		api.POST("/deleted/add", h.addDeleted)
		api.POST("/deleted/remove", h.removeDeleted)
		api.POST("/folders/add", h.addFolder)
		api.POST("/folders/remove", h.removeFolder)
		api.POST("/files/add", h.addFiles)

		// Config
		api.GET("/config", h.getConfig)
		api.POST("/config", h.saveConfig)
		api.POST("/theme", h.setTheme)

		// Images
		api.GET("/image", h.image)
		api.GET("/check-image", h.checkImage)

		// Favorites
		api.GET("/favorites", h.listFavorites)
		api.POST("/favorites/toggle", h.toggleFavorite)

		// View state
		api.POST("/view", h.view)
		api.GET("/view/state", h.viewState)
		api.POST("/view/snapshot", h.saveSnapshot)
		api.GET("/view/restore", h.restoreSnapshot)

		// Search
		api.GET("/search", h.search)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
