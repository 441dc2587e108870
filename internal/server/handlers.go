package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go-civitai-library/index"
	"go-civitai-library/internal/clientstate"
	"go-civitai-library/internal/config"
	"go-civitai-library/internal/imagecache"
	"go-civitai-library/internal/library"
	"go-civitai-library/internal/models"
	"go-civitai-library/internal/pipeline"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const suggestionLimit = 5

type handlers struct {
	Deps
}

type pathsRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

type pathRequest struct {
	Path string `json:"path" binding:"required"`
}

type hashesRequest struct {
	Hashes []string `json:"hashes" binding:"required"`
}

type themeRequest struct {
	Theme string `json:"theme" binding:"required"`
}

type toggleRequest struct {
	ModelKey string `json:"modelKey" binding:"required"`
}

type viewRequest struct {
	Session  string                 `json:"session"`
	State    models.ClientViewState `json:"state"`
	PageSize int                    `json:"pageSize"`
}

type viewResponse struct {
	pipeline.Page
	Session     string                     `json:"session,omitempty"`
	BaseModels  []pipeline.BaseModelOption `json:"baseModels"`
	Suggestions []string                   `json:"suggestions,omitempty"`
}

type searchHit struct {
	index.Item
	Score float64 `json:"score"`
}

func (h *handlers) healthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /api/models
func (h *handlers) listModels(c *gin.Context) {
	session := c.Query("session")
	if session != "" && c.Query("returning") == "true" {
		if snap, ok := h.State.Snapshots.Restore(session); ok {
			RespondOK(c, gin.H{
				"records":             snap.Records,
				"cached":              true,
				"restored":            true,
				"state":               snap.State,
				"scrollPosition":      snap.ScrollPosition,
				"skipImageProcessing": snap.SkipImageProcessing,
			})
			return
		}
	}

	resp, err := h.Library.ModelList(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "model_list_failed", err)
		return
	}
	h.Pipeline.Reinitialize(resp.Records)
	if h.Images != nil {
		h.Images.Enqueue(resp.Records)
	}
	RespondOK(c, resp)
}

// POST /api/refresh-cache
func (h *handlers) refreshCache(c *gin.Context) {
	resp, err := h.Library.Refresh(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "refresh_failed", err)
		return
	}
	h.Pipeline.Reinitialize(resp.Records)
	RespondOK(c, resp)
}

// POST /api/resolve-resources
func (h *handlers) resolveResources(c *gin.Context) {
	var req hashesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	RespondOK(c, gin.H{"resources": h.Library.ResolveResources(c.Request.Context(), req.Hashes)})
}

// POST /api/deleted/add
func (h *handlers) addDeleted(c *gin.Context) {
	var req pathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.Library.AddToDeleted(req.Paths); err != nil {
		RespondError(c, http.StatusInternalServerError, "deleted_add_failed", err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}

// POST /api/deleted/remove
func (h *handlers) removeDeleted(c *gin.Context) {
	var req pathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.Library.RemoveFromDeleted(req.Paths); err != nil {
		RespondError(c, http.StatusInternalServerError, "deleted_remove_failed", err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}

// POST /api/folders/add
func (h *handlers) addFolder(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	err := h.Library.AddWatchedFolder(req.Path)
	switch {
	case errors.Is(err, library.ErrFileNotFound):
		RespondError(c, http.StatusNotFound, "folder_not_found", err)
	case errors.Is(err, config.ErrAlreadyPresent):
		RespondError(c, http.StatusConflict, "already_present", err)
	case err != nil:
		RespondError(c, http.StatusInternalServerError, "folder_add_failed", err)
	default:
		RespondOK(c, models.ItemResult{Path: req.Path, OK: true})
	}
}

// POST /api/folders/remove
func (h *handlers) removeFolder(c *gin.Context) {
	var req pathRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	removed, err := h.Library.RemoveWatchedFolder(req.Path)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "folder_remove_failed", err)
		return
	}
	RespondOK(c, gin.H{"removed": removed})
}

// POST /api/files/add
func (h *handlers) addFiles(c *gin.Context) {
	var req pathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	RespondOK(c, gin.H{"results": h.Library.AddStandaloneFiles(req.Paths)})
}

// GET /api/config
func (h *handlers) getConfig(c *gin.Context) {
	cfg := h.Library.Config().Get()
	cfg.ApiKey = ""
	RespondOK(c, cfg)
}

// POST /api/config
func (h *handlers) saveConfig(c *gin.Context) {
	var next models.Config
	if err := c.ShouldBindJSON(&next); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	store := h.Library.Config()
	if next.ApiKey == "" {
		// GET never returns the key, so an empty key means "unchanged".
		next.ApiKey = store.Get().ApiKey
	}
	if err := store.Replace(next); err != nil {
		RespondError(c, http.StatusInternalServerError, "config_save_failed", err)
		return
	}
	h.Library.Scanner().TriggerScan()
	h.getConfig(c)
}

// POST /api/theme
func (h *handlers) setTheme(c *gin.Context) {
	var req themeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.Library.Config().SetTheme(req.Theme); err != nil {
		RespondError(c, http.StatusInternalServerError, "theme_save_failed", err)
		return
	}
	RespondOK(c, gin.H{"theme": req.Theme})
}

// GET /api/image?url=
func (h *handlers) image(c *gin.Context) {
	if h.Images == nil {
		RespondError(c, http.StatusServiceUnavailable, "images_disabled", errors.New("image cache is disabled"))
		return
	}
	u := c.Query("url")
	path, err := h.Images.CacheOne(c.Request.Context(), u)
	switch {
	case errors.Is(err, imagecache.ErrSkipped):
		RespondError(c, http.StatusBadRequest, "not_cacheable", err)
	case err != nil:
		RespondError(c, http.StatusBadGateway, "image_fetch_failed", err)
	default:
		c.File(path)
	}
}

// GET /api/check-image?path=
func (h *handlers) checkImage(c *gin.Context) {
	path := c.Query("path")
	if err := library.CheckFile(path); err != nil {
		RespondError(c, http.StatusNotFound, "file_not_found", err)
		return
	}
	RespondOK(c, gin.H{"path": path, "exists": true})
}

// favorites waits for the initial favorites load (or its timeout) so a request
// arriving during startup does not see an empty set.
func (h *handlers) favorites(c *gin.Context) *clientstate.Favorites {
	h.State.Favorites.WaitReady(c.Request.Context())
	return h.State.Favorites
}

// GET /api/favorites
func (h *handlers) listFavorites(c *gin.Context) {
	RespondOK(c, gin.H{"favorites": h.favorites(c).List()})
}

// POST /api/favorites/toggle
func (h *handlers) toggleFavorite(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	on := h.favorites(c).Toggle(req.ModelKey)
	RespondOK(c, gin.H{"modelKey": req.ModelKey, "favorite": on})
}

// POST /api/view runs the filter-sort-paginate pipeline over the cached list.
func (h *handlers) view(c *gin.Context) {
	var req viewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = h.Library.Config().Get().PageSize
	}

	records, _ := h.Library.Cache().Get()
	q := pipeline.QueryFromState(req.State, pageSize)
	display := h.Pipeline.Apply(records, q, h.favorites(c).Set())
	page := pipeline.Paginate(display, q.Page, q.PageSize)

	resp := viewResponse{Page: page, Session: req.Session, BaseModels: h.Pipeline.BaseModels()}
	if page.Total == 0 && strings.TrimSpace(q.SearchTerm) != "" {
		resp.Suggestions = pipeline.Suggest(records, q.SearchTerm, suggestionLimit)
	}

	state := req.State
	state.CurrentPage = page.Page
	if err := h.State.SaveView(req.Session, state); err != nil {
		log.WithError(err).WithField("session", req.Session).Warn("Failed to save view state")
	}
	RespondOK(c, resp)
}

// GET /api/view/state?session=
func (h *handlers) viewState(c *gin.Context) {
	session := c.Query("session")
	state, ok, err := h.State.LoadView(session)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "view_state_failed", err)
		return
	}
	if !ok {
		RespondError(c, http.StatusNotFound, "view_state_not_found", errors.New("no view state for session"))
		return
	}
	RespondOK(c, gin.H{"session": session, "state": state})
}

// POST /api/view/snapshot
func (h *handlers) saveSnapshot(c *gin.Context) {
	var snap clientstate.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	RespondOK(c, gin.H{"session": h.State.Snapshots.Save(snap)})
}

// GET /api/view/restore?session=
func (h *handlers) restoreSnapshot(c *gin.Context) {
	snap, ok := h.State.Snapshots.Restore(c.Query("session"))
	if !ok {
		RespondError(c, http.StatusNotFound, "snapshot_expired", errors.New("no snapshot for session"))
		return
	}
	RespondOK(c, snap)
}

// GET /api/search?q=&limit=
func (h *handlers) search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("missing query parameter q"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	hits := []searchHit{}
	if h.Index != nil {
		res, err := index.SearchIndex(h.Index, q, limit)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "search_failed", err)
			return
		}
		for _, hit := range res.Hits {
			hits = append(hits, searchHit{Item: index.HitItem(hit.ID, hit.Fields), Score: hit.Score})
		}
	}

	records, _ := h.Library.Cache().Get()
	RespondOK(c, gin.H{
		"hits":        hits,
		"suggestions": pipeline.Suggest(records, q, suggestionLimit),
	})
}
