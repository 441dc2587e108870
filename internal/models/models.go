package models

import (
	"path/filepath"
	"strings"
	"time"
)

type (
	Config struct {
		// Connection/Auth
		ApiKey string `toml:"api_key" json:"apiKey,omitempty"`

		// Library sources
		WatchedFolders    []string `toml:"watched_folders" json:"watchedFolders"`
		StandaloneFiles   []string `toml:"standalone_files" json:"standaloneFiles"`
		PreviouslyDeleted []string `toml:"previously_deleted" json:"previouslyDeleted"`
		FailedToGenerate  []string `toml:"failed_to_generate" json:"failedToGenerate"`

		// Metadata generation
		MetadataOutputDir    string   `toml:"metadata_output_dir" json:"metadataOutputDir"`
		AutoGenerateMetadata bool     `toml:"auto_generate_metadata" json:"autoGenerateMetadata"`
		GeneratorCommand     []string `toml:"generator_command" json:"generatorCommand,omitempty"`

		// Paths
		DataDir string `toml:"data_dir" json:"dataDir"`

		// UI
		Theme    string `toml:"theme" json:"theme"`
		PageSize int    `toml:"page_size" json:"pageSize"`

		// Worker/API behaviour
		ImageConcurrency    int  `toml:"image_concurrency" json:"imageConcurrency"`
		ApiDelayMs          int  `toml:"api_delay_ms" json:"apiDelayMs"`
		ApiClientTimeoutSec int  `toml:"api_client_timeout_sec" json:"apiClientTimeoutSec"`
		LogApiRequests      bool `toml:"log_api_requests" json:"logApiRequests"`
	}

	Model struct {
		ID                    int            `json:"id"`
		Name                  string         `json:"name"`
		Description           string         `json:"description"`
		Type                  string         `json:"type"`
		Poi                   bool           `json:"poi"`
		Nsfw                  bool           `json:"nsfw"`
		AllowNoCredit         bool           `json:"allowNoCredit"`
		AllowCommercialUse    []string       `json:"allowCommercialUse"`
		AllowDerivatives      bool           `json:"allowDerivatives"`
		AllowDifferentLicense bool           `json:"allowDifferentLicense"`
		Stats                 Stats          `json:"stats"`
		Creator               Creator        `json:"creator"`
		Tags                  []string       `json:"tags"`
		ModelVersions         []ModelVersion `json:"modelVersions"`
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// BaseModelInfo is the nested 'model' object of a /model-versions response.
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
		Poi  bool   `json:"poi"`
		Mode string `json:"mode"` // Can be null, "Archived", "TakenDown"
	}

	ModelVersion struct {
		ID           int           `json:"id"`
		ModelId      int           `json:"modelId"`
		Name         string        `json:"name"`
		PublishedAt  string        `json:"publishedAt"`
		UpdatedAt    string        `json:"updatedAt"`
		TrainedWords []string      `json:"trainedWords"`
		BaseModel    string        `json:"baseModel"`
		Description  string        `json:"description"`
		Stats        Stats         `json:"stats"`
		Files        []File        `json:"files"`
		Images       []ModelImage  `json:"images"`
		DownloadUrl  string        `json:"downloadUrl"`
		Model        BaseModelInfo `json:"model"`
	}

	File struct {
		Name        string   `json:"name"`
		ID          int      `json:"id"`
		SizeKB      float64  `json:"sizeKB"`
		Type        string   `json:"type"`
		Metadata    Metadata `json:"metadata"`
		Hashes      Hashes   `json:"hashes"`
		DownloadUrl string   `json:"downloadUrl"`
		Primary     bool     `json:"primary"`
	}

	Metadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	ModelImage struct {
		ID        int                    `json:"id"`
		URL       string                 `json:"url"`
		Hash      string                 `json:"hash"` // Blurhash
		Type      string                 `json:"type"` // "image" or "video"
		Width     int                    `json:"width"`
		Height    int                    `json:"height"`
		Nsfw      bool                   `json:"nsfw"`
		NsfwLevel interface{}            `json:"nsfwLevel"` // number OR string depending on endpoint
		Meta      map[string]interface{} `json:"meta"`
	}

	// MetadataDocument is the on-disk document written by the generator.
	MetadataDocument struct {
		ModelVersion *ModelVersion `json:"modelVersion,omitempty"`
		Model        *Model        `json:"model,omitempty"`
	}

	// --- Library structures ---

	// ImageResource is a preview image attached to a catalog entry.
	// OriginalURL is the permanent re-fetch key, URL the locally derived copy once cached.
	ImageResource struct {
		OriginalURL string                 `json:"originalUrl"`
		URL         string                 `json:"url"`
		Type        string                 `json:"type,omitempty"`
		Width       int                    `json:"width,omitempty"`
		Height      int                    `json:"height,omitempty"`
		Nsfw        bool                   `json:"nsfw,omitempty"`
		Meta        map[string]interface{} `json:"meta,omitempty"`
	}

	// CatalogInfo is the normalised catalog metadata for one model file.
	CatalogInfo struct {
		ModelID      int             `json:"modelId,omitempty"`
		VersionID    int             `json:"versionId,omitempty"`
		Name         string          `json:"name"`
		VersionName  string          `json:"versionName,omitempty"`
		Type         string          `json:"type,omitempty"`
		Creator      string          `json:"creator,omitempty"`
		BaseModel    string          `json:"baseModel,omitempty"`
		Description  string          `json:"description,omitempty"`
		Nsfw         bool            `json:"nsfw,omitempty"`
		Tags         []string        `json:"tags,omitempty"`
		TrainedWords []string        `json:"trainedWords,omitempty"`
		Stats        Stats           `json:"stats"`
		Files        []File          `json:"files,omitempty"`
		Images       []ImageResource `json:"images,omitempty"`
	}

	// ModelRecord is one model file known to the library.
	ModelRecord struct {
		ModelKey        string       `json:"modelKey"`
		SourcePath      string       `json:"sourcePath"`
		SafetensorsPath string       `json:"safetensorsPath"`
		FileName        string       `json:"fileName"`
		MetadataPath    string       `json:"metadataPath,omitempty"`
		FileSizeBytes   int64        `json:"fileSizeBytes"`
		Metadata        *CatalogInfo `json:"metadata,omitempty"`
		MetadataFailed  bool         `json:"metadataFailed,omitempty"`
		FailureReason   string       `json:"failureReason,omitempty"`
	}

	// ResourceInfo is the resolved identity of a resource hash.
	ResourceInfo struct {
		Name           string `json:"name"`
		Type           string `json:"type"`
		VersionName    string `json:"versionName,omitempty"`
		ModelID        *int   `json:"modelId"`
		ModelVersionID int    `json:"modelVersionId,omitempty"`
	}

	// Filters are the gallery filter controls, combined with AND.
	Filters struct {
		Creator       string `json:"creator,omitempty"`
		BaseModel     string `json:"baseModel,omitempty"`
		ModelType     string `json:"modelType,omitempty"`
		FavoritesOnly bool   `json:"favoritesOnly,omitempty"`
	}

	// ClientViewState is what the gallery needs to redraw itself exactly.
	ClientViewState struct {
		SearchTerm  string  `json:"searchTerm"`
		Filters     Filters `json:"filters"`
		SortKey     string  `json:"sortKey"`
		CurrentPage int     `json:"currentPage"`
		ViewMode    string  `json:"viewMode,omitempty"`
	}

	// ItemResult reports the outcome of one item in a multi-item request.
	ItemResult struct {
		Path   string `json:"path"`
		OK     bool   `json:"ok"`
		Reason string `json:"reason,omitempty"`
	}

	ModelListResponse struct {
		Records    []ModelRecord `json:"records"`
		Cached     bool          `json:"cached"`
		LastUpdate time.Time     `json:"lastUpdate"`
	}
)

// Fallback values cached for hashes the catalog could not resolve.
const (
	UnknownModelName = "Unknown Model"
	UnknownModelType = "Unknown Type"
)

// UnknownResource returns the negative result for an unresolvable hash.
func UnknownResource() ResourceInfo {
	return ResourceInfo{Name: UnknownModelName, Type: UnknownModelType}
}

// IsUnknown reports whether r is the negative fallback entry.
func (r ResourceInfo) IsUnknown() bool {
	return r.ModelID == nil && r.Name == UnknownModelName && r.Type == UnknownModelType
}

// DisplayName is the catalog name when known, otherwise the file name without extension.
func (r ModelRecord) DisplayName() string {
	if r.Metadata != nil && r.Metadata.Name != "" {
		return r.Metadata.Name
	}
	return strings.TrimSuffix(r.FileName, filepath.Ext(r.FileName))
}

// Creator returns the creator username, or "" without metadata.
func (r ModelRecord) Creator() string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.Creator
}

// HasMetadata reports whether catalog metadata was loaded for the record.
func (r ModelRecord) HasMetadata() bool {
	return r.Metadata != nil && !r.MetadataFailed
}
