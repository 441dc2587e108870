package library

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go-civitai-library/internal/models"
)

// ModelKey identifies a record across rebuilds: catalog ids when known, else the file name.
func ModelKey(info *models.CatalogInfo, fileName string) string {
	if info != nil && info.ModelID > 0 && info.VersionID > 0 {
		return fmt.Sprintf("%d_%d", info.ModelID, info.VersionID)
	}
	return "local_" + fileName
}

// flatDocument covers catalog documents that are not in the {modelVersion, model}
// shape: a bare model-version response, a bare model response, or a trimmed export.
type flatDocument struct {
	ID              int                   `json:"id"`
	ModelID         int                   `json:"modelId"`
	Name            string                `json:"name"`
	Type            string                `json:"type"`
	Description     string                `json:"description"`
	Nsfw            bool                  `json:"nsfw"`
	Creator         json.RawMessage       `json:"creator"`
	BaseModel       string                `json:"baseModel"`
	TrainingDetails struct {
		BaseModel string `json:"baseModel"`
	} `json:"trainingDetails"`
	TrainedWords  []string              `json:"trainedWords"`
	Tags          []string              `json:"tags"`
	Stats         models.Stats          `json:"stats"`
	Files         []models.File         `json:"files"`
	Images        []models.ModelImage   `json:"images"`
	Model         *models.BaseModelInfo `json:"model"`
	ModelVersions []models.ModelVersion `json:"modelVersions"`
}

// normalizeDocument turns any supported metadata document into CatalogInfo.
// All fallback chasing between document shapes happens here and nowhere else.
func normalizeDocument(raw []byte) (*models.CatalogInfo, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("empty metadata document")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid metadata document: %w", err)
	}

	if _, ok := fields["modelVersion"]; ok {
		var doc models.MetadataDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("invalid metadata document: %w", err)
		}
		if doc.ModelVersion == nil {
			return nil, errors.New("metadata document has null modelVersion")
		}
		return fromGeneratorDocument(*doc.ModelVersion, doc.Model), nil
	}

	var flat flatDocument
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("invalid metadata document: %w", err)
	}
	return fromFlatDocument(flat), nil
}

func fromGeneratorDocument(v models.ModelVersion, m *models.Model) *models.CatalogInfo {
	info := &models.CatalogInfo{
		ModelID:      v.ModelId,
		VersionID:    v.ID,
		Name:         firstNonEmpty(v.Model.Name, v.Name),
		VersionName:  v.Name,
		Type:         v.Model.Type,
		BaseModel:    v.BaseModel,
		Description:  v.Description,
		Nsfw:         v.Model.Nsfw,
		TrainedWords: v.TrainedWords,
		Stats:        v.Stats,
		Files:        v.Files,
		Images:       toImageResources(v.Images),
	}
	if m != nil {
		if info.ModelID == 0 {
			info.ModelID = m.ID
		}
		info.Name = firstNonEmpty(m.Name, info.Name)
		info.Type = firstNonEmpty(m.Type, info.Type)
		info.Creator = m.Creator.Username
		info.Description = firstNonEmpty(m.Description, info.Description)
		info.Nsfw = info.Nsfw || m.Nsfw
		info.Tags = m.Tags
		info.Stats = m.Stats
	}
	return info
}

func fromFlatDocument(d flatDocument) *models.CatalogInfo {
	info := &models.CatalogInfo{
		Name:         d.Name,
		Type:         d.Type,
		Creator:      parseCreator(d.Creator),
		BaseModel:    firstNonEmpty(d.TrainingDetails.BaseModel, d.BaseModel),
		Description:  d.Description,
		Nsfw:         d.Nsfw,
		Tags:         d.Tags,
		TrainedWords: d.TrainedWords,
		Stats:        d.Stats,
		Files:        d.Files,
		Images:       toImageResources(d.Images),
	}

	switch {
	case d.Model != nil && d.Model.Name != "":
		// A bare model-version response: name is the version's, model.name the model's.
		info.ModelID = d.ModelID
		info.VersionID = d.ID
		info.Name = d.Model.Name
		info.VersionName = d.Name
		info.Type = firstNonEmpty(d.Model.Type, d.Type)
		info.Nsfw = info.Nsfw || d.Model.Nsfw
	case len(d.ModelVersions) > 0:
		// A bare model response: the first listed version is the latest.
		v := d.ModelVersions[0]
		info.ModelID = d.ID
		info.VersionID = v.ID
		info.VersionName = v.Name
		info.BaseModel = firstNonEmpty(info.BaseModel, v.BaseModel)
		if len(info.TrainedWords) == 0 {
			info.TrainedWords = v.TrainedWords
		}
		if len(info.Files) == 0 {
			info.Files = v.Files
		}
		if len(info.Images) == 0 {
			info.Images = toImageResources(v.Images)
		}
	default:
		info.ModelID = d.ModelID
		if info.ModelID > 0 {
			info.VersionID = d.ID
		}
	}
	return info
}

// parseCreator accepts either "username" or {"username": ...}.
func parseCreator(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var c models.Creator
	if err := json.Unmarshal(raw, &c); err == nil {
		return c.Username
	}
	return ""
}

func toImageResources(images []models.ModelImage) []models.ImageResource {
	if len(images) == 0 {
		return nil
	}
	out := make([]models.ImageResource, 0, len(images))
	for _, img := range images {
		if img.URL == "" {
			continue
		}
		out = append(out, models.ImageResource{
			OriginalURL: img.URL,
			URL:         img.URL,
			Type:        img.Type,
			Width:       img.Width,
			Height:      img.Height,
			Nsfw:        img.Nsfw,
			Meta:        img.Meta,
		})
	}
	return out
}

// IsLocalImage reports whether the image has been replaced by a locally cached copy.
func IsLocalImage(img models.ImageResource) bool {
	return img.URL != "" && img.URL != img.OriginalURL
}

// mergeImageURLs carries locally cached image URLs over from the previous record
// when the image's originalUrl is unchanged.
func mergeImageURLs(next *models.CatalogInfo, prev *models.CatalogInfo) {
	if next == nil || prev == nil {
		return
	}
	local := make(map[string]string, len(prev.Images))
	for _, img := range prev.Images {
		if IsLocalImage(img) {
			local[img.OriginalURL] = img.URL
		}
	}
	for i := range next.Images {
		if u, ok := local[next.Images[i].OriginalURL]; ok {
			next.Images[i].URL = u
		}
	}
}

// ImageHashes lists the resource hashes referenced by image generation metadata,
// from meta.hashes values and meta.resources[].hash, in first-seen order.
func ImageHashes(images []models.ImageResource) []string {
	seen := map[string]bool{}
	var out []string
	add := func(v interface{}) {
		h, ok := v.(string)
		h = strings.ToLower(strings.TrimSpace(h))
		if !ok || h == "" || seen[h] {
			return
		}
		seen[h] = true
		out = append(out, h)
	}

	for _, img := range images {
		if img.Meta == nil {
			continue
		}
		if hashes, ok := img.Meta["hashes"].(map[string]interface{}); ok {
			keys := make([]string, 0, len(hashes))
			for k := range hashes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				add(hashes[k])
			}
		}
		if resources, ok := img.Meta["resources"].([]interface{}); ok {
			for _, r := range resources {
				if m, ok := r.(map[string]interface{}); ok {
					add(m["hash"])
				}
			}
		}
	}
	return out
}

// RecordHashes collects ImageHashes across many records.
func RecordHashes(records []models.ModelRecord) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range records {
		if r.Metadata == nil {
			continue
		}
		for _, h := range ImageHashes(r.Metadata.Images) {
			if !seen[h] {
				seen[h] = true
				out = append(out, h)
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
