package library

import (
	"testing"

	"go-civitai-library/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelKey(t *testing.T) {
	tests := []struct {
		name string
		info *models.CatalogInfo
		file string
		want string
	}{
		{"Catalog ids", &models.CatalogInfo{ModelID: 12, VersionID: 345}, "x.safetensors", "12_345"},
		{"Missing version id", &models.CatalogInfo{ModelID: 12}, "x.safetensors", "local_x.safetensors"},
		{"No metadata", nil, "b.safetensors", "local_b.safetensors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ModelKey(tt.info, tt.file))
			assert.Equal(t, tt.want, ModelKey(tt.info, tt.file), "key must be deterministic")
		})
	}
}

func TestNormalizeDocument_GeneratorShape(t *testing.T) {
	raw := []byte(`{
		"modelVersion": {
			"id": 345, "modelId": 12, "name": "v2.0", "baseModel": "SD 1.5",
			"trainedWords": ["sks"],
			"model": {"name": "Version Side Name", "type": "LORA", "nsfw": false},
			"images": [{"url": "https://img/1.jpeg", "type": "image", "width": 512, "height": 768}, {"url": ""}]
		},
		"model": {"id": 12, "name": "Cool LoRA", "type": "LORA", "creator": {"username": "alice"}, "tags": ["style"]}
	}`)

	info, err := normalizeDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, 12, info.ModelID)
	assert.Equal(t, 345, info.VersionID)
	assert.Equal(t, "Cool LoRA", info.Name)
	assert.Equal(t, "v2.0", info.VersionName)
	assert.Equal(t, "LORA", info.Type)
	assert.Equal(t, "alice", info.Creator)
	assert.Equal(t, "SD 1.5", info.BaseModel)
	assert.Equal(t, []string{"sks"}, info.TrainedWords)
	assert.Equal(t, []string{"style"}, info.Tags)
	require.Len(t, info.Images, 1, "images without url are dropped")
	assert.Equal(t, "https://img/1.jpeg", info.Images[0].OriginalURL)
	assert.Equal(t, info.Images[0].OriginalURL, info.Images[0].URL)
}

func TestNormalizeDocument_VersionOnly(t *testing.T) {
	raw := []byte(`{"modelVersion": {"id": 7, "modelId": 3, "name": "v1", "model": {"name": "Solo", "type": "Checkpoint"}}}`)

	info, err := normalizeDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, "Solo", info.Name)
	assert.Equal(t, "Checkpoint", info.Type)
	assert.Empty(t, info.Creator)
}

func TestNormalizeDocument_FlatShapes(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantName      string
		wantBase      string
		wantCreator   string
		wantModelID   int
		wantVersionID int
	}{
		{
			name:     "Trimmed export",
			raw:      `{"name": "B", "trainingDetails": {"baseModel": "SDXL 1.0"}, "creator": "bob"}`,
			wantName: "B", wantBase: "SDXL 1.0", wantCreator: "bob",
		},
		{
			name:        "Bare model-version response",
			raw:         `{"id": 9, "modelId": 4, "name": "v3", "baseModel": "Pony", "model": {"name": "Horse", "type": "LORA"}}`,
			wantName:    "Horse",
			wantBase:    "Pony",
			wantModelID: 4, wantVersionID: 9,
		},
		{
			name:        "Bare model response",
			raw:         `{"id": 4, "name": "Horse", "creator": {"username": "carol"}, "modelVersions": [{"id": 11, "name": "v4", "baseModel": "SDXL 1.0"}, {"id": 9}]}`,
			wantName:    "Horse",
			wantBase:    "SDXL 1.0",
			wantCreator: "carol",
			wantModelID: 4, wantVersionID: 11,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := normalizeDocument([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, info.Name)
			assert.Equal(t, tt.wantBase, info.BaseModel)
			assert.Equal(t, tt.wantCreator, info.Creator)
			assert.Equal(t, tt.wantModelID, info.ModelID)
			assert.Equal(t, tt.wantVersionID, info.VersionID)
		})
	}
}

func TestNormalizeDocument_Invalid(t *testing.T) {
	for _, raw := range []string{"", "null", "{not json", `{"modelVersion": null}`, `[1,2]`} {
		_, err := normalizeDocument([]byte(raw))
		assert.Error(t, err, "document %q", raw)
	}
}

func TestImageHashes(t *testing.T) {
	images := []models.ImageResource{
		{Meta: map[string]interface{}{
			"hashes": map[string]interface{}{"model": "AAA111", "lora:detail": "bbb222"},
		}},
		{Meta: map[string]interface{}{
			"resources": []interface{}{
				map[string]interface{}{"name": "detail", "hash": "BBB222"},
				map[string]interface{}{"name": "vae", "hash": " ccc333 "},
				map[string]interface{}{"name": "nohash"},
			},
		}},
		{Meta: nil},
	}

	assert.Equal(t, []string{"bbb222", "aaa111", "ccc333"}, ImageHashes(images))
}

func TestRecordHashes_Dedup(t *testing.T) {
	img := models.ImageResource{Meta: map[string]interface{}{"hashes": map[string]interface{}{"model": "abc"}}}
	records := []models.ModelRecord{
		{Metadata: &models.CatalogInfo{Images: []models.ImageResource{img}}},
		{Metadata: &models.CatalogInfo{Images: []models.ImageResource{img}}},
		{MetadataFailed: true},
	}
	assert.Equal(t, []string{"abc"}, RecordHashes(records))
}

func TestMergeImageURLs(t *testing.T) {
	prev := &models.CatalogInfo{Images: []models.ImageResource{
		{OriginalURL: "https://img/1.jpeg", URL: "/images/1.jpg"},
		{OriginalURL: "https://img/2.jpeg", URL: "https://img/2.jpeg"},
	}}
	next := &models.CatalogInfo{Images: []models.ImageResource{
		{OriginalURL: "https://img/1.jpeg", URL: "https://img/1.jpeg"},
		{OriginalURL: "https://img/3.jpeg", URL: "https://img/3.jpeg"},
	}}

	mergeImageURLs(next, prev)

	assert.Equal(t, "/images/1.jpg", next.Images[0].URL)
	assert.True(t, IsLocalImage(next.Images[0]))
	assert.Equal(t, "https://img/3.jpeg", next.Images[1].URL)
	assert.False(t, IsLocalImage(next.Images[1]))

	assert.NotPanics(t, func() { mergeImageURLs(nil, prev) })
	assert.NotPanics(t, func() { mergeImageURLs(next, nil) })
}
