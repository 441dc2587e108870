package index

import (
	"path/filepath"
	"testing"

	"go-civitai-library/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecords() []models.ModelRecord {
	return []models.ModelRecord{
		{
			ModelKey:      "4384_128713",
			SourcePath:    "/models/dreamshaper_8.safetensors",
			FileName:      "dreamshaper_8.safetensors",
			FileSizeBytes: 2 << 30,
			Metadata: &models.CatalogInfo{
				ModelID: 4384, VersionID: 128713,
				Name: "DreamShaper", VersionName: "8", Type: "Checkpoint",
				Creator: "Lykon", BaseModel: "SD 1.5",
				Tags:  []string{"anime", "landscape"},
				Stats: models.Stats{DownloadCount: 1000, Rating: 4.9},
			},
		},
		{
			ModelKey:   "local_detail_tweaker.safetensors",
			SourcePath: "/models/lora/detail_tweaker.safetensors",
			FileName:   "detail_tweaker.safetensors",
		},
	}
}

func tempIndexPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "library.bleve")
}

func TestItemFromRecord(t *testing.T) {
	recs := sampleRecords()

	item := ItemFromRecord(recs[0])
	assert.Equal(t, "4384_128713", item.ID)
	assert.Equal(t, "DreamShaper", item.Name)
	assert.Equal(t, "Lykon", item.CreatorName)
	assert.Equal(t, "/models", item.DirectoryPath)
	assert.True(t, item.HasMetadata)
	assert.Equal(t, float64(1000), item.DownloadCount)
	assert.Equal(t, "DreamShaper (8) [SD 1.5] by Lykon", item.Summary())

	bare := ItemFromRecord(recs[1])
	assert.Equal(t, "detail_tweaker", bare.Name)
	assert.False(t, bare.HasMetadata)
	assert.Empty(t, bare.CreatorName)
}

func TestSyncRecordsAndSearch(t *testing.T) {
	path := tempIndexPath(t)
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	indexed, removed, err := SyncRecords(idx, sampleRecords())
	require.NoError(t, err)
	assert.Equal(t, 2, indexed)
	assert.Equal(t, 0, removed)

	res, err := SearchIndex(idx, "+creatorName:lykon", 10)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "4384_128713", res.Hits[0].ID)
	assert.Equal(t, "DreamShaper", HitItem(res.Hits[0].ID, res.Hits[0].Fields).Name)

	res, err = SearchIndex(idx, "detail_tweaker", 10)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "local_detail_tweaker.safetensors", res.Hits[0].ID)

	// Dropping a record from the library removes it from the index.
	indexed, removed, err = SyncRecords(idx, sampleRecords()[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)
	assert.Equal(t, 1, removed)
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestSetTorrentSurvivesResync(t *testing.T) {
	path := tempIndexPath(t)
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	_, _, err = SyncRecords(idx, sampleRecords())
	require.NoError(t, err)
	require.NoError(t, SetTorrent(idx, "4384_128713", "/torrents/dreamshaper.torrent", "magnet:?xt=urn:btih:abc"))
	assert.Error(t, SetTorrent(idx, "missing", "x", "y"))

	_, _, err = SyncRecords(idx, sampleRecords())
	require.NoError(t, err)

	res, err := SearchIndex(idx, "+creatorName:lykon", 10)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	item := HitItem(res.Hits[0].ID, res.Hits[0].Fields)
	assert.Equal(t, "/torrents/dreamshaper.torrent", item.TorrentPath)
	assert.Equal(t, "magnet:?xt=urn:btih:abc", item.MagnetLink)
	assert.Equal(t, []string{"anime", "landscape"}, item.Tags)
}

func TestReopenAndDeleteIndex(t *testing.T) {
	path := tempIndexPath(t)
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	_, _, err = SyncRecords(idx, sampleRecords())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	idx, err = OpenOrCreateIndex(path)
	require.NoError(t, err)
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
	require.NoError(t, idx.Close())

	require.NoError(t, DeleteIndex(path))
	assert.NoDirExists(t, path)
	assert.NoError(t, DeleteIndex(path), "deleting a missing index is a no-op")
}
