package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-civitai-library/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "library.bleve"

// Item is one library record as stored in the full-text index.
// By default, all fields defined here are indexed and searchable using their
// lowercase JSON tag names (e.g., query '+creatorName:someuser' or '+tags:tagname').
type Item struct {
	ID            string   `json:"id"`                      // modelKey of the record
	Type          string   `json:"type"`                    // Catalog model type (Checkpoint, LORA...), empty without metadata
	Name          string   `json:"name"`                    // Display name
	FileName      string   `json:"fileName"`                // Weight file name
	Description   string   `json:"description,omitempty"`   // Model description
	FilePath      string   `json:"filePath"`                // Path of the weight file
	DirectoryPath string   `json:"directoryPath,omitempty"` // Directory containing the file
	VersionName   string   `json:"versionName,omitempty"`   // Name of the model version
	BaseModel     string   `json:"baseModel,omitempty"`     // Base model (e.g., SDXL 1.0)
	CreatorName   string   `json:"creatorName,omitempty"`   // Username of the creator
	Tags          []string `json:"tags,omitempty"`          // Associated tags
	TrainedWords  []string `json:"trainedWords,omitempty"`  // Trigger words
	HasMetadata   bool     `json:"hasMetadata"`

	ModelID       float64 `json:"modelId,omitempty"`
	VersionID     float64 `json:"versionId,omitempty"`
	DownloadCount float64 `json:"downloadCount,omitempty"`
	Rating        float64 `json:"rating,omitempty"`
	FileSizeBytes float64 `json:"fileSizeBytes,omitempty"`

	// Torrent Information (populated by the 'torrent' command)
	TorrentPath string `json:"torrentPath,omitempty"` // Path to the generated .torrent file
	MagnetLink  string `json:"magnetLink,omitempty"`  // Magnet link for the torrent
}

// ItemFromRecord flattens a library record into an index item.
func ItemFromRecord(r models.ModelRecord) Item {
	item := Item{
		ID:            r.ModelKey,
		Name:          r.DisplayName(),
		FileName:      r.FileName,
		FilePath:      r.SourcePath,
		DirectoryPath: filepath.Dir(r.SourcePath),
		HasMetadata:   r.HasMetadata(),
		FileSizeBytes: float64(r.FileSizeBytes),
	}
	if m := r.Metadata; m != nil {
		item.Type = m.Type
		item.Description = m.Description
		item.VersionName = m.VersionName
		item.BaseModel = m.BaseModel
		item.CreatorName = m.Creator
		item.Tags = m.Tags
		item.TrainedWords = m.TrainedWords
		item.ModelID = float64(m.ModelID)
		item.VersionID = float64(m.VersionID)
		item.DownloadCount = float64(m.Stats.DownloadCount)
		item.Rating = m.Stats.Rating
	}
	return item
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err // Other error opening index
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// SyncRecords makes the index mirror records: every record is (re)indexed and
// documents whose key is no longer present are deleted, in one batch.
// Torrent fields already stored for a record are carried over.
func SyncRecords(index bleve.Index, records []models.ModelRecord) (indexed, removed int, err error) {
	keep := make(map[string]bool, len(records))
	batch := index.NewBatch()
	for _, r := range records {
		item := ItemFromRecord(r)
		if prev, ok := storedTorrent(index, item.ID); ok {
			item.TorrentPath, item.MagnetLink = prev.TorrentPath, prev.MagnetLink
		}
		if err := batch.Index(item.ID, item); err != nil {
			return 0, 0, fmt.Errorf("indexing %s: %w", item.ID, err)
		}
		keep[item.ID] = true
	}

	ids, err := allIDs(index)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		if !keep[id] {
			batch.Delete(id)
			removed++
		}
	}
	if err := index.Batch(batch); err != nil {
		return 0, 0, fmt.Errorf("applying index batch: %w", err)
	}
	log.Debugf("Index synced: %d records, %d removed", len(records), removed)
	return len(records), removed, nil
}

// SetTorrent records torrent details on an already indexed item.
func SetTorrent(index bleve.Index, id, torrentPath, magnet string) error {
	res, err := searchIDs(index, []string{id})
	if err != nil {
		return err
	}
	if len(res.Hits) == 0 {
		return fmt.Errorf("item %s is not indexed", id)
	}
	item := itemFromFields(id, res.Hits[0].Fields)
	item.TorrentPath, item.MagnetLink = torrentPath, magnet
	return IndexItem(index, item)
}

// SearchIndex performs a query-string search against the index.
func SearchIndex(index bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	if size <= 0 {
		size = 10
	}
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequestOptions(searchQuery, size, 0, false)
	searchRequest.Fields = []string{"*"} // Request all stored fields
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, err
	}
	return searchResults, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Infof("Attempting to delete index at: %s", indexPath)
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(indexPath)
}

func storedTorrent(index bleve.Index, id string) (Item, bool) {
	res, err := searchIDs(index, []string{id})
	if err != nil || len(res.Hits) == 0 {
		return Item{}, false
	}
	item := itemFromFields(id, res.Hits[0].Fields)
	return item, item.TorrentPath != "" || item.MagnetLink != ""
}

func searchIDs(index bleve.Index, ids []string) (*bleve.SearchResult, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery(ids), len(ids), 0, false)
	req.Fields = []string{"*"}
	return index.Search(req)
}

func allIDs(index bleve.Index) ([]string, error) {
	count, err := index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("counting index documents: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("listing index documents: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// itemFromFields rebuilds an Item from the stored fields of a search hit.
func itemFromFields(id string, fields map[string]interface{}) Item {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	num := func(k string) float64 {
		f, _ := fields[k].(float64)
		return f
	}
	list := func(k string) []string {
		switch v := fields[k].(type) {
		case string:
			return []string{v}
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, e := range v {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
		return nil
	}
	hasMeta, _ := fields["hasMetadata"].(bool)
	return Item{
		ID:            id,
		Type:          str("type"),
		Name:          str("name"),
		FileName:      str("fileName"),
		Description:   str("description"),
		FilePath:      str("filePath"),
		DirectoryPath: str("directoryPath"),
		VersionName:   str("versionName"),
		BaseModel:     str("baseModel"),
		CreatorName:   str("creatorName"),
		Tags:          list("tags"),
		TrainedWords:  list("trainedWords"),
		HasMetadata:   hasMeta,
		ModelID:       num("modelId"),
		VersionID:     num("versionId"),
		DownloadCount: num("downloadCount"),
		Rating:        num("rating"),
		FileSizeBytes: num("fileSizeBytes"),
		TorrentPath:   str("torrentPath"),
		MagnetLink:    str("magnetLink"),
	}
}

// HitItem converts a search hit (requested with Fields "*") back into an Item.
func HitItem(id string, fields map[string]interface{}) Item {
	return itemFromFields(id, fields)
}

// Summary renders a one-line description of an item for CLI output.
func (i Item) Summary() string {
	parts := []string{i.Name}
	if i.VersionName != "" {
		parts = append(parts, "("+i.VersionName+")")
	}
	if i.BaseModel != "" {
		parts = append(parts, "["+i.BaseModel+"]")
	}
	if i.CreatorName != "" {
		parts = append(parts, "by "+i.CreatorName)
	}
	return strings.Join(parts, " ")
}
