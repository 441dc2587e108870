// Package pipeline turns the model list into the gallery's display list:
// search, then filters, then sort, then pagination. Everything here is pure
// except the base-model canonical map, which lives in a Pipeline value.
package pipeline

import (
	"math"
	"sort"
	"strings"
	"sync"

	"go-civitai-library/internal/models"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Sort keys.
const (
	SortName      = "name"
	SortNameDesc  = "name-desc"
	SortType      = "type"
	SortBaseModel = "base-model"
	SortSize      = "size"
	SortDownloads = "downloads"
)

const (
	DefaultPageSize = 24
	unknownPriority = 999
)

var typePriority = map[string]int{
	"checkpoint":       1,
	"lora":             2,
	"locon":            3,
	"embedding":        4,
	"textualinversion": 4,
	"hypernetwork":     5,
	"vae":              6,
}

// TypePriority orders model types for the type sort. Unknown types sort last.
func TypePriority(modelType string) int {
	if p, ok := typePriority[strings.ToLower(strings.TrimSpace(modelType))]; ok {
		return p
	}
	return unknownPriority
}

// Query is one pipeline invocation.
type Query struct {
	SearchTerm string         `json:"searchTerm"`
	Filters    models.Filters `json:"filters"`
	SortKey    string         `json:"sortKey"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
}

// QueryFromState builds a Query from a saved view state.
func QueryFromState(state models.ClientViewState, pageSize int) Query {
	return Query{
		SearchTerm: state.SearchTerm,
		Filters:    state.Filters,
		SortKey:    state.SortKey,
		Page:       state.CurrentPage,
		PageSize:   pageSize,
	}
}

// BaseModelOption is one entry of the base-model filter dropdown.
type BaseModelOption struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Page is a slice of the display list plus the numbers the pager needs.
type Page struct {
	Records    []models.ModelRecord `json:"records"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"pageSize"`
	TotalPages int                  `json:"totalPages"`
	Total      int                  `json:"total"`
}

// Pipeline holds the base-model canonical map. It is rebuilt only by Reinitialize.
type Pipeline struct {
	mu        sync.RWMutex
	canonical map[string]string
	counts    map[string]int
	order     []string
}

// New returns a pipeline with an empty canonical map.
func New() *Pipeline {
	return &Pipeline{canonical: map[string]string{}, counts: map[string]int{}}
}

// Reinitialize rebuilds the base-model map from records. The first casing seen wins.
func (p *Pipeline) Reinitialize(records []models.ModelRecord) {
	canonical := map[string]string{}
	counts := map[string]int{}
	var order []string
	for _, r := range records {
		if r.Metadata == nil {
			continue
		}
		bm := strings.TrimSpace(r.Metadata.BaseModel)
		if bm == "" {
			continue
		}
		key := strings.ToLower(bm)
		name, ok := canonical[key]
		if !ok {
			name = bm
			canonical[key] = name
			order = append(order, name)
		}
		counts[name]++
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.canonical, p.counts, p.order = canonical, counts, order
}

// CanonicalBaseModel maps any casing of a known base model to its canonical form.
func (p *Pipeline) CanonicalBaseModel(baseModel string) string {
	bm := strings.TrimSpace(baseModel)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name, ok := p.canonical[strings.ToLower(bm)]; ok {
		return name
	}
	return bm
}

// BaseModels lists canonical base models with their record counts, most common first.
func (p *Pipeline) BaseModels() []BaseModelOption {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BaseModelOption, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, BaseModelOption{Name: name, Count: p.counts[name]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Apply runs search, filters and sort. favorites holds favorited model keys.
// The input slice is not modified.
func (p *Pipeline) Apply(records []models.ModelRecord, q Query, favorites map[string]bool) []models.ModelRecord {
	term := strings.ToLower(strings.TrimSpace(q.SearchTerm))
	wantBase := ""
	if q.Filters.BaseModel != "" {
		wantBase = p.CanonicalBaseModel(q.Filters.BaseModel)
	}

	out := make([]models.ModelRecord, 0, len(records))
	for _, r := range records {
		if term != "" && !matchesSearch(r, term) {
			continue
		}
		if q.Filters.Creator != "" && r.Creator() != q.Filters.Creator {
			continue
		}
		if wantBase != "" && (r.Metadata == nil || p.CanonicalBaseModel(r.Metadata.BaseModel) != wantBase) {
			continue
		}
		if q.Filters.ModelType != "" && (r.Metadata == nil || r.Metadata.Type != q.Filters.ModelType) {
			continue
		}
		if q.Filters.FavoritesOnly && !favorites[r.ModelKey] {
			continue
		}
		out = append(out, r)
	}

	Sort(out, q.SortKey, p.CanonicalBaseModel)
	return out
}

func matchesSearch(r models.ModelRecord, term string) bool {
	return strings.Contains(strings.ToLower(r.DisplayName()), term) ||
		strings.Contains(strings.ToLower(r.Creator()), term) ||
		strings.Contains(strings.ToLower(r.SourcePath), term)
}

// Sort orders records in place by key. Records without metadata always come last;
// ties break on case-insensitive display name. canonical may be nil.
func Sort(records []models.ModelRecord, key string, canonical func(string) string) {
	if canonical == nil {
		canonical = strings.TrimSpace
	}
	less := lessFunc(key, canonical)
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		aHas, bHas := a.Metadata != nil, b.Metadata != nil
		if aHas != bHas {
			return aHas
		}
		if c := less(a, b); c != 0 {
			return c < 0
		}
		return strings.ToLower(a.DisplayName()) < strings.ToLower(b.DisplayName())
	})
}

// lessFunc returns a three-way comparison for the sort key. Both records share
// the same metadata presence when it is called.
func lessFunc(key string, canonical func(string) string) func(a, b models.ModelRecord) int {
	switch key {
	case SortNameDesc:
		return func(a, b models.ModelRecord) int {
			return -strings.Compare(strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName()))
		}
	case SortType:
		return func(a, b models.ModelRecord) int {
			return compareInt(TypePriority(modelType(a)), TypePriority(modelType(b)))
		}
	case SortBaseModel:
		return func(a, b models.ModelRecord) int {
			return strings.Compare(strings.ToLower(canonical(baseModel(a))), strings.ToLower(canonical(baseModel(b))))
		}
	case SortSize:
		return func(a, b models.ModelRecord) int {
			return compareInt64(b.FileSizeBytes, a.FileSizeBytes)
		}
	case SortDownloads:
		return func(a, b models.ModelRecord) int {
			return compareInt(downloads(b), downloads(a))
		}
	default:
		return func(a, b models.ModelRecord) int {
			return strings.Compare(strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName()))
		}
	}
}

func modelType(r models.ModelRecord) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.Type
}

func baseModel(r models.ModelRecord) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata.BaseModel
}

func downloads(r models.ModelRecord) int {
	if r.Metadata == nil {
		return 0
	}
	return r.Metadata.Stats.DownloadCount
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Paginate returns the requested page. The page number is clamped to
// [1, max(1, ceil(total/size))]; a non-positive size selects DefaultPageSize.
func Paginate(records []models.ModelRecord, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	total := len(records)
	totalPages := int(math.Max(1, math.Ceil(float64(total)/float64(size))))
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	return Page{
		Records:    records[start:end],
		Page:       page,
		PageSize:   size,
		TotalPages: totalPages,
		Total:      total,
	}
}

// Suggest returns up to limit display names that fuzzily match term, closest first.
// It backs the "did you mean" hint when a search comes back empty.
func Suggest(records []models.ModelRecord, term string, limit int) []string {
	term = strings.TrimSpace(term)
	if term == "" || limit <= 0 {
		return nil
	}
	seen := map[string]bool{}
	names := make([]string, 0, len(records))
	for _, r := range records {
		name := r.DisplayName()
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	ranks := fuzzy.RankFindNormalizedFold(term, names)
	sort.Stable(ranks)
	out := make([]string, 0, limit)
	for _, r := range ranks {
		if len(out) == limit {
			break
		}
		out = append(out, r.Target)
	}
	return out
}
