package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go-civitai-library/internal/config"
	"go-civitai-library/internal/generator"
	"go-civitai-library/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator counts calls per file and either writes doc or fails.
type fakeGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
	doc   string
}

func newFakeGenerator(doc string) *fakeGenerator {
	return &fakeGenerator{calls: map[string]int{}, doc: doc}
}

func (g *fakeGenerator) Generate(ctx context.Context, filePath, outputDir string) error {
	g.mu.Lock()
	g.calls[filePath]++
	fail := g.fail
	g.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: exit status 1: [ERROR] catalog unreachable", generator.ErrGenerationFailed)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(generator.MetadataPath(outputDir, filePath), []byte(g.doc), 0644)
}

func (g *fakeGenerator) count(filePath string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[filePath]
}

type fakeWarmer struct {
	mu     sync.Mutex
	hashes [][]string
}

func (w *fakeWarmer) ResolveBatch(ctx context.Context, hashes []string) map[string]models.ResourceInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hashes = append(w.hashes, hashes)
	return map[string]models.ResourceInfo{}
}

type libraryFixture struct {
	root     string
	models   string
	metadata string
	store    *config.Store
}

func newLibraryFixture(t *testing.T, autoGenerate bool) *libraryFixture {
	t.Helper()
	root := t.TempDir()
	f := &libraryFixture{
		root:     root,
		models:   filepath.Join(root, "models"),
		metadata: filepath.Join(root, "metadata"),
	}
	require.NoError(t, os.MkdirAll(f.models, 0755))
	require.NoError(t, os.MkdirAll(f.metadata, 0755))
	f.store = config.NewStore(filepath.Join(root, "config.toml"), models.Config{
		WatchedFolders:       []string{f.models},
		MetadataOutputDir:    f.metadata,
		AutoGenerateMetadata: autoGenerate,
	})
	return f
}

func (f *libraryFixture) weight(t *testing.T, rel string) string {
	t.Helper()
	p := filepath.Join(f.models, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("weights:"+rel), 0644))
	return p
}

func (f *libraryFixture) document(t *testing.T, stem, doc string) string {
	t.Helper()
	p := filepath.Join(f.metadata, stem+".json")
	require.NoError(t, os.WriteFile(p, []byte(doc), 0644))
	return p
}

func (f *libraryFixture) cache(gen generator.Generator, warmer HashWarmer) *ModelListCache {
	return NewModelListCache(filepath.Join(f.root, "data", ModelCacheFile), f.store, gen, warmer)
}

func byPath(records []models.ModelRecord) map[string]models.ModelRecord {
	out := map[string]models.ModelRecord{}
	for _, r := range records {
		out[r.FileName] = r
	}
	return out
}

const docB = `{"name": "B", "trainingDetails": {"baseModel": "SDXL 1.0"}}`

func TestRebuild_MissingAndExistingDocuments(t *testing.T) {
	tests := []struct {
		name         string
		autoGenerate bool
		genFails     bool
		wantAFailed  bool
		wantAReason  string
	}{
		{"Auto-generate off", false, false, true, reasonNoDocument},
		{"Generation fails", true, true, true, reasonGenerationFailed},
		{"Generation succeeds", true, false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLibraryFixture(t, tt.autoGenerate)
			aPath := f.weight(t, "a.safetensors")
			f.weight(t, "b.safetensors")
			f.document(t, "b", docB)

			gen := newFakeGenerator(`{"modelVersion": {"id": 2, "modelId": 1, "name": "v1", "model": {"name": "A", "type": "LORA"}}}`)
			gen.fail = tt.genFails
			c := f.cache(gen, nil)

			records, err := c.Rebuild(context.Background())
			require.NoError(t, err)
			require.Len(t, records, 2)

			got := byPath(records)
			a, b := got["a.safetensors"], got["b.safetensors"]

			assert.Equal(t, tt.wantAFailed, a.MetadataFailed)
			if tt.wantAFailed {
				assert.Contains(t, a.FailureReason, tt.wantAReason)
				assert.Equal(t, "local_a.safetensors", a.ModelKey)
			} else {
				assert.Equal(t, "1_2", a.ModelKey)
				assert.Equal(t, "A", a.Metadata.Name)
			}

			assert.False(t, b.MetadataFailed)
			require.NotNil(t, b.Metadata)
			assert.Equal(t, "B", b.Metadata.Name)
			assert.Equal(t, "SDXL 1.0", b.Metadata.BaseModel)
			assert.Equal(t, "local_b.safetensors", b.ModelKey)
			assert.Equal(t, b.SourcePath, b.SafetensorsPath)
			assert.Equal(t, 0, gen.count(b.SourcePath), "existing documents are never regenerated")

			if tt.genFails {
				assert.Equal(t, []string{aPath}, f.store.Get().FailedToGenerate)
			} else {
				assert.Empty(t, f.store.Get().FailedToGenerate)
			}
		})
	}
}

func TestRebuild_Idempotent(t *testing.T) {
	f := newLibraryFixture(t, false)
	f.weight(t, "a.safetensors")
	f.weight(t, "sub/c.ckpt")
	f.weight(t, "b.safetensors")
	f.weight(t, "notes.txt")
	f.document(t, "b", docB)
	c := f.cache(nil, nil)

	first, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	second, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	names := []string{first[0].FileName, first[1].FileName, first[2].FileName}
	assert.Equal(t, []string{"a.safetensors", "b.safetensors", "c.ckpt"}, names, "lexical depth-first order")
}

func TestRebuild_IdempotentAfterGenerationFailure(t *testing.T) {
	f := newLibraryFixture(t, true)
	f.weight(t, "a.safetensors")
	f.weight(t, "b.safetensors")
	f.document(t, "b", docB)
	gen := newFakeGenerator("")
	gen.fail = true
	c := f.cache(gen, nil)

	first, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	second, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	a := byPath(first)["a.safetensors"]
	assert.True(t, a.MetadataFailed)
	assert.Equal(t, reasonGenerationFailed, a.FailureReason)
}

func TestRebuild_DenyListExcludes(t *testing.T) {
	f := newLibraryFixture(t, false)
	f.weight(t, "a.safetensors")
	hidden := f.weight(t, "hidden.safetensors")
	require.NoError(t, f.store.MarkDeleted(hidden))
	c := f.cache(nil, nil)

	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.safetensors", records[0].FileName)
}

func TestRebuild_NegativeCacheIsNotRetried(t *testing.T) {
	f := newLibraryFixture(t, true)
	aPath := f.weight(t, "a.safetensors")
	gen := newFakeGenerator("")
	gen.fail = true
	c := f.cache(gen, nil)

	for i := 0; i < 3; i++ {
		records, err := c.Rebuild(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].MetadataFailed)
	}
	assert.Equal(t, 1, gen.count(aPath))

	// A document appearing later wins over the negative entry and clears it.
	f.document(t, "a", docB)
	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.False(t, records[0].MetadataFailed)
	assert.Empty(t, f.store.Get().FailedToGenerate)
	assert.Equal(t, 1, gen.count(aPath))
}

func TestRebuild_StandaloneFilesAndSeenSet(t *testing.T) {
	f := newLibraryFixture(t, false)
	inFolder := f.weight(t, "a.safetensors")
	outside := filepath.Join(f.root, "elsewhere", "z.pt")
	require.NoError(t, os.MkdirAll(filepath.Dir(outside), 0755))
	require.NoError(t, os.WriteFile(outside, []byte("z"), 0644))

	require.NoError(t, f.store.AddStandaloneFile(outside))
	require.NoError(t, f.store.AddStandaloneFile(inFolder))
	require.NoError(t, f.store.AddStandaloneFile(filepath.Join(f.root, "gone.safetensors")))
	c := f.cache(nil, nil)

	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, inFolder, records[0].SourcePath)
	assert.Equal(t, outside, records[1].SourcePath)
	assert.Equal(t, int64(1), records[1].FileSizeBytes)
}

func TestRebuild_SiblingDocument(t *testing.T) {
	f := newLibraryFixture(t, false)
	p := f.weight(t, "sub/d.safetensors")
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(p), "d.json"), []byte(`{"name": "D"}`), 0644))
	c := f.cache(nil, nil)

	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "D", records[0].Metadata.Name)
}

func TestRebuild_WarmsHashesForGeneratedDocuments(t *testing.T) {
	f := newLibraryFixture(t, true)
	f.weight(t, "a.safetensors")
	f.weight(t, "b.safetensors")
	f.document(t, "b", `{"name": "B", "images": [{"url": "https://img/b.jpeg", "meta": {"hashes": {"model": "BBBB"}}}]}`)
	gen := newFakeGenerator(`{"modelVersion": {"id": 2, "modelId": 1, "images": [{"url": "https://img/a.jpeg", "meta": {"hashes": {"model": "AAAA"}}}]}}`)
	warmer := &fakeWarmer{}
	c := f.cache(gen, warmer)

	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, warmer.hashes, 1)
	assert.Equal(t, []string{"aaaa"}, warmer.hashes[0], "only freshly generated documents are warmed")

	_, err = c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Len(t, warmer.hashes, 1, "nothing new generated on the second pass")
}

func TestRebuild_KeepsLocalImageURLs(t *testing.T) {
	f := newLibraryFixture(t, false)
	f.weight(t, "b.safetensors")
	f.document(t, "b", `{"name": "B", "images": [{"url": "https://img/b.jpeg"}]}`)
	c := f.cache(nil, nil)

	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.True(t, c.SetImageURL("https://img/b.jpeg", "/images/b.jpg"))
	assert.False(t, c.SetImageURL("https://img/b.jpeg", "/images/b.jpg"), "no change the second time")

	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/images/b.jpg", records[0].Metadata.Images[0].URL)
	assert.Equal(t, "https://img/b.jpeg", records[0].Metadata.Images[0].OriginalURL)
}

func TestRebuild_InvalidDocument(t *testing.T) {
	f := newLibraryFixture(t, false)
	f.weight(t, "b.safetensors")
	f.document(t, "b", `{"name": `)
	c := f.cache(nil, nil)

	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].MetadataFailed)
	assert.Contains(t, records[0].FailureReason, "invalid metadata document")
}

func TestRebuild_CancelledContext(t *testing.T) {
	f := newLibraryFixture(t, false)
	f.weight(t, "a.safetensors")
	c := f.cache(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Rebuild(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, c.HasData())
}

func TestModelListCache_PersistAndLoad(t *testing.T) {
	f := newLibraryFixture(t, false)
	f.weight(t, "a.safetensors")
	f.weight(t, "b.safetensors")
	f.document(t, "b", docB)
	c := f.cache(nil, nil)
	built := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return built }

	records, err := c.Rebuild(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Persist())

	loaded := f.cache(nil, nil)
	assert.False(t, loaded.HasData())
	require.NoError(t, loaded.Load())
	assert.True(t, loaded.HasData())

	got, lastBuild := loaded.Get()
	assert.True(t, built.Equal(lastBuild))
	sort.Slice(got, func(i, j int) bool { return got[i].SourcePath < got[j].SourcePath })
	assert.Equal(t, records, got)
}

func TestModelListCache_LoadCorrupt(t *testing.T) {
	f := newLibraryFixture(t, false)
	c := f.cache(nil, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(c.path), 0755))
	require.NoError(t, os.WriteFile(c.path, []byte("{broken"), 0644))

	require.NoError(t, c.Load())
	assert.False(t, c.HasData())
	records, _ := c.Get()
	assert.Empty(t, records)
}

func TestModelListCache_Remove(t *testing.T) {
	f := newLibraryFixture(t, false)
	a := f.weight(t, "a.safetensors")
	f.weight(t, "b.safetensors")
	c := f.cache(nil, nil)
	_, err := c.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, c.Remove(a, "/not/there.safetensors"))
	records, _ := c.Get()
	require.Len(t, records, 1)
	assert.Equal(t, "b.safetensors", records[0].FileName)
}
