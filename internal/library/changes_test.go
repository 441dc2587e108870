package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeFixture struct {
	detector *ChangeDetector
	folder   string
	metadata string
	tracker  string
	weights  []string
	now      time.Time
}

func newChangeFixture(t *testing.T) *changeFixture {
	t.Helper()
	root := t.TempDir()
	f := &changeFixture{
		folder:   filepath.Join(root, "models"),
		metadata: filepath.Join(root, "metadata"),
		tracker:  filepath.Join(root, FolderMtimesFile),
		now:      time.Now().Truncate(time.Second),
	}
	require.NoError(t, os.MkdirAll(f.folder, 0755))
	require.NoError(t, os.MkdirAll(f.metadata, 0755))

	old := f.now.Add(-time.Hour)
	doc := filepath.Join(f.metadata, "old.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{}`), 0644))
	require.NoError(t, os.Chtimes(doc, old, old))
	require.NoError(t, os.Chtimes(f.folder, old, old))

	f.detector = NewChangeDetector(f.tracker)
	f.detector.now = func() time.Time { return f.now }
	require.NoError(t, f.detector.RecordFolders([]string{f.folder}))
	return f
}

func TestIsStale_NothingChanged(t *testing.T) {
	f := newChangeFixture(t)
	assert.False(t, f.detector.IsStale(f.now.Add(-time.Minute), []string{f.folder}, f.metadata, nil))
}

func TestIsStale_Triggers(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *changeFixture) (lastBuild time.Time, folders []string)
	}{
		{
			name: "Cache older than max age",
			setup: func(t *testing.T, f *changeFixture) (time.Time, []string) {
				return f.now.Add(-DefaultMaxCacheAge - time.Second), []string{f.folder}
			},
		},
		{
			name: "Watched folder modified",
			setup: func(t *testing.T, f *changeFixture) (time.Time, []string) {
				newer := f.now.Add(-time.Second)
				require.NoError(t, os.Chtimes(f.folder, newer, newer))
				return f.now.Add(-time.Minute), []string{f.folder}
			},
		},
		{
			name: "Watched folder never recorded",
			setup: func(t *testing.T, f *changeFixture) (time.Time, []string) {
				other := filepath.Join(filepath.Dir(f.folder), "other")
				require.NoError(t, os.MkdirAll(other, 0755))
				return f.now.Add(-time.Minute), []string{f.folder, other}
			},
		},
		{
			name: "Sibling document next to weight file edited",
			setup: func(t *testing.T, f *changeFixture) (time.Time, []string) {
				lastBuild := f.now.Add(-time.Minute)
				nested := filepath.Join(f.folder, "sdxl")
				require.NoError(t, os.MkdirAll(nested, 0755))
				weight := filepath.Join(nested, "dreamshaper.safetensors")
				doc := filepath.Join(nested, "dreamshaper.json")
				require.NoError(t, os.WriteFile(weight, []byte("w"), 0644))
				require.NoError(t, os.WriteFile(doc, []byte(`{}`), 0644))
				newer := lastBuild.Add(time.Second)
				require.NoError(t, os.Chtimes(doc, newer, newer))
				old := f.now.Add(-time.Hour)
				require.NoError(t, os.Chtimes(f.folder, old, old))
				f.weights = []string{weight}
				return lastBuild, []string{f.folder}
			},
		},
		{
			name: "Metadata document newer than cache",
			setup: func(t *testing.T, f *changeFixture) (time.Time, []string) {
				lastBuild := f.now.Add(-time.Minute)
				doc := filepath.Join(f.metadata, "new.json")
				require.NoError(t, os.WriteFile(doc, []byte(`{}`), 0644))
				newer := lastBuild.Add(time.Second)
				require.NoError(t, os.Chtimes(doc, newer, newer))
				return lastBuild, []string{f.folder}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChangeFixture(t)
			lastBuild, folders := tt.setup(t, f)
			assert.True(t, f.detector.IsStale(lastBuild, folders, f.metadata, f.weights))
		})
	}
}

func TestIsStale_IgnoresNonJSONDocuments(t *testing.T) {
	f := newChangeFixture(t)
	lastBuild := f.now.Add(-time.Minute)
	p := filepath.Join(f.metadata, "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	newer := lastBuild.Add(time.Second)
	require.NoError(t, os.Chtimes(p, newer, newer))

	assert.False(t, f.detector.IsStale(lastBuild, []string{f.folder}, f.metadata, nil))
}

func TestIsStale_OldSiblingDocumentIsNotAChange(t *testing.T) {
	f := newChangeFixture(t)
	lastBuild := f.now.Add(-time.Minute)
	weight := filepath.Join(f.folder, "detail_tweaker.safetensors")
	doc := filepath.Join(f.folder, "detail_tweaker.json")
	require.NoError(t, os.WriteFile(weight, []byte("w"), 0644))
	require.NoError(t, os.WriteFile(doc, []byte(`{}`), 0644))
	old := f.now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(doc, old, old))
	require.NoError(t, os.Chtimes(f.folder, old, old))

	assert.False(t, f.detector.IsStale(lastBuild, []string{f.folder}, f.metadata, []string{weight}))
}

func TestChangeDetector_TrackerSurvivesRestart(t *testing.T) {
	f := newChangeFixture(t)

	reloaded := NewChangeDetector(f.tracker)
	reloaded.now = func() time.Time { return f.now }
	assert.False(t, reloaded.IsStale(f.now.Add(-time.Minute), []string{f.folder}, f.metadata, nil))
}

func TestChangeDetector_CorruptTrackerTreatsFoldersAsChanged(t *testing.T) {
	f := newChangeFixture(t)
	require.NoError(t, os.WriteFile(f.tracker, []byte("not json"), 0644))

	reloaded := NewChangeDetector(f.tracker)
	reloaded.now = func() time.Time { return f.now }
	assert.True(t, reloaded.IsStale(f.now.Add(-time.Minute), []string{f.folder}, f.metadata, nil))
}

func TestChangeDetector_MissingFolderSettles(t *testing.T) {
	f := newChangeFixture(t)
	missing := filepath.Join(filepath.Dir(f.folder), "unplugged")

	assert.True(t, f.detector.IsStale(f.now.Add(-time.Minute), []string{missing}, f.metadata, nil))
	require.NoError(t, f.detector.RecordFolders([]string{missing}))
	assert.False(t, f.detector.IsStale(f.now.Add(-time.Minute), []string{missing}, f.metadata, nil))
}
