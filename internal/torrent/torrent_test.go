package torrent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trackers = []string{"udp://tracker.example:1337/announce", "http://backup.example/announce"}

func writeModel(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("w", size)), 0644))
	return p
}

func TestTorrentPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/models", "dreamshaper_8.torrent"), TorrentPath("/models/dreamshaper_8.safetensors", ""))
	assert.Equal(t, filepath.Join("/out", "dreamshaper_8.torrent"), TorrentPath("/models/dreamshaper_8.safetensors", "/out"))
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	src := writeModel(t, dir, "dreamshaper_8.safetensors", 700*1024)

	res := Generate(Job{ID: "dreamshaper", SourcePath: src}, Options{Trackers: trackers, GenerateMagnet: true})
	require.NoError(t, res.Err)
	assert.False(t, res.Skipped)
	assert.Equal(t, filepath.Join(dir, "dreamshaper_8.torrent"), res.TorrentPath)

	mi, err := metainfo.LoadFromFile(res.TorrentPath)
	require.NoError(t, err)
	assert.Equal(t, trackers[0], mi.Announce)
	info, err := mi.UnmarshalInfo()
	require.NoError(t, err)
	assert.Equal(t, "dreamshaper_8.safetensors", info.Name)
	assert.Equal(t, int64(700*1024), info.TotalLength())
	assert.Equal(t, int64(pieceLength), info.PieceLength)

	assert.True(t, strings.HasPrefix(res.MagnetLink, "magnet:?xt=urn:btih:"+mi.HashInfoBytes().HexString()))
	assert.Contains(t, res.MagnetLink, "dn=dreamshaper_8.safetensors")
	magnet, err := os.ReadFile(res.MagnetPath)
	require.NoError(t, err)
	assert.Equal(t, res.MagnetLink, string(magnet))
	assert.Equal(t, filepath.Join(dir, "dreamshaper_8-magnet.txt"), res.MagnetPath)

	again := Generate(Job{ID: "dreamshaper", SourcePath: src}, Options{Trackers: trackers})
	require.NoError(t, again.Err)
	assert.True(t, again.Skipped)
	assert.Equal(t, res.MagnetLink, again.MagnetLink)
	assert.Empty(t, again.MagnetPath)
}

func TestGenerateErrors(t *testing.T) {
	dir := t.TempDir()
	src := writeModel(t, dir, "a.safetensors", 10)

	tests := []struct {
		name string
		job  Job
		opts Options
	}{
		{"no trackers", Job{SourcePath: src}, Options{}},
		{"missing file", Job{SourcePath: filepath.Join(dir, "missing.ckpt")}, Options{Trackers: trackers}},
		{"directory", Job{SourcePath: dir}, Options{Trackers: trackers}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Generate(tt.job, tt.opts)
			assert.Error(t, res.Err)
		})
	}
	assert.ErrorIs(t, Generate(Job{SourcePath: src}, Options{}).Err, ErrNoTrackers)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "torrents")
	a := writeModel(t, dir, "a.safetensors", 1024)
	b := writeModel(t, dir, "b.ckpt", 2048)

	jobs := []Job{
		{ID: "a", SourcePath: a},
		{ID: "a-dup", SourcePath: a},
		{ID: "b", SourcePath: b},
		{ID: "gone", SourcePath: filepath.Join(dir, "gone.pt")},
	}

	var mu sync.Mutex
	results := map[string]Result{}
	counts := Run(jobs, Options{Trackers: trackers, OutputDir: out}, 2, func(res Result) {
		mu.Lock()
		defer mu.Unlock()
		results[res.Job.ID] = res
	})

	assert.Equal(t, Counts{Generated: 2, Failed: 1}, counts)
	require.Len(t, results, 3)
	assert.FileExists(t, filepath.Join(out, "a.torrent"))
	assert.FileExists(t, filepath.Join(out, "b.torrent"))
	assert.Error(t, results["gone"].Err)

	counts = Run(jobs[:1], Options{Trackers: trackers, OutputDir: out}, 0, nil)
	assert.Equal(t, Counts{Skipped: 1}, counts)
}
