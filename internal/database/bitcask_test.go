package database

import (
	"path/filepath"
	"testing"

	"go-civitai-library/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetRoundTripCompressed(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put([]byte("k"), []byte("hello world")))
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.True(t, db.Has([]byte("k")))

	_, err = db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecompressIfGzipped_PlainValue(t *testing.T) {
	got, err := decompressIfGzipped([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got))
}

func TestReplaceFavorites(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.ReplaceFavorites([]string{"1_2", "local_a.safetensors"}))
	favs, err := db.Favorites()
	require.NoError(t, err)
	assert.Equal(t, []string{"1_2", "local_a.safetensors"}, favs)

	require.NoError(t, db.ReplaceFavorites([]string{"3_4", "1_2"}))
	favs, err = db.Favorites()
	require.NoError(t, err)
	assert.Equal(t, []string{"1_2", "3_4"}, favs)

	require.NoError(t, db.ReplaceFavorites(nil))
	favs, err = db.Favorites()
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestViewState(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetViewState("abc")
	assert.ErrorIs(t, err, ErrNotFound)

	state := models.ClientViewState{
		SearchTerm:  "anime",
		Filters:     models.Filters{BaseModel: "SDXL 1.0", FavoritesOnly: true},
		SortKey:     "downloads",
		CurrentPage: 3,
	}
	require.NoError(t, db.SetViewState("abc", state))

	got, err := db.GetViewState("abc")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	require.NoError(t, db.DeleteViewState("abc"))
	require.NoError(t, db.DeleteViewState("abc"), "deleting a missing view state is not an error")
	_, err = db.GetViewState("abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestViewStates(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SetViewState("a", models.ClientViewState{SearchTerm: "anime", CurrentPage: 2}))
	require.NoError(t, db.SetViewState("b", models.ClientViewState{SortKey: "name"}))
	require.NoError(t, db.ReplaceFavorites([]string{"4384_128713"}))
	require.NoError(t, db.Put([]byte(viewStatePrefix+"broken"), []byte("{")))

	states, err := db.ViewStates()
	require.NoError(t, err)
	assert.Len(t, states, 2)
	assert.Equal(t, 2, states["a"].CurrentPage)
	assert.Equal(t, "name", states["b"].SortKey)
}
