package builddb

import (
	"path/filepath"
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	db := Load(filepath.Join(t.TempDir(), "nonexistent.db"))
	assert.NotNil(t, db)
	assert.Empty(t, db.Masters)
	assert.Nil(t, db.Aux.TriggeredRevisions)
}

func TestTriggerAppendOnly(t *testing.T) {
	rec := &BuildRecord{}
	assert.False(t, rec.HasTriggered("h1"))

	added := rec.Trigger("h1", []string{"compile", "test"})
	assert.Equal(t, []string{"compile", "test"}, added)
	assert.True(t, rec.HasTriggered("h1"))

	// Re-triggering the same steps is a no-op.
	added = rec.Trigger("h1", []string{"compile"})
	assert.Empty(t, added)
	assert.Equal(t, []string{"compile", "test"}, rec.Triggered["h1"])

	// New steps append without disturbing the existing order.
	added = rec.Trigger("h1", []string{"test", "package"})
	assert.Equal(t, []string{"package"}, added)
	assert.Equal(t, []string{"compile", "test", "package"}, rec.Triggered["h1"])

	// Sections are tracked independently.
	added = rec.Trigger("h2", []string{"compile"})
	assert.Equal(t, []string{"compile"}, added)
}

func TestGetOrCreate(t *testing.T) {
	db := New()
	assert.Nil(t, db.Get("m", "b", 1))
	rec := db.GetOrCreate("m", "b", 1)
	assert.NotNil(t, rec)
	assert.Equal(t, rec, db.Get("m", "b", 1))
	assert.Equal(t, rec, db.GetOrCreate("m", "b", 1))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.db")

	db := New()
	rec := db.GetOrCreate("http://m", "Linux", 5)
	rec.Finished = true
	rec.Trigger("h1", []string{"compile"})
	db.GetOrCreate("http://m", "Linux", 6)
	db.Aux.TriggeredRevisions = map[string]string{"revision": "100"}
	db.Aux.ClosedTree = map[string]string{"http://status": "Tree is closed (Automatic)"}

	assert.NoError(t, Save(path, db, nil))

	loaded := Load(path)
	got := loaded.Get("http://m", "Linux", 5)
	assert.NotNil(t, got)
	assert.True(t, got.Finished)
	assert.Equal(t, []string{"compile"}, got.Triggered["h1"])
	assert.NotNil(t, loaded.Get("http://m", "Linux", 6))
	assert.Equal(t, "100", loaded.Aux.TriggeredRevisions["revision"])
	assert.Equal(t, "Tree is closed (Automatic)", loaded.Aux.ClosedTree["http://status"])

	// Saving again over the existing file must succeed and be lossless.
	assert.NoError(t, Save(path, loaded, nil))
	again := Load(path)
	assert.Equal(t, loaded.Aux, again.Aux)
	assert.NotNil(t, again.Get("http://m", "Linux", 5))
}

func TestSaveKeepFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.db")

	db := New()
	db.GetOrCreate("http://m", "Kept", 1)
	db.GetOrCreate("http://m", "Dropped", 1)
	assert.NoError(t, Save(path, db, func(master, builder string) bool {
		return builder == "Kept"
	}))

	loaded := Load(path)
	assert.NotNil(t, loaded.Get("http://m", "Kept", 1))
	assert.Nil(t, loaded.Get("http://m", "Dropped", 1))
}

func TestPrune(t *testing.T) {
	db := New()
	for num := 1; num <= 5; num++ {
		db.GetOrCreate("m", "b", num)
	}
	// Smallest observed is 4; one build of margin is retained.
	db.Prune("m", "b", 4)
	assert.Nil(t, db.Get("m", "b", 1))
	assert.Nil(t, db.Get("m", "b", 2))
	assert.NotNil(t, db.Get("m", "b", 3))
	assert.NotNil(t, db.Get("m", "b", 4))
	assert.NotNil(t, db.Get("m", "b", 5))
}

func TestBuildKeyRoundTrip(t *testing.T) {
	key := buildKey("http://master.test", "Win Builder", 42)
	master, builder, num, err := parseBuildKey(key)
	assert.NoError(t, err)
	assert.Equal(t, "http://master.test", master)
	assert.Equal(t, "Win Builder", builder)
	assert.Equal(t, 42, num)

	_, _, _, err = parseBuildKey([]byte("garbage"))
	assert.Error(t, err)
}
