package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemDataStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemDataStore(dir, testLogger())

	config := decode[ImposterConfig](t, `{"protocol":"http","port":4545,"name":"orders","recordRequests":true,"mode":"text"}`)
	imposter, err := NewImposter(&config, ImposterOptions{Logger: testLogger(), Stubs: store.StubsFor(4545)})
	require.NoError(t, err)
	require.NoError(t, imposter.AddStub(Stub{
		Predicates: []Predicate{{Equals: map[string]interface{}{"path": "/orders"}}},
		Responses:  []ResponseConfig{isResponse("persisted")},
	}, nil))
	require.NoError(t, store.Save(imposter))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))

	configs, err := store.Load()
	require.NoError(t, err)
	require.Len(t, configs, 1)

	loaded := configs[0]
	assert.Equal(t, "http", loaded.Protocol)
	assert.Equal(t, 4545, loaded.Port)
	assert.Equal(t, "orders", loaded.Name)
	assert.True(t, loaded.RecordRequests)
	require.Len(t, loaded.Stubs, 1)
	assert.Equal(t, map[string]interface{}{"path": "/orders"}, loaded.Stubs[0].Predicates[0].Equals)
	assert.Equal(t, [][]interface{}{{"persisted"}}, bodies(t, loaded.Stubs))

	require.NoError(t, store.Delete(4545))
	configs, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, configs)
	assert.DirExists(t, filepath.Join(dir, "notes"))
}

func TestFileSystemDataStore_DeleteAll(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemDataStore(dir, testLogger())

	for _, port := range []int{3000, 3001} {
		config := ImposterConfig{Protocol: "http", Port: port}
		imposter, err := NewImposter(&config, ImposterOptions{Logger: testLogger(), Stubs: store.StubsFor(port)})
		require.NoError(t, err)
		require.NoError(t, store.Save(imposter))
	}

	configs, err := store.Load()
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, 3000, configs[0].Port)

	require.NoError(t, store.DeleteAll())
	configs, err = store.Load()
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestFileSystemDataStore_MissingDirectory(t *testing.T) {
	store := NewFileSystemDataStore(filepath.Join(t.TempDir(), "absent"), testLogger())

	configs, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, configs)
	assert.NoError(t, store.DeleteAll())
}

func TestFileStubRepository_PersistsResponseCursor(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileStubRepository(dir, testLogger())
	require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("one"), isResponse("two")}}))

	assert.Equal(t, []interface{}{"one"}, nextBodies(t, repo, 1))

	reopened := NewFileStubRepository(dir, testLogger())
	assert.Equal(t, []interface{}{"two", "one"}, nextBodies(t, reopened, 2))
}
