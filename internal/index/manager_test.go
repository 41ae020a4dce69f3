package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/storage"
)

func newTestIndex(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func fileRecord(userID, id, name string) *storage.FileRecord {
	return &storage.FileRecord{
		ID:       id,
		UserID:   userID,
		Name:     name,
		Filename: name,
		Status:   "downloaded",
		Host:     "real-debrid.com",
		Metadata: map[string]string{"source": "torrent"},
	}
}

func TestSearch_MatchesByName(t *testing.T) {
	m := newTestIndex(t)

	require.NoError(t, m.BatchIndexFiles([]*storage.FileRecord{
		fileRecord("alice", "f1", "the great movie 1080p"),
		fileRecord("alice", "f2", "some show s01e01"),
		fileRecord("alice", "f3", "great soundtrack flac"),
	}))

	results, err := m.Search("alice", "great", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	ids := []string{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []string{"f1", "f3"}, ids)
	assert.NotZero(t, results[0].Score)
	assert.NotEmpty(t, results[0].Name)

	results, err = m.Search("alice", "nothing matches this", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_ScopedToUser(t *testing.T) {
	m := newTestIndex(t)

	require.NoError(t, m.IndexFile(fileRecord("alice", "f1", "shared movie title")))
	require.NoError(t, m.IndexFile(fileRecord("bob", "f2", "shared movie title")))

	results, err := m.Search("alice", "shared movie", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f1", results[0].ID)
}

func TestSearch_LimitAndDefault(t *testing.T) {
	m := newTestIndex(t)

	files := make([]*storage.FileRecord, 5)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		files[i] = fileRecord("alice", id, "episode "+id)
	}
	require.NoError(t, m.BatchIndexFiles(files))

	results, err := m.Search("alice", "episode", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// limit <= 0 falls back to the default page size.
	results, err = m.Search("alice", "episode", 0)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestIndexFile_ReindexAndDelete(t *testing.T) {
	m := newTestIndex(t)

	require.NoError(t, m.IndexFile(fileRecord("alice", "f1", "first name")))
	require.NoError(t, m.IndexFile(fileRecord("alice", "f1", "second name")))

	count, err := m.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	results, err := m.Search("alice", "second", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	results, err = m.Search("alice", "first", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, m.DeleteFile("f1"))
	count, err = m.DocCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}
