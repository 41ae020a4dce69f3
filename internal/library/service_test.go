package library

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/storage"
)

type fakeIndexer struct {
	deleted []string
}

func (f *fakeIndexer) IndexFile(*storage.FileRecord) error { return nil }
func (f *fakeIndexer) DeleteFile(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.MetadataStore, *fakeIndexer) {
	t.Helper()
	mgr, err := storage.NewManager(t.TempDir(), "test", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	meta := storage.NewMetadataStore(mgr.DB(), zap.NewNop().Sugar())
	idx := &fakeIndexer{}
	return NewService(meta, idx, zap.NewNop()), meta, idx
}

func seedFile(t *testing.T, meta *storage.MetadataStore, userID, id, name string) {
	t.Helper()
	require.NoError(t, meta.SaveFile(&storage.FileRecord{
		ID:     id,
		UserID: userID,
		Name:   name,
		Status: "downloaded",
		Added:  time.Now(),
	}))
}

func TestCreateFolder(t *testing.T) {
	s, _, _ := newTestService(t)

	root, err := s.CreateFolder("alice", "Movies", "")
	require.NoError(t, err)
	assert.NotEmpty(t, root.ID)
	assert.Equal(t, "Movies", root.Name)
	assert.Empty(t, root.ParentID)

	child, err := s.CreateFolder("alice", "  Action  ", root.ID)
	require.NoError(t, err)
	assert.Equal(t, "Action", child.Name)
	assert.Equal(t, root.ID, child.ParentID)

	_, err = s.CreateFolder("alice", "   ", "")
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = s.CreateFolder("alice", "Orphan", "no-such-folder")
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestRenameFolder(t *testing.T) {
	s, _, _ := newTestService(t)
	folder, err := s.CreateFolder("alice", "Movies", "")
	require.NoError(t, err)

	renamed, err := s.RenameFolder("alice", folder.ID, "Films")
	require.NoError(t, err)
	assert.Equal(t, "Films", renamed.Name)

	_, err = s.RenameFolder("alice", folder.ID, "")
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = s.RenameFolder("alice", "no-such-folder", "X")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMoveFolder(t *testing.T) {
	s, _, _ := newTestService(t)
	a, err := s.CreateFolder("alice", "A", "")
	require.NoError(t, err)
	b, err := s.CreateFolder("alice", "B", a.ID)
	require.NoError(t, err)
	c, err := s.CreateFolder("alice", "C", b.ID)
	require.NoError(t, err)

	// Reparenting a leaf to the root is fine.
	moved, err := s.MoveFolder("alice", c.ID, "")
	require.NoError(t, err)
	assert.Empty(t, moved.ParentID)

	// Moving back under B is fine too.
	_, err = s.MoveFolder("alice", c.ID, b.ID)
	require.NoError(t, err)

	// A -> C would close the loop A > B > C > A.
	_, err = s.MoveFolder("alice", a.ID, c.ID)
	assert.ErrorIs(t, err, ErrFolderCycle)

	// A folder cannot become its own parent.
	_, err = s.MoveFolder("alice", a.ID, a.ID)
	assert.ErrorIs(t, err, ErrFolderCycle)

	_, err = s.MoveFolder("alice", a.ID, "no-such-folder")
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestDeleteFolder_ReparentsChildren(t *testing.T) {
	s, _, _ := newTestService(t)
	root, err := s.CreateFolder("alice", "Root", "")
	require.NoError(t, err)
	mid, err := s.CreateFolder("alice", "Mid", root.ID)
	require.NoError(t, err)
	leaf, err := s.CreateFolder("alice", "Leaf", mid.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteFolder("alice", mid.ID))

	_, err = s.GetFolder("alice", mid.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The orphaned child climbs to the deleted folder's parent.
	got, err := s.GetFolder("alice", leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ParentID)

	roots, err := s.ListFolders("alice", root.ID)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, leaf.ID, roots[0].ID)
}

func TestAssignFile_Idempotent(t *testing.T) {
	s, meta, _ := newTestService(t)
	folder, err := s.CreateFolder("alice", "Movies", "")
	require.NoError(t, err)
	seedFile(t, meta, "alice", "f1", "movie.mkv")

	first, err := s.AssignFile("alice", "f1", folder.ID)
	require.NoError(t, err)

	// Re-assigning returns the existing assignment instead of duplicating.
	second, err := s.AssignFile("alice", "f1", folder.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	contents, err := s.ListFolderContents("alice", folder.ID)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "f1", contents[0].ID)

	_, err = s.AssignFile("alice", "no-such-file", folder.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.AssignFile("alice", "f1", "no-such-folder")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnassignFile(t *testing.T) {
	s, meta, _ := newTestService(t)
	folder, err := s.CreateFolder("alice", "Movies", "")
	require.NoError(t, err)
	seedFile(t, meta, "alice", "f1", "movie.mkv")

	assignment, err := s.AssignFile("alice", "f1", folder.ID)
	require.NoError(t, err)

	require.NoError(t, s.UnassignFile("alice", assignment.ID))

	contents, err := s.ListFolderContents("alice", folder.ID)
	require.NoError(t, err)
	assert.Empty(t, contents)
}

func TestListFolderContents_DropsStaleAssignments(t *testing.T) {
	s, meta, _ := newTestService(t)
	folder, err := s.CreateFolder("alice", "Movies", "")
	require.NoError(t, err)
	seedFile(t, meta, "alice", "f1", "movie.mkv")
	seedFile(t, meta, "alice", "f2", "show.mkv")

	_, err = s.AssignFile("alice", "f1", folder.ID)
	require.NoError(t, err)
	stale, err := s.AssignFile("alice", "f2", folder.ID)
	require.NoError(t, err)

	// Deleting the file leaves the assignment dangling until the next list.
	require.NoError(t, meta.DeleteFile("alice", "f2"))

	contents, err := s.ListFolderContents("alice", folder.ID)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "f1", contents[0].ID)

	assignments, err := meta.ListAssignments("alice", folder.ID)
	require.NoError(t, err)
	for _, a := range assignments {
		assert.NotEqual(t, stale.ID, a.ID)
	}

	_, err = s.ListFolderContents("alice", "no-such-folder")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteFile_RemovesIndexEntry(t *testing.T) {
	s, meta, idx := newTestService(t)
	seedFile(t, meta, "alice", "f1", "movie.mkv")

	require.NoError(t, s.DeleteFile("alice", "f1"))
	assert.Equal(t, []string{"f1"}, idx.deleted)

	_, err := s.GetFile("alice", "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTentativeFiles(t *testing.T) {
	s, _, _ := newTestService(t)

	file, err := s.AddTentativeFile("alice", "incoming.mkv")
	require.NoError(t, err)
	assert.True(t, file.Tentative)
	assert.Equal(t, "pending", file.Status)

	tentative := true
	files, err := s.ListFiles("alice", storage.FileFilter{Tentative: &tentative}, 10, 0)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, file.ID, files[0].ID)

	require.NoError(t, s.DiscardTentativeFile("alice", file.ID))
	files, err = s.ListFiles("alice", storage.FileFilter{Tentative: &tentative}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = s.AddTentativeFile("alice", " ")
	assert.ErrorIs(t, err, ErrNameRequired)
}
