package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debridmm/dmm-server/internal/debrid"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/storage"
)

// conflictFixture runs a sync that diverges on name and size, returning the
// two pending conflicts keyed by type.
func conflictFixture(t *testing.T) (*syncFixture, map[string]*storage.SyncConflictRecord) {
	t.Helper()

	f := newSyncFixture(t, nil)
	f.seedTokens(t, "alice")

	require.NoError(t, f.meta.SaveFile(&storage.FileRecord{
		ID:       "t1",
		UserID:   "alice",
		Name:     "local-name.mkv",
		Size:     100,
		Status:   "downloaded",
		Metadata: map[string]string{"source": "torrent", "hash": "hash-t1"},
	}))
	f.upstream.torrents = []debrid.Torrent{makeTorrent("t1", "remote-name.mkv", 700, time.Now())}

	result, err := f.engine.StartFullSync(context.Background(), "alice", Options{})
	require.NoError(t, err)
	require.True(t, result.Success)

	conflicts, err := f.meta.ListConflicts("alice", "pending", 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)

	byType := make(map[string]*storage.SyncConflictRecord, len(conflicts))
	for _, c := range conflicts {
		byType[c.ConflictType] = c
	}
	return f, byType
}

func TestResolveConflict_KeepRemote(t *testing.T) {
	f, conflicts := conflictFixture(t)
	nameConflict := conflicts[ConflictName]
	require.NotNil(t, nameConflict)

	resolved := f.bus.Subscribe(events.ConflictResolved)
	defer f.bus.Unsubscribe(events.ConflictResolved, resolved)

	require.NoError(t, f.engine.ResolveConflict(nameConflict.ID, ResolutionKeepRemote, nil))

	file, err := f.meta.GetFile("alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "remote-name.mkv", file.Name)
	// The sibling size conflict is untouched.
	assert.Equal(t, int64(100), file.Size)

	stored, err := f.meta.GetConflict(nameConflict.ID)
	require.NoError(t, err)
	assert.Equal(t, "resolved_keep_remote", stored.ResolutionStatus)
	require.NotNil(t, stored.ResolvedAt)

	select {
	case event := <-resolved:
		assert.Equal(t, nameConflict.ID, event.Data["conflict_id"])
	case <-time.After(time.Second):
		t.Fatal("expected a resolution event")
	}
}

func TestResolveConflict_KeepLocal(t *testing.T) {
	f, conflicts := conflictFixture(t)
	sizeConflict := conflicts[ConflictSize]
	require.NotNil(t, sizeConflict)

	require.NoError(t, f.engine.ResolveConflict(sizeConflict.ID, ResolutionKeepLocal, nil))

	file, err := f.meta.GetFile("alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), file.Size)

	stored, err := f.meta.GetConflict(sizeConflict.ID)
	require.NoError(t, err)
	assert.Equal(t, "resolved_keep_local", stored.ResolutionStatus)
}

func TestResolveConflict_Merge(t *testing.T) {
	f, conflicts := conflictFixture(t)
	nameConflict := conflicts[ConflictName]
	require.NotNil(t, nameConflict)

	merged, err := json.Marshal("merged-name.mkv")
	require.NoError(t, err)
	require.NoError(t, f.engine.ResolveConflict(nameConflict.ID, ResolutionMerge, merged))

	file, err := f.meta.GetFile("alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "merged-name.mkv", file.Name)

	stored, err := f.meta.GetConflict(nameConflict.ID)
	require.NoError(t, err)
	assert.Equal(t, "resolved_merge", stored.ResolutionStatus)
}

func TestResolveConflict_ExactlyOnce(t *testing.T) {
	f, conflicts := conflictFixture(t)
	nameConflict := conflicts[ConflictName]
	require.NotNil(t, nameConflict)

	require.NoError(t, f.engine.ResolveConflict(nameConflict.ID, ResolutionKeepRemote, nil))

	err := f.engine.ResolveConflict(nameConflict.ID, ResolutionKeepLocal, nil)
	assert.ErrorIs(t, err, ErrConflictResolved)

	// The first resolution stands.
	file, err := f.meta.GetFile("alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "remote-name.mkv", file.Name)
}

func TestResolveConflict_ValidationLeavesPending(t *testing.T) {
	f, conflicts := conflictFixture(t)
	nameConflict := conflicts[ConflictName]
	require.NotNil(t, nameConflict)

	// Unknown strategy.
	err := f.engine.ResolveConflict(nameConflict.ID, Resolution("coin_flip"), nil)
	assert.ErrorIs(t, err, ErrInvalidResolution)

	// Merge without a merged value.
	err = f.engine.ResolveConflict(nameConflict.ID, ResolutionMerge, nil)
	assert.ErrorIs(t, err, ErrMergedDataRequired)

	// Merge data of the wrong shape for the field.
	err = f.engine.ResolveConflict(nameConflict.ID, ResolutionMerge, json.RawMessage(`{"not":"a string"}`))
	assert.ErrorIs(t, err, ErrInvalidResolution)

	// Every rejection left the conflict open and the file untouched.
	stored, err := f.meta.GetConflict(nameConflict.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", stored.ResolutionStatus)

	file, err := f.meta.GetFile("alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, "local-name.mkv", file.Name)
}

func TestResolveConflict_UnknownID(t *testing.T) {
	f, _ := conflictFixture(t)
	assert.Error(t, f.engine.ResolveConflict("no-such-conflict", ResolutionKeepLocal, nil))
}
