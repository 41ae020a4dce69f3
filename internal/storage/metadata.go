package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

const (
	// MinPageLimit and MaxPageLimit bound user-scoped list queries.
	MinPageLimit = 1
	MaxPageLimit = 100
)

// MetadataStore provides CRUD for file/folder/assignment/sync records,
// queried by user-scoped filters with pagination.
type MetadataStore struct {
	db     *BoltDB
	logger *zap.SugaredLogger
}

// NewMetadataStore wraps an open BoltDB.
func NewMetadataStore(db *BoltDB, logger *zap.SugaredLogger) *MetadataStore {
	return &MetadataStore{db: db, logger: logger}
}

// scopedKey builds the user-scoped key for a record.
func scopedKey(userID, id string) string {
	return userID + "/" + id
}

func clampLimit(limit int) int {
	if limit < MinPageLimit {
		return MinPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

func (s *MetadataStore) put(bucket, userID, id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s/%s: %w", bucket, id, err)
	}
	return s.db.Put(bucket, scopedKey(userID, id), data)
}

func (s *MetadataStore) get(bucket, userID, id string, out interface{}) error {
	data, err := s.db.Get(bucket, scopedKey(userID, id))
	if err != nil {
		return err
	}
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}

// forEachUser iterates records belonging to one user.
func (s *MetadataStore) forEachUser(bucket, userID string, fn func(v []byte) error) error {
	prefix := userID + "/"
	return s.db.ForEach(bucket, func(k, v []byte) error {
		if !strings.HasPrefix(string(k), prefix) {
			return nil
		}
		return fn(v)
	})
}

// Files

// SaveFile upserts a file metadata record.
func (s *MetadataStore) SaveFile(f *FileRecord) error {
	return s.put(FilesBucket, f.UserID, f.ID, f)
}

// GetFile retrieves a file record by id.
func (s *MetadataStore) GetFile(userID, id string) (*FileRecord, error) {
	var f FileRecord
	if err := s.get(FilesBucket, userID, id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// FileFilter narrows ListFiles results.
type FileFilter struct {
	Status string
	// Tentative filters on the optimistic-record flag when non-nil.
	Tentative *bool
}

// ListFiles returns a page of the user's file records, newest first.
func (s *MetadataStore) ListFiles(userID string, filter FileFilter, limit, offset int) ([]*FileRecord, error) {
	limit = clampLimit(limit)

	var all []*FileRecord
	err := s.forEachUser(FilesBucket, userID, func(v []byte) error {
		var f FileRecord
		if err := json.Unmarshal(v, &f); err != nil {
			s.logger.Warnw("Skipping corrupt file record", "user", userID, "error", err)
			return nil
		}
		if filter.Status != "" && f.Status != filter.Status {
			return nil
		}
		if filter.Tentative != nil && f.Tentative != *filter.Tentative {
			return nil
		}
		all = append(all, &f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Added.After(all[j].Added) })
	return page(all, limit, offset), nil
}

// DeleteFile removes a file record and any assignments pointing at it.
func (s *MetadataStore) DeleteFile(userID, id string) error {
	if err := s.db.Delete(FilesBucket, scopedKey(userID, id)); err != nil {
		return err
	}

	assignments, err := s.ListAssignments(userID, "")
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.FileID == id {
			if err := s.db.Delete(AssignmentsBucket, scopedKey(userID, a.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Folders

// SaveFolder upserts a virtual folder record.
func (s *MetadataStore) SaveFolder(f *FolderRecord) error {
	return s.put(FoldersBucket, f.UserID, f.ID, f)
}

// GetFolder retrieves a folder by id.
func (s *MetadataStore) GetFolder(userID, id string) (*FolderRecord, error) {
	var f FolderRecord
	if err := s.get(FoldersBucket, userID, id, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFolders returns the user's folders, optionally under one parent.
func (s *MetadataStore) ListFolders(userID, parentID string) ([]*FolderRecord, error) {
	var all []*FolderRecord
	err := s.forEachUser(FoldersBucket, userID, func(v []byte) error {
		var f FolderRecord
		if err := json.Unmarshal(v, &f); err != nil {
			s.logger.Warnw("Skipping corrupt folder record", "user", userID, "error", err)
			return nil
		}
		if parentID != "" && f.ParentID != parentID {
			return nil
		}
		all = append(all, &f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// DeleteFolder removes a folder and its assignments. Files are untouched;
// folders are metadata only.
func (s *MetadataStore) DeleteFolder(userID, id string) error {
	if err := s.db.Delete(FoldersBucket, scopedKey(userID, id)); err != nil {
		return err
	}

	assignments, err := s.ListAssignments(userID, id)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if err := s.db.Delete(AssignmentsBucket, scopedKey(userID, a.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Assignments

// SaveAssignment upserts a file-to-folder assignment.
func (s *MetadataStore) SaveAssignment(a *AssignmentRecord) error {
	return s.put(AssignmentsBucket, a.UserID, a.ID, a)
}

// ListAssignments returns the user's assignments, optionally for one folder.
func (s *MetadataStore) ListAssignments(userID, folderID string) ([]*AssignmentRecord, error) {
	var all []*AssignmentRecord
	err := s.forEachUser(AssignmentsBucket, userID, func(v []byte) error {
		var a AssignmentRecord
		if err := json.Unmarshal(v, &a); err != nil {
			s.logger.Warnw("Skipping corrupt assignment record", "user", userID, "error", err)
			return nil
		}
		if folderID != "" && a.FolderID != folderID {
			return nil
		}
		all = append(all, &a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// DeleteAssignment removes an assignment.
func (s *MetadataStore) DeleteAssignment(userID, id string) error {
	return s.db.Delete(AssignmentsBucket, scopedKey(userID, id))
}

// Sync operations

// SaveSyncOperation upserts a sync operation record.
func (s *MetadataStore) SaveSyncOperation(op *SyncOperationRecord) error {
	return s.put(SyncOpsBucket, op.UserID, op.OperationID, op)
}

// GetSyncOperation retrieves a sync operation by searching all users'
// records, since callers address operations by id alone.
func (s *MetadataStore) GetSyncOperation(operationID string) (*SyncOperationRecord, error) {
	var found *SyncOperationRecord
	suffix := "/" + operationID
	err := s.db.ForEach(SyncOpsBucket, func(k, v []byte) error {
		if !strings.HasSuffix(string(k), suffix) {
			return nil
		}
		var op SyncOperationRecord
		if err := json.Unmarshal(v, &op); err != nil {
			return nil
		}
		found = &op
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ListSyncOperations returns the user's sync operations, newest first.
func (s *MetadataStore) ListSyncOperations(userID string, limit, offset int) ([]*SyncOperationRecord, error) {
	limit = clampLimit(limit)

	var all []*SyncOperationRecord
	err := s.forEachUser(SyncOpsBucket, userID, func(v []byte) error {
		var op SyncOperationRecord
		if err := json.Unmarshal(v, &op); err != nil {
			s.logger.Warnw("Skipping corrupt sync operation record", "user", userID, "error", err)
			return nil
		}
		all = append(all, &op)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	return page(all, limit, offset), nil
}

// Conflicts

// SaveConflict upserts a sync conflict record.
func (s *MetadataStore) SaveConflict(c *SyncConflictRecord) error {
	return s.put(ConflictsBucket, c.UserID, c.ID, c)
}

// GetConflict retrieves a conflict by id alone.
func (s *MetadataStore) GetConflict(conflictID string) (*SyncConflictRecord, error) {
	var found *SyncConflictRecord
	suffix := "/" + conflictID
	err := s.db.ForEach(ConflictsBucket, func(k, v []byte) error {
		if !strings.HasSuffix(string(k), suffix) {
			return nil
		}
		var c SyncConflictRecord
		if err := json.Unmarshal(v, &c); err != nil {
			return nil
		}
		found = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ListConflicts returns the user's conflicts, optionally filtered by
// resolution status, newest first.
func (s *MetadataStore) ListConflicts(userID, status string, limit, offset int) ([]*SyncConflictRecord, error) {
	limit = clampLimit(limit)

	var all []*SyncConflictRecord
	err := s.forEachUser(ConflictsBucket, userID, func(v []byte) error {
		var c SyncConflictRecord
		if err := json.Unmarshal(v, &c); err != nil {
			s.logger.Warnw("Skipping corrupt conflict record", "user", userID, "error", err)
			return nil
		}
		if status != "" && c.ResolutionStatus != status {
			return nil
		}
		all = append(all, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), nil
}

// FindPendingConflict returns an unresolved conflict for a file/type pair,
// or nil. The sync engine uses this to avoid duplicating open conflicts.
// Scans the full conflict set; the paging cap on ListConflicts must not hide
// a match.
func (s *MetadataStore) FindPendingConflict(userID, fileID, conflictType string) (*SyncConflictRecord, error) {
	var found *SyncConflictRecord
	err := s.forEachUser(ConflictsBucket, userID, func(v []byte) error {
		if found != nil {
			return nil
		}
		var c SyncConflictRecord
		if err := json.Unmarshal(v, &c); err != nil {
			return nil
		}
		if c.ResolutionStatus == "pending" && c.FileID == fileID && c.ConflictType == conflictType {
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func page[T any](all []*T, limit, offset int) []*T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// Touch helpers used by optimistic updates.

// ReplaceTentativeFile atomically swaps a tentative record for the
// authoritative one: the tentative id is removed and the confirmed record
// saved in one logical step.
func (s *MetadataStore) ReplaceTentativeFile(userID, tentativeID string, confirmed *FileRecord) error {
	if err := s.db.Delete(FilesBucket, scopedKey(userID, tentativeID)); err != nil {
		return err
	}
	confirmed.Tentative = false
	confirmed.UpdatedAt = time.Now()
	return s.SaveFile(confirmed)
}

// DiscardTentativeFile drops a tentative record after a failed mutation.
// There is no diff-based rollback; the tentative entity is simply removed.
func (s *MetadataStore) DiscardTentativeFile(userID, tentativeID string) error {
	return s.db.Delete(FilesBucket, scopedKey(userID, tentativeID))
}
