// Package library manages the user's virtual folder structure over synced
// file metadata. Folders are organizational only; no file data moves when a
// folder changes.
package library

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/storage"
)

var (
	ErrNameRequired   = errors.New("folder name is required")
	ErrParentNotFound = errors.New("parent folder not found")
	ErrFolderCycle    = errors.New("folder cannot be moved into its own subtree")
)

// Indexer mirrors the search index operations the library needs. Nil
// disables index maintenance.
type Indexer interface {
	IndexFile(f *storage.FileRecord) error
	DeleteFile(id string) error
}

// Service exposes folder, file and assignment operations.
type Service struct {
	meta    *storage.MetadataStore
	indexer Indexer
	logger  *zap.Logger
	nowFn   func() time.Time
}

// NewService builds a library service. indexer may be nil.
func NewService(meta *storage.MetadataStore, indexer Indexer, logger *zap.Logger) *Service {
	return &Service{
		meta:    meta,
		indexer: indexer,
		logger:  logger.Named("library"),
		nowFn:   time.Now,
	}
}

// CreateFolder creates a virtual folder. parentID may be empty for a root
// folder; a non-empty parent must exist.
func (s *Service) CreateFolder(userID, name, parentID string) (*storage.FolderRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	if parentID != "" {
		if _, err := s.meta.GetFolder(userID, parentID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrParentNotFound
			}
			return nil, err
		}
	}

	now := s.nowFn()
	folder := &storage.FolderRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.meta.SaveFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// RenameFolder changes a folder's display name.
func (s *Service) RenameFolder(userID, id, name string) (*storage.FolderRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	folder, err := s.meta.GetFolder(userID, id)
	if err != nil {
		return nil, err
	}
	folder.Name = name
	folder.UpdatedAt = s.nowFn()
	if err := s.meta.SaveFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// MoveFolder reparents a folder. Moving a folder into its own subtree is
// rejected.
func (s *Service) MoveFolder(userID, id, newParentID string) (*storage.FolderRecord, error) {
	folder, err := s.meta.GetFolder(userID, id)
	if err != nil {
		return nil, err
	}
	if newParentID != "" {
		if _, err := s.meta.GetFolder(userID, newParentID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrParentNotFound
			}
			return nil, err
		}
		cycle, err := s.inSubtree(userID, id, newParentID)
		if err != nil {
			return nil, err
		}
		if cycle {
			return nil, ErrFolderCycle
		}
	}
	folder.ParentID = newParentID
	folder.UpdatedAt = s.nowFn()
	if err := s.meta.SaveFolder(folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// inSubtree reports whether candidate is rootID or one of its descendants.
func (s *Service) inSubtree(userID, rootID, candidate string) (bool, error) {
	for candidate != "" {
		if candidate == rootID {
			return true, nil
		}
		folder, err := s.meta.GetFolder(userID, candidate)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		candidate = folder.ParentID
	}
	return false, nil
}

// DeleteFolder removes a folder and its assignments. Child folders are
// reparented to the deleted folder's parent; files are untouched.
func (s *Service) DeleteFolder(userID, id string) error {
	folder, err := s.meta.GetFolder(userID, id)
	if err != nil {
		return err
	}

	children, err := s.meta.ListFolders(userID, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		child.ParentID = folder.ParentID
		child.UpdatedAt = s.nowFn()
		if err := s.meta.SaveFolder(child); err != nil {
			return fmt.Errorf("reparent folder %s: %w", child.ID, err)
		}
	}

	return s.meta.DeleteFolder(userID, id)
}

// ListFolders returns the direct children of parentID (empty for roots).
func (s *Service) ListFolders(userID, parentID string) ([]*storage.FolderRecord, error) {
	return s.meta.ListFolders(userID, parentID)
}

// GetFolder returns one folder.
func (s *Service) GetFolder(userID, id string) (*storage.FolderRecord, error) {
	return s.meta.GetFolder(userID, id)
}

// AssignFile places a file into a folder. Assigning an already assigned
// file to the same folder returns the existing assignment.
func (s *Service) AssignFile(userID, fileID, folderID string) (*storage.AssignmentRecord, error) {
	if _, err := s.meta.GetFile(userID, fileID); err != nil {
		return nil, err
	}
	if _, err := s.meta.GetFolder(userID, folderID); err != nil {
		return nil, err
	}

	existing, err := s.meta.ListAssignments(userID, folderID)
	if err != nil {
		return nil, err
	}
	for _, a := range existing {
		if a.FileID == fileID {
			return a, nil
		}
	}

	assignment := &storage.AssignmentRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileID:    fileID,
		FolderID:  folderID,
		CreatedAt: s.nowFn(),
	}
	if err := s.meta.SaveAssignment(assignment); err != nil {
		return nil, err
	}
	return assignment, nil
}

// UnassignFile removes one assignment.
func (s *Service) UnassignFile(userID, assignmentID string) error {
	return s.meta.DeleteAssignment(userID, assignmentID)
}

// ListFolderContents returns the files assigned to a folder.
func (s *Service) ListFolderContents(userID, folderID string) ([]*storage.FileRecord, error) {
	if _, err := s.meta.GetFolder(userID, folderID); err != nil {
		return nil, err
	}
	assignments, err := s.meta.ListAssignments(userID, folderID)
	if err != nil {
		return nil, err
	}

	files := make([]*storage.FileRecord, 0, len(assignments))
	for _, a := range assignments {
		file, err := s.meta.GetFile(userID, a.FileID)
		if errors.Is(err, storage.ErrNotFound) {
			// Assignment outlived its file; drop it
			if delErr := s.meta.DeleteAssignment(userID, a.ID); delErr != nil {
				s.logger.Warn("Failed to drop stale assignment",
					zap.String("assignment", a.ID), zap.Error(delErr))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

// ListFiles returns the user's files with the given filter and paging.
func (s *Service) ListFiles(userID string, filter storage.FileFilter, limit, offset int) ([]*storage.FileRecord, error) {
	return s.meta.ListFiles(userID, filter, limit, offset)
}

// GetFile returns one file.
func (s *Service) GetFile(userID, id string) (*storage.FileRecord, error) {
	return s.meta.GetFile(userID, id)
}

// DeleteFile removes a file, its assignments and its index entry.
func (s *Service) DeleteFile(userID, id string) error {
	if err := s.meta.DeleteFile(userID, id); err != nil {
		return err
	}
	if s.indexer != nil {
		if err := s.indexer.DeleteFile(id); err != nil {
			s.logger.Warn("Failed to remove file from index",
				zap.String("file", id), zap.Error(err))
		}
	}
	return nil
}

// AddTentativeFile records an optimistic placeholder that the next sync
// reconciliation replaces with the authoritative upstream record or
// discards.
func (s *Service) AddTentativeFile(userID, name string) (*storage.FileRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	now := s.nowFn()
	file := &storage.FileRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Status:    "pending",
		Added:     now,
		UpdatedAt: now,
		Tentative: true,
	}
	if err := s.meta.SaveFile(file); err != nil {
		return nil, err
	}
	return file, nil
}

// DiscardTentativeFile drops an optimistic placeholder that was never
// confirmed upstream.
func (s *Service) DiscardTentativeFile(userID, id string) error {
	return s.meta.DiscardTentativeFile(userID, id)
}
