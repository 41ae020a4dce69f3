package sync

import (
	"encoding/json"
	"fmt"

	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/storage"
)

// ResolveConflict applies a resolution strategy to a pending conflict.
// Resolution is terminal and exactly-once: a resolved conflict is rejected
// with ErrConflictResolved. Validation failures (unknown resolution, missing
// merge data, unknown conflict type) leave the conflict pending.
func (e *Engine) ResolveConflict(conflictID string, resolution Resolution, mergedData json.RawMessage) error {
	switch resolution {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerge:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
	if resolution == ResolutionMerge && len(mergedData) == 0 {
		return ErrMergedDataRequired
	}

	// Serialized so two callers cannot both resolve the same conflict
	e.mu.Lock()
	defer e.mu.Unlock()

	conflict, err := e.meta.GetConflict(conflictID)
	if err != nil {
		return err
	}
	if conflict.ResolutionStatus != "pending" {
		return ErrConflictResolved
	}

	switch conflict.ConflictType {
	case ConflictName, ConflictSize, ConflictStatus, ConflictMetadata:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConflictType, conflict.ConflictType)
	}

	switch resolution {
	case ResolutionKeepLocal:
		// Local value is already authoritative; the record stays untouched
	case ResolutionKeepRemote:
		if err := e.applyFieldValue(conflict, conflict.RemoteValue); err != nil {
			return err
		}
	case ResolutionMerge:
		if err := e.applyFieldValue(conflict, mergedData); err != nil {
			return err
		}
	}

	now := e.nowFn()
	conflict.ResolutionStatus = "resolved_" + string(resolution)
	conflict.ResolvedAt = &now
	if err := e.meta.SaveConflict(conflict); err != nil {
		return fmt.Errorf("persist resolution: %w", err)
	}

	e.bus.Publish(events.Event{
		Type:   events.ConflictResolved,
		UserID: conflict.UserID,
		Data: map[string]interface{}{
			"conflict_id": conflict.ID,
			"file_id":     conflict.FileID,
			"resolution":  string(resolution),
		},
	})
	return nil
}

// applyFieldValue writes exactly the conflicted field group onto the stored
// file record. A value that does not decode as the field's type is a
// validation error and nothing is written.
func (e *Engine) applyFieldValue(conflict *storage.SyncConflictRecord, value json.RawMessage) error {
	file, err := e.meta.GetFile(conflict.UserID, conflict.FileID)
	if err != nil {
		return err
	}

	switch conflict.ConflictType {
	case ConflictName:
		var name string
		if err := json.Unmarshal(value, &name); err != nil {
			return fmt.Errorf("%w: name value: %v", ErrInvalidResolution, err)
		}
		file.Name = name
	case ConflictSize:
		var size int64
		if err := json.Unmarshal(value, &size); err != nil {
			return fmt.Errorf("%w: size value: %v", ErrInvalidResolution, err)
		}
		file.Size = size
	case ConflictStatus:
		var status string
		if err := json.Unmarshal(value, &status); err != nil {
			return fmt.Errorf("%w: status value: %v", ErrInvalidResolution, err)
		}
		file.Status = status
	case ConflictMetadata:
		var metadata map[string]string
		if err := json.Unmarshal(value, &metadata); err != nil {
			return fmt.Errorf("%w: metadata value: %v", ErrInvalidResolution, err)
		}
		file.Metadata = metadata
	}

	file.UpdatedAt = e.nowFn()
	if err := e.meta.SaveFile(file); err != nil {
		return err
	}
	e.index(file)
	return nil
}
