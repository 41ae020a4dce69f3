package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for the bbolt database
const (
	StatusBucket        = "connection_status"
	HealthHistoryBucket = "health_history"
	NotificationsBucket = "notifications"
	PreferencesBucket   = "preferences"
	TokensBucket        = "oauth_tokens" //nolint:gosec // bucket name, not a credential
	FilesBucket         = "files"
	FoldersBucket       = "folders"
	AssignmentsBucket   = "assignments"
	SyncOpsBucket       = "sync_operations"
	ConflictsBucket     = "sync_conflicts"
	MetaBucket          = "meta"
)

var allBuckets = []string{
	StatusBucket,
	HealthHistoryBucket,
	NotificationsBucket,
	PreferencesBucket,
	TokensBucket,
	FilesBucket,
	FoldersBucket,
	AssignmentsBucket,
	SyncOpsBucket,
	ConflictsBucket,
	MetaBucket,
}

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// Record is the envelope every stored value is wrapped in. Age-based
// eviction and corruption handling operate on this envelope, not on the
// payload itself.
type Record struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
}

// FileRecord is the locally stored metadata for one remote file.
type FileRecord struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
	Status   string `json:"status"`
	Link     string `json:"link,omitempty"`
	Host     string `json:"host,omitempty"`

	// Free-form properties blob tracked as one conflict field group
	Metadata map[string]string `json:"metadata,omitempty"`

	Added     time.Time `json:"added"`
	UpdatedAt time.Time `json:"updated_at"`

	// Tentative marks an optimistic record awaiting the authoritative
	// upstream response. Tentative records are replaced or discarded on
	// reconciliation, never merged.
	Tentative bool `json:"tentative,omitempty"`
}

// FolderRecord is a virtual folder. Folders are metadata only; no file data
// moves when a folder changes.
type FolderRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssignmentRecord places a file in a virtual folder.
type AssignmentRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FileID    string    `json:"file_id"`
	FolderID  string    `json:"folder_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncOperationRecord tracks one run of reconciling local metadata against
// the upstream source of truth.
type SyncOperationRecord struct {
	OperationID    string     `json:"operation_id"`
	UserID         string     `json:"user_id"`
	Type           string     `json:"type"`   // full_sync, incremental_sync
	Status         string     `json:"status"` // started, running, completed, failed, cancelled
	ItemsTotal     int        `json:"items_total"`
	ItemsProcessed int        `json:"items_processed"`
	Errors         []string   `json:"errors,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// SyncConflictRecord is a detected divergence between a locally stored field
// value and the freshly observed remote value for the same file.
type SyncConflictRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	FileID           string          `json:"file_id"`
	ConflictType     string          `json:"conflict_type"`     // name_conflict, size_conflict, status_conflict, metadata_conflict
	LocalValue       json.RawMessage `json:"local_value"`
	RemoteValue      json.RawMessage `json:"remote_value"`
	ResolutionStatus string          `json:"resolution_status"` // pending, resolved_keep_local, resolved_keep_remote, resolved_merge
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}
