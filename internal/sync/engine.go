// Package sync reconciles local file metadata against the upstream
// source of truth and tracks divergences as resolvable conflicts.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/debrid"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/notify"
	"github.com/debridmm/dmm-server/internal/storage"
	"github.com/debridmm/dmm-server/internal/tokens"
)

// Type selects the enumeration scope of a sync run.
type Type string

const (
	TypeFull        Type = "full_sync"
	TypeIncremental Type = "incremental_sync"
)

// Operation status values. Terminal once in {completed, failed, cancelled}.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Resolution names a conflict resolution strategy.
type Resolution string

const (
	ResolutionKeepLocal  Resolution = "keep_local"
	ResolutionKeepRemote Resolution = "keep_remote"
	ResolutionMerge      Resolution = "merge"
)

// Tracked conflict field groups.
const (
	ConflictName     = "name_conflict"
	ConflictSize     = "size_conflict"
	ConflictStatus   = "status_conflict"
	ConflictMetadata = "metadata_conflict"
)

var (
	ErrSyncInProgress      = errors.New("a sync operation is already running for this user")
	ErrOperationTerminal   = errors.New("sync operation already finished")
	ErrConflictResolved    = errors.New("conflict already resolved")
	ErrInvalidResolution   = errors.New("invalid resolution")
	ErrMergedDataRequired  = errors.New("merge resolution requires merged data")
	ErrUnknownConflictType = errors.New("unknown conflict type")
)

// Options tunes one sync run.
type Options struct {
	PageSize int
}

// Result is the outcome of a completed sync invocation.
type Result struct {
	OperationID string   `json:"operation_id"`
	Success     bool     `json:"success"`
	Errors      []string `json:"errors,omitempty"`
}

// Indexer receives upserted file records for search indexing. Implemented by
// the bleve index manager; nil disables indexing.
type Indexer interface {
	IndexFile(f *storage.FileRecord) error
	DeleteFile(id string) error
}

// Engine runs full and incremental metadata syncs. One non-terminal
// operation per user; cancellation is observed between upstream calls and
// keeps committed upserts.
type Engine struct {
	client     *debrid.Client
	tokenStore *tokens.Store
	meta       *storage.MetadataStore
	bus        *events.Bus
	notifier   *notify.Notifier
	indexer    Indexer
	logger     *zap.Logger

	pageSize          int
	incrementalWindow time.Duration

	mu      gosync.Mutex
	cancels map[string]context.CancelFunc // operationID -> cancel
	running map[string]string             // userID -> operationID

	nowFn func() time.Time
}

// NewEngine builds a sync engine. notifier and indexer may be nil.
func NewEngine(client *debrid.Client, tokenStore *tokens.Store, meta *storage.MetadataStore, bus *events.Bus, notifier *notify.Notifier, indexer Indexer, cfg *config.SyncConfig, logger *zap.Logger) *Engine {
	pageSize := config.DefaultSyncPageSize
	window := config.DefaultIncrementalSyncWindow
	if cfg != nil {
		if cfg.PageSize > 0 && cfg.PageSize <= config.MaxSyncPageSize {
			pageSize = cfg.PageSize
		}
		if cfg.IncrementalWindow.Duration() > 0 {
			window = cfg.IncrementalWindow.Duration()
		}
	}

	return &Engine{
		client:            client,
		tokenStore:        tokenStore,
		meta:              meta,
		bus:               bus,
		notifier:          notifier,
		indexer:           indexer,
		logger:            logger.Named("sync"),
		pageSize:          pageSize,
		incrementalWindow: window,
		cancels:           make(map[string]context.CancelFunc),
		running:           make(map[string]string),
		nowFn:             time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (e *Engine) SetClock(now func() time.Time) {
	e.nowFn = now
}

// ApplyConfig swaps the run tunables, typically on a config reload. In-flight
// runs keep the values they started with; the next run reads the new ones.
func (e *Engine) ApplyConfig(cfg *config.SyncConfig) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.PageSize > 0 && cfg.PageSize <= config.MaxSyncPageSize {
		e.pageSize = cfg.PageSize
	}
	if cfg.IncrementalWindow.Duration() > 0 {
		e.incrementalWindow = cfg.IncrementalWindow.Duration()
	}
}

func (e *Engine) tunables() (pageSize int, window time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pageSize, e.incrementalWindow
}

// StartFullSync enumerates all remote items and reconciles them into the
// local metadata store, blocking until the run finishes.
func (e *Engine) StartFullSync(ctx context.Context, userID string, opts Options) (*Result, error) {
	return e.runSync(ctx, userID, TypeFull, time.Time{}, opts)
}

// StartIncrementalSync limits enumeration to items changed after since. A
// zero since defaults to the configured incremental window back from now.
func (e *Engine) StartIncrementalSync(ctx context.Context, userID string, since time.Time, opts Options) (*Result, error) {
	if since.IsZero() {
		_, window := e.tunables()
		since = e.nowFn().Add(-window)
	}
	return e.runSync(ctx, userID, TypeIncremental, since, opts)
}

// StartAsync begins a sync in the background and returns its operation id
// immediately. The run is cancellable through CancelSync.
func (e *Engine) StartAsync(userID string, typ Type, since time.Time, opts Options) (string, error) {
	op, token, runCtx, err := e.begin(context.Background(), userID, typ)
	if err != nil {
		return "", err
	}
	if typ == TypeIncremental && since.IsZero() {
		_, window := e.tunables()
		since = e.nowFn().Add(-window)
	}
	go func() {
		result := e.loop(runCtx, op, token, since, opts)
		e.logger.Info("Background sync finished",
			zap.String("operation", op.OperationID),
			zap.Bool("success", result.Success))
	}()
	return op.OperationID, nil
}

func (e *Engine) runSync(ctx context.Context, userID string, typ Type, since time.Time, opts Options) (*Result, error) {
	op, token, runCtx, err := e.begin(ctx, userID, typ)
	if err != nil {
		return nil, err
	}
	return e.loop(runCtx, op, token, since, opts), nil
}

// begin validates credentials, records the operation and registers its
// cancel handle. Authentication failure aborts before any record is written.
func (e *Engine) begin(ctx context.Context, userID string, typ Type) (*storage.SyncOperationRecord, string, context.Context, error) {
	tok, err := e.tokenStore.GetTokens(userID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("load tokens: %w", err)
	}
	if tok == nil {
		return nil, "", nil, debrid.ErrNoToken
	}
	if e.tokenStore.IsExpired(tok, config.TokenExpiryBufferMinutes) {
		if tok, err = e.tokenStore.Refresh(ctx, userID); err != nil {
			return nil, "", nil, fmt.Errorf("refresh expired token: %w", err)
		}
	}

	op := &storage.SyncOperationRecord{
		OperationID: uuid.NewString(),
		UserID:      userID,
		Type:        string(typ),
		Status:      StatusStarted,
		StartedAt:   e.nowFn(),
	}

	e.mu.Lock()
	if _, busy := e.running[userID]; busy {
		e.mu.Unlock()
		return nil, "", nil, ErrSyncInProgress
	}
	if err := e.meta.SaveSyncOperation(op); err != nil {
		e.mu.Unlock()
		return nil, "", nil, fmt.Errorf("record sync operation: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancels[op.OperationID] = cancel
	e.running[userID] = op.OperationID
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Type:   events.SyncStarted,
		UserID: userID,
		Data:   map[string]interface{}{"operation_id": op.OperationID, "type": string(typ)},
	})
	return op, tok.AccessToken, runCtx, nil
}

func (e *Engine) loop(ctx context.Context, op *storage.SyncOperationRecord, token string, since time.Time, opts Options) *Result {
	defer e.release(op)

	pageSize, _ := e.tunables()
	if opts.PageSize > 0 && opts.PageSize <= config.MaxSyncPageSize {
		pageSize = opts.PageSize
	}

	op.Status = StatusRunning
	e.saveOp(op)

	conflicts := 0
	var authErr error

	sources := []struct {
		name  string
		fetch func(page int) ([]*storage.FileRecord, error)
	}{
		{"torrents", func(page int) ([]*storage.FileRecord, error) {
			items, err := e.client.ListTorrents(ctx, token, page, pageSize)
			if err != nil {
				return nil, err
			}
			records := make([]*storage.FileRecord, 0, len(items))
			for i := range items {
				if !since.IsZero() && !items[i].Added.After(since) {
					continue
				}
				records = append(records, fileFromTorrent(op.UserID, &items[i], e.nowFn()))
			}
			return records, nil
		}},
		{"downloads", func(page int) ([]*storage.FileRecord, error) {
			items, err := e.client.ListDownloads(ctx, token, page, pageSize)
			if err != nil {
				return nil, err
			}
			records := make([]*storage.FileRecord, 0, len(items))
			for i := range items {
				if !since.IsZero() && !items[i].Generated.After(since) {
					continue
				}
				records = append(records, fileFromDownload(op.UserID, &items[i], e.nowFn()))
			}
			return records, nil
		}},
	}

enumerate:
	for _, src := range sources {
		for page := 1; ; page++ {
			if ctx.Err() != nil {
				break enumerate
			}

			records, err := src.fetch(page)
			if err != nil {
				if errors.Is(err, debrid.ErrTokenInvalid) || errors.Is(err, debrid.ErrNoToken) {
					authErr = err
					break enumerate
				}
				if ctx.Err() != nil {
					break enumerate
				}
				// Source-level failure is recorded, the other source still runs
				op.Errors = append(op.Errors, fmt.Sprintf("%s page %d: %v", src.name, page, err))
				break
			}
			if len(records) == 0 {
				break
			}

			op.ItemsTotal += len(records)
			for _, remote := range records {
				if ctx.Err() != nil {
					break enumerate
				}
				n, err := e.reconcile(remote)
				if err != nil {
					op.Errors = append(op.Errors, fmt.Sprintf("%s %s: %v", src.name, remote.ID, err))
				} else {
					op.ItemsProcessed++
					conflicts += n
				}
			}
			e.saveOp(op)
			e.bus.Publish(events.Event{
				Type:   events.SyncProgress,
				UserID: op.UserID,
				Data: map[string]interface{}{
					"operation_id":    op.OperationID,
					"items_total":     op.ItemsTotal,
					"items_processed": op.ItemsProcessed,
				},
			})

			// Short page means the listing is exhausted
			if len(records) < pageSize {
				break
			}
		}
	}

	return e.finish(ctx, op, authErr, conflicts)
}

// finish settles the operation into its terminal state. Committed upserts
// are kept in every outcome.
func (e *Engine) finish(ctx context.Context, op *storage.SyncOperationRecord, authErr error, conflicts int) *Result {
	now := e.nowFn()
	op.FinishedAt = &now

	switch {
	case authErr != nil:
		op.Status = StatusFailed
		op.Errors = append(op.Errors, fmt.Sprintf("authentication: %v", authErr))
	case ctx.Err() != nil:
		op.Status = StatusCancelled
	default:
		op.Status = StatusCompleted
	}
	e.saveOp(op)

	result := &Result{
		OperationID: op.OperationID,
		Success:     op.Status == StatusCompleted,
		Errors:      op.Errors,
	}

	data := map[string]interface{}{
		"operation_id":    op.OperationID,
		"items_processed": op.ItemsProcessed,
		"conflicts":       conflicts,
	}
	switch op.Status {
	case StatusCompleted:
		e.bus.Publish(events.Event{Type: events.SyncCompleted, UserID: op.UserID, Data: data})
		if e.notifier != nil {
			e.notifier.SyncCompleted(op.UserID, op.OperationID, op.ItemsProcessed, conflicts)
		}
	case StatusCancelled:
		e.bus.Publish(events.Event{Type: events.SyncCancelled, UserID: op.UserID, Data: data})
	case StatusFailed:
		data["error"] = op.Errors[len(op.Errors)-1]
		e.bus.Publish(events.Event{Type: events.SyncFailed, UserID: op.UserID, Data: data})
		if e.notifier != nil {
			e.notifier.SyncFailed(op.UserID, op.OperationID, op.Errors[len(op.Errors)-1])
		}
	}

	e.logger.Info("Sync finished",
		zap.String("operation", op.OperationID),
		zap.String("status", op.Status),
		zap.Int("processed", op.ItemsProcessed),
		zap.Int("conflicts", conflicts),
		zap.Int("errors", len(op.Errors)))
	return result
}

func (e *Engine) release(op *storage.SyncOperationRecord) {
	e.mu.Lock()
	if cancel, ok := e.cancels[op.OperationID]; ok {
		cancel()
		delete(e.cancels, op.OperationID)
	}
	if e.running[op.UserID] == op.OperationID {
		delete(e.running, op.UserID)
	}
	e.mu.Unlock()
}

func (e *Engine) saveOp(op *storage.SyncOperationRecord) {
	if err := e.meta.SaveSyncOperation(op); err != nil {
		e.logger.Warn("Failed to persist sync operation",
			zap.String("operation", op.OperationID), zap.Error(err))
	}
}

// reconcile upserts one remote record, creating pending conflicts for
// tracked field groups that diverge instead of overwriting either side.
// Returns the number of new conflicts.
func (e *Engine) reconcile(remote *storage.FileRecord) (int, error) {
	local, err := e.meta.GetFile(remote.UserID, remote.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// A matching optimistic placeholder is replaced wholesale by the
		// authoritative copy instead of living on next to it
		if tentative := e.findTentative(remote); tentative != nil {
			if err := e.meta.ReplaceTentativeFile(remote.UserID, tentative.ID, remote); err != nil {
				return 0, err
			}
		} else if err := e.meta.SaveFile(remote); err != nil {
			return 0, err
		}
		e.index(remote)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	conflicts := 0
	for _, d := range divergences(local, remote) {
		created, err := e.recordConflict(local, d)
		if err != nil {
			return conflicts, err
		}
		if created {
			conflicts++
		}
	}

	// Untracked fields follow the remote side
	local.Link = remote.Link
	local.Host = remote.Host
	local.UpdatedAt = remote.UpdatedAt
	if err := e.meta.SaveFile(local); err != nil {
		return conflicts, err
	}
	e.index(local)
	return conflicts, nil
}

// findTentative looks for an optimistic placeholder matching the remote
// record by name.
func (e *Engine) findTentative(remote *storage.FileRecord) *storage.FileRecord {
	tentative := true
	candidates, err := e.meta.ListFiles(remote.UserID, storage.FileFilter{Tentative: &tentative}, storage.MaxPageLimit, 0)
	if err != nil {
		e.logger.Warn("Failed to list tentative files", zap.Error(err))
		return nil
	}
	for _, c := range candidates {
		if c.Name == remote.Name || c.Name == remote.Filename {
			return c
		}
	}
	return nil
}

type divergence struct {
	conflictType string
	local        interface{}
	remote       interface{}
}

func divergences(local, remote *storage.FileRecord) []divergence {
	var out []divergence
	if local.Name != remote.Name {
		out = append(out, divergence{ConflictName, local.Name, remote.Name})
	}
	if local.Size != remote.Size {
		out = append(out, divergence{ConflictSize, local.Size, remote.Size})
	}
	if local.Status != remote.Status {
		out = append(out, divergence{ConflictStatus, local.Status, remote.Status})
	}
	if !metadataEqual(local.Metadata, remote.Metadata) {
		out = append(out, divergence{ConflictMetadata, local.Metadata, remote.Metadata})
	}
	return out
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// recordConflict stores a pending conflict unless the same divergence is
// already open for this file.
func (e *Engine) recordConflict(local *storage.FileRecord, d divergence) (bool, error) {
	existing, err := e.meta.FindPendingConflict(local.UserID, local.ID, d.conflictType)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	localJSON, err := json.Marshal(d.local)
	if err != nil {
		return false, err
	}
	remoteJSON, err := json.Marshal(d.remote)
	if err != nil {
		return false, err
	}

	conflict := &storage.SyncConflictRecord{
		ID:               uuid.NewString(),
		UserID:           local.UserID,
		FileID:           local.ID,
		ConflictType:     d.conflictType,
		LocalValue:       localJSON,
		RemoteValue:      remoteJSON,
		ResolutionStatus: "pending",
		CreatedAt:        e.nowFn(),
	}
	if err := e.meta.SaveConflict(conflict); err != nil {
		return false, err
	}

	e.bus.Publish(events.Event{
		Type:   events.ConflictDetected,
		UserID: local.UserID,
		Data: map[string]interface{}{
			"conflict_id":   conflict.ID,
			"file_id":       local.ID,
			"conflict_type": d.conflictType,
		},
	})
	return true, nil
}

// CancelSync requests cancellation of a running operation. Safe to call
// concurrently with the in-flight run; cancelling a cancelled operation is a
// no-op, cancelling any other terminal operation is an error.
func (e *Engine) CancelSync(operationID string) error {
	e.mu.Lock()
	cancel, inFlight := e.cancels[operationID]
	e.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	op, err := e.meta.GetSyncOperation(operationID)
	if err != nil {
		return err
	}
	switch op.Status {
	case StatusCancelled:
		return nil
	case StatusCompleted, StatusFailed:
		return ErrOperationTerminal
	}

	// Stale non-terminal record with no live run (e.g. after a restart)
	now := e.nowFn()
	op.Status = StatusCancelled
	op.FinishedAt = &now
	e.saveOp(op)
	e.bus.Publish(events.Event{
		Type:   events.SyncCancelled,
		UserID: op.UserID,
		Data:   map[string]interface{}{"operation_id": op.OperationID},
	})
	return nil
}

func (e *Engine) index(f *storage.FileRecord) {
	if e.indexer == nil {
		return
	}
	if err := e.indexer.IndexFile(f); err != nil {
		e.logger.Warn("Failed to index file", zap.String("file", f.ID), zap.Error(err))
	}
}

func fileFromTorrent(userID string, t *debrid.Torrent, now time.Time) *storage.FileRecord {
	link := ""
	if len(t.Links) > 0 {
		link = t.Links[0]
	}
	return &storage.FileRecord{
		ID:       t.ID,
		UserID:   userID,
		Name:     t.Filename,
		Filename: t.Filename,
		Size:     t.Bytes,
		Status:   t.Status,
		Link:     link,
		Host:     t.Host,
		Metadata: map[string]string{
			"source": "torrent",
			"hash":   t.Hash,
		},
		Added:     t.Added,
		UpdatedAt: now,
	}
}

func fileFromDownload(userID string, d *debrid.Download, now time.Time) *storage.FileRecord {
	return &storage.FileRecord{
		ID:       d.ID,
		UserID:   userID,
		Name:     d.Filename,
		Filename: d.Filename,
		Size:     d.Filesize,
		Status:   "downloaded",
		Link:     d.Link,
		Host:     d.Host,
		Metadata: map[string]string{
			"source":    "download",
			"mime_type": d.MimeType,
		},
		Added:     d.Generated,
		UpdatedAt: now,
	}
}
