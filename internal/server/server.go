// Package server exposes the HTTP and WebSocket API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/debrid"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/health"
	"github.com/debridmm/dmm-server/internal/index"
	"github.com/debridmm/dmm-server/internal/library"
	"github.com/debridmm/dmm-server/internal/notify"
	"github.com/debridmm/dmm-server/internal/reconnect"
	"github.com/debridmm/dmm-server/internal/status"
	"github.com/debridmm/dmm-server/internal/storage"
	syncengine "github.com/debridmm/dmm-server/internal/sync"
	"github.com/debridmm/dmm-server/internal/tokens"
)

// Server wires the domain components behind the HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	statusMgr   *status.Manager
	prober      *health.Prober
	reconnector *reconnect.Engine
	notifier    *notify.Notifier
	syncEngine  *syncengine.Engine
	library     *library.Service
	searchIndex *index.Manager
	meta        *storage.MetadataStore
	tokens      *tokens.Store
	debrid      *debrid.Client

	// configLoader is nil when no config file is in use; the config API
	// degrades to read-only in that case.
	configLoader *config.Loader

	wsManager  *WebSocketManager
	httpServer *http.Server
}

// Deps collects the components the server exposes.
type Deps struct {
	StatusMgr    *status.Manager
	Prober       *health.Prober
	Reconnector  *reconnect.Engine
	Notifier     *notify.Notifier
	SyncEngine   *syncengine.Engine
	Library      *library.Service
	SearchIndex  *index.Manager
	Meta         *storage.MetadataStore
	Tokens       *tokens.Store
	Bus          *events.Bus
	Client       *debrid.Client
	ConfigLoader *config.Loader
}

// New builds the server and its route table.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger.Named("server"),
		statusMgr:    deps.StatusMgr,
		prober:       deps.Prober,
		reconnector:  deps.Reconnector,
		notifier:     deps.Notifier,
		syncEngine:   deps.SyncEngine,
		library:      deps.Library,
		searchIndex:  deps.SearchIndex,
		meta:         deps.Meta,
		tokens:       deps.Tokens,
		debrid:       deps.Client,
		configLoader: deps.ConfigLoader,
		wsManager:    NewWebSocketManager(deps.Bus, logger.Named("ws").Sugar()),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health-check", s.handleHealthCheck)
	mux.HandleFunc("/api/reconnect", s.handleReconnect)
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.HandleFunc("/api/auth/token", s.handleAuthToken)
	mux.HandleFunc("/api/auth/exchange", s.handleAuthExchange)

	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/notifications/", s.handleNotificationAction)

	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/sync/", s.handleSyncOperation)
	mux.HandleFunc("/api/conflicts", s.handleConflicts)
	mux.HandleFunc("/api/conflicts/", s.handleConflictResolve)

	mux.HandleFunc("/api/folders", s.handleFolders)
	mux.HandleFunc("/api/folders/", s.handleFolder)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/", s.handleFile)
	mux.HandleFunc("/api/assignments/", s.handleAssignment)
	mux.HandleFunc("/api/search", s.handleSearch)

	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: config.ServerReadHeaderTimeout,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()

	s.wsManager.Stop()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown was not clean", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// userID resolves the caller's user scope. Single-tenant deployments can
// omit it everywhere.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the structured error envelope every failure maps to.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = message
	writeJSON(w, code, body)
}

// writeDomainError maps expected domain failures to structured responses.
// Anything unrecognized becomes a generic internal error without leaking
// details.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, debrid.ErrNoToken), errors.Is(err, debrid.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
	case errors.Is(err, debrid.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, library.ErrNameRequired),
		errors.Is(err, library.ErrParentNotFound),
		errors.Is(err, syncengine.ErrInvalidResolution),
		errors.Is(err, syncengine.ErrMergedDataRequired),
		errors.Is(err, syncengine.ErrUnknownConflictType):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, syncengine.ErrConflictResolved),
		errors.Is(err, syncengine.ErrOperationTerminal),
		errors.Is(err, syncengine.ErrSyncInProgress),
		errors.Is(err, library.ErrFolderCycle):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error("Unhandled error in request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
