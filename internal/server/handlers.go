package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/health"
	"github.com/debridmm/dmm-server/internal/reconnect"
	"github.com/debridmm/dmm-server/internal/storage"
	syncengine "github.com/debridmm/dmm-server/internal/sync"
	"github.com/debridmm/dmm-server/internal/tokens"
)

// handleStatus returns the current connection status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	user := userID(r)

	response := map[string]interface{}{
		"status": s.statusMgr.Get(user),
	}
	if r.URL.Query().Get("include_health_checks") == "true" {
		response["health_checks"] = s.prober.History(user)
	}
	if r.URL.Query().Get("include_diagnostics") == "true" {
		response["diagnostics"] = s.diagnostics(user)
	}
	writeJSON(w, http.StatusOK, response)
}

// diagnostics summarizes recovery state and recent check timings for
// troubleshooting.
func (s *Server) diagnostics(user string) map[string]interface{} {
	st := s.statusMgr.Get(user)

	// History is newest first; keep the latest result per check kind.
	lastChecks := make(map[string]interface{})
	for _, r := range s.prober.History(user) {
		if _, seen := lastChecks[r.Name]; seen {
			continue
		}
		lastChecks[r.Name] = map[string]interface{}{
			"success":          r.Success,
			"response_time_ms": r.ResponseTimeMs,
			"error":            r.Error,
			"timestamp":        r.Timestamp,
		}
	}

	return map[string]interface{}{
		"reconnect_state":      s.reconnector.StateFor(user).String(),
		"consecutive_errors":   st.ConsecutiveErrors,
		"consecutive_failures": st.Service.ConsecutiveFailures,
		"error_rate":           st.Service.ErrorRate,
		"can_refresh":          s.canRefresh(user),
		"last_checks":          lastChecks,
	}
}

// handleHealthCheck runs health checks on demand. An empty check_type runs
// all three.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	user := userID(r)

	var body struct {
		CheckType string `json:"check_type"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	var results []health.Result
	if body.CheckType == "" {
		results = s.prober.RunAll(r.Context(), user)
	} else {
		kind, ok := health.ParseCheckKind(body.CheckType)
		if !ok {
			writeError(w, http.StatusBadRequest, "validation_error", "unknown check type")
			return
		}
		results = []health.Result{s.prober.RunCheck(r.Context(), user, kind)}
	}

	s.statusMgr.ApplyHealthResults(user, results, s.canRefresh(user))
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) canRefresh(user string) bool {
	tok, err := s.tokens.GetTokens(user)
	return err == nil && tok != nil && tok.RefreshToken != ""
}

// handleReconnect triggers a reconnection run and blocks until it settles
// or the request is cancelled.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	user := userID(r)

	var body struct {
		Reason      string `json:"reason"`
		MaxAttempts int    `json:"max_attempts"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = string(reconnect.ReasonManual)
	}

	result, err := s.reconnector.Reconnect(r.Context(), user, reconnect.Reason(body.Reason), body.MaxAttempts)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-run; nothing to report
			return
		}
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleConfig reads or updates the runtime configuration. Updates require a
// config file so they survive restarts; the applied changes flow through the
// same callback as an external file edit.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if s.configLoader != nil {
			writeJSON(w, http.StatusOK, s.configLoader.GetConfig())
			return
		}
		writeJSON(w, http.StatusOK, s.cfg)

	case http.MethodPatch:
		if s.configLoader == nil {
			writeError(w, http.StatusConflict, "conflict", "no config file in use")
			return
		}
		patch, err := io.ReadAll(r.Body)
		if err != nil || len(patch) == 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
		err = s.configLoader.UpdateConfigAtomic(func(cfg *config.Config) (*config.Config, error) {
			if err := json.Unmarshal(patch, cfg); err != nil {
				return nil, fmt.Errorf("invalid config patch: %w", err)
			}
			return cfg, nil
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.configLoader.GetConfig())

	default:
		methodNotAllowed(w)
	}
}

/// handleAuthToken manages the caller's stored credentials: set, partially
// update, or remove.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	user := userID(r)

	switch r.Method {
	case http.MethodPost:
		var body struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token,omitempty"`
			ExpiresIn    int    `json:"expires_in,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AccessToken == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "access_token is required")
			return
		}
		if body.ExpiresIn <= 0 {
			body.ExpiresIn = 3600
		}
		err := s.tokens.StoreTokens(user, &tokens.Tokens{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    body.ExpiresIn,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPatch:
		var body struct {
			AccessToken  *string `json:"access_token,omitempty"`
			RefreshToken *string `json:"refresh_token,omitempty"`
			ExpiresIn    *int    `json:"expires_in,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
		err := s.tokens.UpdateTokens(user, tokens.Partial{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			ExpiresIn:    body.ExpiresIn,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := s.tokens.DeleteTokens(user); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

// handleAuthExchange trades an OAuth authorization code for credentials and
// stores them for the caller.
func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	user := userID(r)

	var body struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "code is required")
		return
	}

	resp, err := s.debrid.ExchangeCode(r.Context(), body.Code, body.RedirectURI)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.tokens.StoreTokens(user, &tokens.Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		Scope:        resp.Scope,
	}); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token_type": resp.TokenType,
		"expires_in": resp.ExpiresIn,
		"scope":      resp.Scope,
	})
}

// handleNotifications lists or clears the user's notifications.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	switch r.Method {
	case http.MethodGet:
		includeDismissed := r.URL.Query().Get("include_dismissed") == "true"
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"notifications": s.notifier.List(user, includeDismissed),
		})
	case http.MethodDelete:
		s.notifier.ClearAll(user)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// handleNotificationAction handles POST /api/notifications/{id}/{dismiss|acknowledge}.
func (s *Server) handleNotificationAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/notifications/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid notification path")
		return
	}
	user := userID(r)

	switch parts[1] {
	case "dismiss":
		s.notifier.Dismiss(user, parts[0])
	case "acknowledge":
		s.notifier.Acknowledge(user, parts[0])
	default:
		writeError(w, http.StatusBadRequest, "validation_error", "unknown notification action")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync starts a sync run (POST) or lists recent operations (GET).
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	switch r.Method {
	case http.MethodGet:
		ops, err := s.meta.ListSyncOperations(user, parseIntQuery(r, "limit", 20), parseIntQuery(r, "offset", 0))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})

	case http.MethodPost:
		var body struct {
			Type     string     `json:"type"`
			Since    *time.Time `json:"since,omitempty"`
			PageSize int        `json:"page_size,omitempty"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		typ := syncengine.Type(body.Type)
		switch typ {
		case "":
			typ = syncengine.TypeFull
		case syncengine.TypeFull, syncengine.TypeIncremental:
		default:
			writeError(w, http.StatusBadRequest, "validation_error", "invalid sync type")
			return
		}
		var since time.Time
		if body.Since != nil {
			since = *body.Since
		}

		operationID, err := s.syncEngine.StartAsync(user, typ, since, syncengine.Options{PageSize: body.PageSize})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"operation_id": operationID})

	default:
		methodNotAllowed(w)
	}
}

// handleSyncOperation handles GET and DELETE on /api/sync/{id}.
func (s *Server) handleSyncOperation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/sync/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid operation path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		op, err := s.meta.GetSyncOperation(id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, op)

	case http.MethodDelete:
		if err := s.syncEngine.CancelSync(id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

// handleConflicts lists sync conflicts, optionally filtered by resolution
// status.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conflicts, err := s.meta.ListConflicts(userID(r), r.URL.Query().Get("status"),
		parseIntQuery(r, "limit", 50), parseIntQuery(r, "offset", 0))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

// handleConflictResolve handles POST /api/conflicts/{id}/resolve.
func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/conflicts/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resolve" {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid conflict path")
		return
	}

	var body struct {
		Resolution string          `json:"resolution"`
		MergedData json.RawMessage `json:"merged_data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	if err := s.syncEngine.ResolveConflict(parts[0], syncengine.Resolution(body.Resolution), body.MergedData); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFolders lists root folders or creates a folder.
func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	switch r.Method {
	case http.MethodGet:
		folders, err := s.library.ListFolders(user, r.URL.Query().Get("parent_id"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"folders": folders})

	case http.MethodPost:
		var body struct {
			Name     string `json:"name"`
			ParentID string `json:"parent_id,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
		folder, err := s.library.CreateFolder(user, body.Name, body.ParentID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, folder)

	default:
		methodNotAllowed(w)
	}
}

// handleFolder handles /api/folders/{id} and /api/folders/{id}/files.
func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/folders/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "folder id is required")
		return
	}
	user := userID(r)
	folderID := parts[0]

	if len(parts) == 2 && parts[1] == "files" {
		s.handleFolderFiles(w, r, user, folderID)
		return
	}
	if len(parts) != 1 {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid folder path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		folder, err := s.library.GetFolder(user, folderID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)

	case http.MethodPatch:
		var body struct {
			Name     *string `json:"name,omitempty"`
			ParentID *string `json:"parent_id,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
		var folder *storage.FolderRecord
		var err error
		switch {
		case body.Name != nil:
			folder, err = s.library.RenameFolder(user, folderID, *body.Name)
		case body.ParentID != nil:
			folder, err = s.library.MoveFolder(user, folderID, *body.ParentID)
		default:
			writeError(w, http.StatusBadRequest, "validation_error", "nothing to update")
			return
		}
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)

	case http.MethodDelete:
		if err := s.library.DeleteFolder(user, folderID); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

// handleFolderFiles lists a folder's contents or assigns a file to it.
func (s *Server) handleFolderFiles(w http.ResponseWriter, r *http.Request, user, folderID string) {
	switch r.Method {
	case http.MethodGet:
		files, err := s.library.ListFolderContents(user, folderID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})

	case http.MethodPost:
		var body struct {
			FileID string `json:"file_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.FileID == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "file_id is required")
			return
		}
		assignment, err := s.library.AssignFile(user, body.FileID, folderID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, assignment)

	default:
		methodNotAllowed(w)
	}
}

// handleFiles lists files or records a tentative placeholder.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	switch r.Method {
	case http.MethodGet:
		filter := storage.FileFilter{Status: r.URL.Query().Get("status")}
		if v := r.URL.Query().Get("tentative"); v != "" {
			tentative := v == "true"
			filter.Tentative = &tentative
		}
		files, err := s.library.ListFiles(user, filter, parseIntQuery(r, "limit", 50), parseIntQuery(r, "offset", 0))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})

	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
			return
		}
		file, err := s.library.AddTentativeFile(user, body.Name)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, file)

	default:
		methodNotAllowed(w)
	}
}

// handleFile handles GET and DELETE on /api/files/{id}.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid file path")
		return
	}
	user := userID(r)

	switch r.Method {
	case http.MethodGet:
		file, err := s.library.GetFile(user, id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, file)

	case http.MethodDelete:
		var err error
		if r.URL.Query().Get("tentative") == "true" {
			err = s.library.DiscardTentativeFile(user, id)
		} else {
			err = s.library.DeleteFile(user, id)
		}
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w)
	}
}

// handleAssignment handles DELETE /api/assignments/{id}.
func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/assignments/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid assignment path")
		return
	}
	if err := s.library.UnassignFile(userID(r), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch runs a full-text query over the user's library.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "q is required")
		return
	}

	results, err := s.searchIndex.Search(userID(r), query, parseIntQuery(r, "limit", 20))
	if err != nil {
		s.logger.Error("Search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleWebSocket upgrades to the event stream, scoped to the caller's user.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsManager.HandleWebSocket(w, r, userID(r))
}

func parseIntQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
