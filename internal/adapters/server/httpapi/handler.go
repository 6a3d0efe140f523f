// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/evanschultz/tandem/internal/adapters/server/common"
	"github.com/evanschultz/tandem/internal/app"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// maxSnapshotBodyBytes allows larger payloads for snapshot imports.
const maxSnapshotBodyBytes int64 = 32 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	service common.Service
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter over the transport service.
func NewHandler(service common.Service) *Handler {
	return &Handler{service: service}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "unavailable",
			Message: "tandem service is not configured",
		})
		return
	}
	path := normalizePath(r.URL.Path)
	segments := strings.Split(path, "/")
	switch {
	case path == "sync/status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleSyncStatus(w, r)
	case path == "sync":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleSync(w, r)
	case path == "conflicts":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleListConflicts(w, r)
	case len(segments) == 3 && segments[0] == "conflicts" && segments[2] == "resolve" && segments[1] != "":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleResolveConflict(w, r, segments[1])
	case path == "history":
		switch r.Method {
		case http.MethodGet:
			h.handleListHistory(w, r)
		case http.MethodDelete:
			h.handlePurgeHistory(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case len(segments) == 3 && segments[0] == "history" && segments[2] == "undo" && segments[1] != "":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleUndo(w, r, segments[1])
	case path == "undos":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleVisibleUndos(w, r)
	case path == "snapshot":
		switch r.Method {
		case http.MethodGet:
			h.handleExportSnapshot(w, r)
		case http.MethodPost:
			h.handleImportSnapshot(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case len(segments) == 2 && segments[0] == "entities" && segments[1] != "":
		switch r.Method {
		case http.MethodGet:
			h.handleListEntities(w, r, segments[1])
		case http.MethodPost:
			h.handleCreateEntity(w, r, segments[1])
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case len(segments) == 3 && segments[0] == "entities" && segments[1] != "" && segments[2] != "":
		switch r.Method {
		case http.MethodGet:
			h.handleGetEntity(w, r, segments[1], segments[2])
		case http.MethodPatch:
			h.handleUpdateEntity(w, r, segments[1], segments[2])
		case http.MethodDelete:
			h.handleDeleteEntity(w, r, segments[1], segments[2])
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case len(segments) == 4 && segments[0] == "entities" && segments[3] == "complete" && segments[1] != "" && segments[2] != "":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleSetCompletion(w, r, segments[1], segments[2])
	default:
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "endpoint not found",
		})
	}
}

// handleSyncStatus serves GET `/sync/status`.
func (h *Handler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.SyncStatus(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSync serves POST `/sync`.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req common.SyncRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	status, err := h.service.Sync(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleListConflicts serves GET `/conflicts`.
func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.service.ListConflicts(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
	})
}

// handleResolveConflict serves POST `/conflicts/{id}/resolve`.
func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID string) {
	var req common.ResolveConflictRequest
	if err := decodeJSONBody(r.Context(), w, r, &req, maxRequestBodyBytes); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ID = conflictID
	resolved, err := h.service.ResolveConflict(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// handleListHistory serves GET `/history`.
func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	req := common.ListHistoryRequest{
		EntityID: strings.TrimSpace(r.URL.Query().Get("entity_id")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: "limit must be an integer",
			})
			return
		}
		req.Limit = limit
	}
	entries, err := h.service.ListHistory(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}

// handlePurgeHistory serves DELETE `/history?before=RFC3339`.
func (h *Handler) handlePurgeHistory(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("before"))
	before, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: "before must be an RFC3339 timestamp",
		})
		return
	}
	purged, err := h.service.PurgeHistory(r.Context(), common.PurgeHistoryRequest{Before: before})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"purged": purged,
	})
}

// handleUndo serves POST `/history/{id}/undo`.
func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request, historyID string) {
	entry, err := h.service.Undo(r.Context(), historyID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleVisibleUndos serves GET `/undos`.
func (h *Handler) handleVisibleUndos(w http.ResponseWriter, r *http.Request) {
	undos, err := h.service.VisibleUndos(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"undos": undos,
	})
}

// handleExportSnapshot serves GET `/snapshot`.
func (h *Handler) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ExportSnapshot(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleImportSnapshot serves POST `/snapshot`.
func (h *Handler) handleImportSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap app.Snapshot
	if err := decodeJSONBody(r.Context(), w, r, &snap, maxSnapshotBodyBytes); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.ImportSnapshot(r.Context(), snap)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListEntities serves GET `/entities/{kind}`.
func (h *Handler) handleListEntities(w http.ResponseWriter, r *http.Request, kind string) {
	entities, err := h.service.ListEntities(r.Context(), kind)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
	})
}

// handleGetEntity serves GET `/entities/{kind}/{id}`.
func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request, kind, id string) {
	entity, err := h.service.GetEntity(r.Context(), kind, id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// handleCreateEntity serves POST `/entities/{kind}`.
func (h *Handler) handleCreateEntity(w http.ResponseWriter, r *http.Request, kind string) {
	var req common.CreateEntityRequest
	if err := decodeJSONBody(r.Context(), w, r, &req, maxRequestBodyBytes); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.Kind = kind
	req.Wait = waitRequested(r)
	out, err := h.service.CreateEntity(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// handleUpdateEntity serves PATCH `/entities/{kind}/{id}` with a patch body.
func (h *Handler) handleUpdateEntity(w http.ResponseWriter, r *http.Request, kind, id string) {
	req := common.UpdateEntityRequest{Kind: kind, ID: id, Wait: waitRequested(r)}
	if err := decodeJSONBody(r.Context(), w, r, &req.Patch, maxRequestBodyBytes); err != nil {
		writeErrorFrom(w, err)
		return
	}
	out, err := h.service.UpdateEntity(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteEntity serves DELETE `/entities/{kind}/{id}`.
func (h *Handler) handleDeleteEntity(w http.ResponseWriter, r *http.Request, kind, id string) {
	out, err := h.service.DeleteEntity(r.Context(), common.DeleteEntityRequest{
		Kind: kind,
		ID:   id,
		Wait: waitRequested(r),
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetCompletion serves POST `/entities/{kind}/{id}/complete`.
func (h *Handler) handleSetCompletion(w http.ResponseWriter, r *http.Request, kind, id string) {
	var req common.SetCompletionRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.Kind = kind
	req.ID = id
	req.Wait = waitRequested(r)
	out, err := h.service.SetCompletion(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// waitRequested reports whether the caller asked to block on the remote ack.
func waitRequested(r *http.Request) bool {
	wait, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait")))
	return err == nil && wait
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrConflict):
		writeJSONError(w, http.StatusConflict, APIError{
			Code:    "conflict",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrOffline):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "offline",
			Message: err.Error(),
			Hint:    "Local changes are kept and pushed once the remote is reachable.",
		})
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "unavailable",
			Message: err.Error(),
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any, limit int64) error {
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
