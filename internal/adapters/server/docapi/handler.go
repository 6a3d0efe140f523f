// Package docapi serves a remote.DocumentStore over REST with a websocket change feed.
//
// Routes:
//
//	PUT /v1/collections/{collection}/documents/{id}
//	GET /v1/collections/{collection}/documents?user_id=
//	GET /v1/collections/{collection}/feed?user_id=   (websocket)
//	GET /healthz
package docapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/evanschultz/tandem/internal/remote"
)

// maxDocumentBytes bounds one PUT body.
const maxDocumentBytes int64 = 4 << 20

// writeTimeout bounds one websocket frame write.
const writeTimeout = 5 * time.Second

// Options configures the handler.
type Options struct {
	// Token, when set, is the bearer token every request must carry.
	Token  string
	Logger *log.Logger
}

// Error codes carried in ErrorEnvelope and mapped back by clients.
const (
	CodeStale            = "stale"
	CodePermissionDenied = "permission_denied"
	CodeRejected         = "rejected"
	CodeOffline          = "offline"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal_error"
)

// APIError is one structured failure.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps one failure. Current is set for stale writes whose
// document exists.
type ErrorEnvelope struct {
	Error   APIError         `json:"error"`
	Current *remote.Document `json:"current,omitempty"`
}

// QueryResponse is the body of a document query.
type QueryResponse struct {
	Documents []remote.Document `json:"documents"`
}

// Handler serves one document store.
type Handler struct {
	store  remote.DocumentStore
	token  string
	logger *log.Logger
	mux    *http.ServeMux
}

// NewHandler builds the document API over store.
func NewHandler(store remote.DocumentStore, opts Options) (*Handler, error) {
	if store == nil {
		return nil, errors.New("document store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	h := &Handler{
		store:  store,
		token:  strings.TrimSpace(opts.Token),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.mux.HandleFunc("PUT /v1/collections/{collection}/documents/{id}", h.authorized(h.handlePut))
	h.mux.HandleFunc("GET /v1/collections/{collection}/documents", h.authorized(h.handleQuery))
	h.mux.HandleFunc("GET /v1/collections/{collection}/feed", h.authorized(h.handleFeed))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authorized enforces the bearer token when one is configured.
func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(h.token)) != 1 {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token", nil)
				return
			}
		}
		next(w, r)
	}
}

// handlePut upserts one document under its base precondition.
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	var doc remote.Document
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, CodeRejected, "decode document: "+err.Error(), nil)
		return
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		writeError(w, http.StatusBadRequest, CodeRejected, "document id does not match path", nil)
		return
	}

	stored, err := h.store.Put(r.Context(), collection, doc)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.logger.Debug("document stored", "collection", collection, "id", id, "user_id", stored.UserID, "deleted", stored.Deleted)
	writeJSON(w, http.StatusOK, stored)
}

// handleQuery lists one user's documents.
func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, CodeRejected, "user_id is required", nil)
		return
	}
	docs, err := h.store.Query(r.Context(), r.PathValue("collection"), userID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Documents: docs})
}

// handleFeed upgrades to a websocket and streams changes as JSON text frames.
// The first frame is the snapshot change.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, CodeRejected, "user_id is required", nil)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "collection", collection, "err", err)
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	feed, err := h.store.Listen(ctx, collection, userID, func(ch remote.Change) {
		data, err := json.Marshal(ch)
		if err != nil {
			h.logger.Error("encode change", "collection", collection, "err", err)
			return
		}
		writeCtx, done := context.WithTimeout(ctx, writeTimeout)
		defer done()
		if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			cancel()
		}
	})
	if err != nil {
		status, reason := closeStatusFor(err)
		_ = conn.Close(status, reason)
		return
	}
	h.logger.Debug("feed opened", "collection", collection, "user_id", userID)

	// Client frames are ignored; reading detects disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	select {
	case <-feed.Done():
		status, reason := closeStatusFor(feed.Err())
		_ = conn.Close(status, reason)
	case <-ctx.Done():
		_ = feed.Close()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	cancel()
	<-readDone
	h.logger.Debug("feed closed", "collection", collection, "user_id", userID)
}

// closeStatusFor maps a feed end reason onto a websocket close frame.
func closeStatusFor(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, remote.ErrOffline):
		return websocket.StatusGoingAway, CodeOffline
	case errors.Is(err, remote.ErrPermissionDenied):
		return websocket.StatusPolicyViolation, CodePermissionDenied
	default:
		return websocket.StatusTryAgainLater, truncateReason(err.Error())
	}
}

// truncateReason keeps close reasons inside the 123-byte control frame limit.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

// writeStoreError maps store failures onto status codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	var stale *remote.StaleDocumentError
	switch {
	case errors.As(err, &stale):
		writeError(w, http.StatusConflict, CodeStale, err.Error(), stale.Current)
	case errors.Is(err, remote.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, CodePermissionDenied, err.Error(), nil)
	case errors.Is(err, remote.ErrRejected):
		writeError(w, http.StatusBadRequest, CodeRejected, err.Error(), nil)
	case errors.Is(err, remote.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, CodeOffline, err.Error(), nil)
	default:
		h.logger.Error("document store failure", "err", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error(), nil)
	}
}

// writeError writes one error envelope.
func writeError(w http.ResponseWriter, status int, code, message string, current *remote.Document) {
	writeJSON(w, status, ErrorEnvelope{Error: APIError{Code: code, Message: message}, Current: current})
}

// writeJSON writes one JSON body.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
