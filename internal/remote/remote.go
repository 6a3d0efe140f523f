// Package remote adapts domain collections onto a remote document store.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
)

// Sentinel errors a DocumentStore reports.
var (
	// ErrOffline marks network unavailability. It is never terminal.
	ErrOffline = errors.New("remote offline")
	// ErrPermissionDenied marks a rejected write that retrying cannot fix.
	ErrPermissionDenied = errors.New("remote permission denied")
	// ErrRejected marks a write the remote refused for any other reason.
	ErrRejected = errors.New("remote write rejected")
	// ErrStale marks a write whose base no longer matches the stored document.
	ErrStale = errors.New("remote document changed since base")
)

// Document is one remote document. UpdatedAt is stamped by the server.
type Document struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
	Body      json.RawMessage `json:"body"`
	// Base is the write precondition: the stored updatedAt the writer last saw,
	// or nil when the document must not exist yet. It is not stored.
	Base *time.Time `json:"base,omitempty"`
}

// StaleDocumentError is returned by DocumentStore.Put when Base does not match.
// Current is nil when the document does not exist.
type StaleDocumentError struct {
	Current *Document
}

// Error implements error.
func (e *StaleDocumentError) Error() string {
	if e.Current == nil {
		return ErrStale.Error() + ": document missing"
	}
	return fmt.Sprintf("%s: stored at %s", ErrStale, e.Current.UpdatedAt.UTC().Format(time.RFC3339Nano))
}

// Unwrap returns ErrStale.
func (e *StaleDocumentError) Unwrap() error {
	return ErrStale
}

// StaleError is returned by Collection.Push when the remote moved past the
// pushed base. Current is the remote version to reconcile against, nil when
// the remote document is gone.
type StaleError struct {
	Collection string
	ID         string
	Current    *domain.Entity
}

// Error implements error.
func (e *StaleError) Error() string {
	return fmt.Sprintf("push %s/%s: %v", e.Collection, e.ID, ErrStale)
}

// Unwrap returns ErrStale.
func (e *StaleError) Unwrap() error {
	return ErrStale
}

// Change is one notification from a change feed. Snapshot changes carry every
// document the user owns and are sent when a feed (re)opens.
type Change struct {
	Documents []Document `json:"documents"`
	Snapshot  bool       `json:"snapshot,omitempty"`
}

// Feed is an open change subscription.
type Feed interface {
	// Done is closed when the feed ends, by Close or by disconnect.
	Done() <-chan struct{}
	// Err reports why the feed ended; nil after Close.
	Err() error
	Close() error
}

// DocumentStore is the remote document store: per-document upsert, per-user
// query, and a per-collection change feed.
type DocumentStore interface {
	Put(ctx context.Context, collection string, doc Document) (Document, error)
	Query(ctx context.Context, collection, userID string) ([]Document, error)
	Listen(ctx context.Context, collection, userID string, fn func(Change)) (Feed, error)
}

// WriteError reports a push the remote rejected.
type WriteError struct {
	Collection string
	ID         string
	Terminal   bool
	Err        error
}

// Error implements error.
func (e *WriteError) Error() string {
	kind := "retryable"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("remote write %s/%s (%s): %v", e.Collection, e.ID, kind, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsOffline reports whether err is a connectivity failure.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// IsTerminal reports whether err is a write rejection that must not be retried automatically.
func IsTerminal(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Terminal
}

// classify wraps store errors from a push into the adapter taxonomy.
func classify(collection, id string, err error) error {
	if err == nil {
		return nil
	}
	if IsOffline(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("push %s/%s: %w", collection, id, err)
	}
	var we *WriteError
	if errors.As(err, &we) {
		return err
	}
	return &WriteError{
		Collection: collection,
		ID:         id,
		Terminal:   errors.Is(err, ErrPermissionDenied),
		Err:        err,
	}
}
