// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"

	"github.com/evanschultz/tandem/internal/app"
	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
	"github.com/evanschultz/tandem/internal/syncer"
)

// ErrInvalidRequest reports malformed transport input or a rejected local write.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a request that contradicts current state, such as an
// expired undo or an entity blocked by an unresolved sync conflict.
var ErrConflict = errors.New("conflict")

// ErrOffline reports that the remote document store could not be reached.
var ErrOffline = errors.New("offline")

// ErrUnavailable reports a surface that is not configured in this process.
var ErrUnavailable = errors.New("unavailable")

// RemoteState describes what is known about the remote ack of a mutation.
type RemoteState string

// RemoteState values.
const (
	RemotePending   RemoteState = "pending"
	RemoteConfirmed RemoteState = "confirmed"
	RemoteLocalOnly RemoteState = "local_only"
	RemoteFailed    RemoteState = "failed"
)

// MutationResult is the local ack of one user action plus its remote state.
type MutationResult struct {
	Entity      domain.Entity `json:"entity"`
	HistoryID   string        `json:"history_id,omitempty"`
	RemoteState RemoteState   `json:"remote_state"`
	RemoteError string        `json:"remote_error,omitempty"`
}

// CreateEntityRequest captures input for one new entity.
type CreateEntityRequest struct {
	Kind    string               `json:"kind"`
	Title   string               `json:"title"`
	Status  string               `json:"status,omitempty"`
	Notes   string               `json:"notes,omitempty"`
	Matrix  *domain.MatrixTask   `json:"matrix,omitempty"`
	Capture *domain.CaptureItem  `json:"capture,omitempty"`
	Session *domain.FocusSession `json:"session,omitempty"`
	Goal    *domain.Goal         `json:"goal,omitempty"`
	Wait    bool                 `json:"-"`
}

// UpdateEntityRequest captures a partial update of one entity.
type UpdateEntityRequest struct {
	Kind  string       `json:"-"`
	ID    string       `json:"-"`
	Patch domain.Patch `json:"patch"`
	Wait  bool         `json:"-"`
}

// SetCompletionRequest toggles completion of one entity.
type SetCompletionRequest struct {
	Kind      string `json:"-"`
	ID        string `json:"-"`
	Completed *bool  `json:"completed,omitempty"`
	Wait      bool   `json:"-"`
}

// DeleteEntityRequest removes one entity.
type DeleteEntityRequest struct {
	Kind string
	ID   string
	Wait bool
}

// ResolveConflictRequest picks one side of a pending sync conflict.
type ResolveConflictRequest struct {
	ID     string `json:"-"`
	Choice string `json:"choice"`
}

// ListHistoryRequest filters action history reads.
type ListHistoryRequest struct {
	EntityID string
	Limit    int
}

// SyncRequest triggers a sync pass. Force ignores retry backoff.
type SyncRequest struct {
	Force bool `json:"force,omitempty"`
}

// PurgeHistoryRequest deletes history recorded before a cutoff.
type PurgeHistoryRequest struct {
	Before time.Time `json:"before"`
}

// SyncService exposes sync status, triggers, and conflict review.
type SyncService interface {
	SyncStatus(context.Context) (syncer.Status, error)
	Sync(context.Context, SyncRequest) (syncer.Status, error)
	ListConflicts(context.Context) ([]domain.SyncConflict, error)
	ResolveConflict(context.Context, ResolveConflictRequest) (domain.SyncConflict, error)
}

// HistoryService exposes action history and undo.
type HistoryService interface {
	ListHistory(context.Context, ListHistoryRequest) ([]domain.HistoryEntry, error)
	VisibleUndos(context.Context) ([]history.Affordance, error)
	Undo(context.Context, string) (domain.HistoryEntry, error)
	PurgeHistory(context.Context, PurgeHistoryRequest) (int, error)
}

// EntityService exposes entity reads and user mutations.
type EntityService interface {
	ListEntities(context.Context, string) ([]domain.Entity, error)
	GetEntity(context.Context, string, string) (domain.Entity, error)
	CreateEntity(context.Context, CreateEntityRequest) (MutationResult, error)
	UpdateEntity(context.Context, UpdateEntityRequest) (MutationResult, error)
	SetCompletion(context.Context, SetCompletionRequest) (MutationResult, error)
	DeleteEntity(context.Context, DeleteEntityRequest) (MutationResult, error)
}

// SnapshotService exposes export and import of local collections.
type SnapshotService interface {
	ExportSnapshot(context.Context) (app.Snapshot, error)
	ImportSnapshot(context.Context, app.Snapshot) (app.ImportResult, error)
}

// Service bundles every surface the HTTP and MCP adapters serve.
type Service interface {
	SyncService
	HistoryService
	EntityService
	SnapshotService
}
