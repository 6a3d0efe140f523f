package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evanschultz/tandem/internal/app"
	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
	"github.com/evanschultz/tandem/internal/remote"
	"github.com/evanschultz/tandem/internal/store"
	"github.com/evanschultz/tandem/internal/syncer"
)

// defaultAckTimeout bounds how long a waiting mutation blocks on its remote ack.
const defaultAckTimeout = 10 * time.Second

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service    *app.Service
	ackTimeout time.Duration
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service, ackTimeout: defaultAckTimeout}
}

// WithAckTimeout overrides the wait bound for remote acks.
func (a *AppServiceAdapter) WithAckTimeout(d time.Duration) *AppServiceAdapter {
	if d > 0 {
		a.ackTimeout = d
	}
	return a
}

// SyncStatus returns the projected sync status.
func (a *AppServiceAdapter) SyncStatus(ctx context.Context) (syncer.Status, error) {
	if err := a.configured(); err != nil {
		return syncer.Status{}, err
	}
	st, err := a.service.SyncStatus(ctx)
	if err != nil {
		return syncer.Status{}, mapAppError("sync status", err)
	}
	return st, nil
}

// Sync runs one sync pass and returns the resulting status.
func (a *AppServiceAdapter) Sync(ctx context.Context, in SyncRequest) (syncer.Status, error) {
	if err := a.configured(); err != nil {
		return syncer.Status{}, err
	}
	run := a.service.Sync
	if in.Force {
		run = a.service.ForceSync
	}
	if err := run(ctx); err != nil {
		return syncer.Status{}, mapAppError("sync", err)
	}
	return a.SyncStatus(ctx)
}

// ListConflicts lists pending conflicts oldest first.
func (a *AppServiceAdapter) ListConflicts(ctx context.Context) ([]domain.SyncConflict, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	out, err := a.service.Conflicts(ctx)
	if err != nil {
		return nil, mapAppError("list conflicts", err)
	}
	return out, nil
}

// ResolveConflict resolves one pending conflict with the chosen side.
func (a *AppServiceAdapter) ResolveConflict(ctx context.Context, in ResolveConflictRequest) (domain.SyncConflict, error) {
	if err := a.configured(); err != nil {
		return domain.SyncConflict{}, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return domain.SyncConflict{}, fmt.Errorf("resolve conflict: id is required: %w", ErrInvalidRequest)
	}
	choice := domain.ResolveChoice(strings.ToLower(strings.TrimSpace(in.Choice)))
	if choice != domain.ChoiceLocal && choice != domain.ChoiceRemote {
		return domain.SyncConflict{}, fmt.Errorf("resolve conflict: choice must be local or remote: %w", ErrInvalidRequest)
	}
	out, err := a.service.ResolveConflict(ctx, id, choice)
	if err != nil {
		return domain.SyncConflict{}, mapAppError("resolve conflict", err)
	}
	return out, nil
}

// ListHistory lists history entries newest first.
func (a *AppServiceAdapter) ListHistory(ctx context.Context, in ListHistoryRequest) ([]domain.HistoryEntry, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	if in.Limit < 0 {
		return nil, fmt.Errorf("list history: limit must be >= 0: %w", ErrInvalidRequest)
	}
	out, err := a.service.ListHistory(ctx, history.Filter{EntityID: strings.TrimSpace(in.EntityID), Limit: in.Limit})
	if err != nil {
		return nil, mapAppError("list history", err)
	}
	return out, nil
}

// VisibleUndos returns the currently offered undo affordances.
func (a *AppServiceAdapter) VisibleUndos(_ context.Context) ([]history.Affordance, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	return a.service.VisibleUndos(), nil
}

// Undo reverts one history entry.
func (a *AppServiceAdapter) Undo(ctx context.Context, historyID string) (domain.HistoryEntry, error) {
	if err := a.configured(); err != nil {
		return domain.HistoryEntry{}, err
	}
	historyID = strings.TrimSpace(historyID)
	if historyID == "" {
		return domain.HistoryEntry{}, fmt.Errorf("undo: history id is required: %w", ErrInvalidRequest)
	}
	out, err := a.service.Undo(ctx, historyID)
	if err != nil {
		return domain.HistoryEntry{}, mapAppError("undo", err)
	}
	return out, nil
}

// PurgeHistory deletes history entries created before the cutoff.
func (a *AppServiceAdapter) PurgeHistory(ctx context.Context, in PurgeHistoryRequest) (int, error) {
	if err := a.configured(); err != nil {
		return 0, err
	}
	if in.Before.IsZero() {
		return 0, fmt.Errorf("purge history: before is required: %w", ErrInvalidRequest)
	}
	n, err := a.service.PurgeHistory(ctx, in.Before)
	if err != nil {
		return 0, mapAppError("purge history", err)
	}
	return n, nil
}

// ListEntities lists live entities of one kind.
func (a *AppServiceAdapter) ListEntities(_ context.Context, rawKind string) ([]domain.Entity, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	kind, err := parseKind(rawKind)
	if err != nil {
		return nil, err
	}
	out, err := a.service.ListEntities(kind)
	if err != nil {
		return nil, mapAppError("list entities", err)
	}
	return out, nil
}

// GetEntity returns one live entity.
func (a *AppServiceAdapter) GetEntity(_ context.Context, rawKind, id string) (domain.Entity, error) {
	if err := a.configured(); err != nil {
		return domain.Entity{}, err
	}
	kind, err := parseKind(rawKind)
	if err != nil {
		return domain.Entity{}, err
	}
	out, err := a.service.GetEntity(kind, strings.TrimSpace(id))
	if err != nil {
		return domain.Entity{}, mapAppError("get entity", err)
	}
	return out, nil
}

// CreateEntity creates one entity.
func (a *AppServiceAdapter) CreateEntity(ctx context.Context, in CreateEntityRequest) (MutationResult, error) {
	if err := a.configured(); err != nil {
		return MutationResult{}, err
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	ack, err := a.service.CreateEntity(ctx, domain.Draft{
		Kind:    kind,
		Title:   in.Title,
		Status:  domain.Status(strings.TrimSpace(in.Status)),
		Notes:   in.Notes,
		Matrix:  in.Matrix,
		Capture: in.Capture,
		Session: in.Session,
		Goal:    in.Goal,
	})
	if err != nil {
		return MutationResult{}, mapAppError("create entity", err)
	}
	return a.result(ctx, ack, in.Wait), nil
}

// UpdateEntity applies a partial update.
func (a *AppServiceAdapter) UpdateEntity(ctx context.Context, in UpdateEntityRequest) (MutationResult, error) {
	if err := a.configured(); err != nil {
		return MutationResult{}, err
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	ack, err := a.service.UpdateEntity(ctx, kind, strings.TrimSpace(in.ID), in.Patch)
	if err != nil {
		return MutationResult{}, mapAppError("update entity", err)
	}
	return a.result(ctx, ack, in.Wait), nil
}

// SetCompletion marks an entity completed or pending. Completed defaults to true.
func (a *AppServiceAdapter) SetCompletion(ctx context.Context, in SetCompletionRequest) (MutationResult, error) {
	if err := a.configured(); err != nil {
		return MutationResult{}, err
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	completed := true
	if in.Completed != nil {
		completed = *in.Completed
	}
	ack, err := a.service.SetTaskCompletion(ctx, kind, strings.TrimSpace(in.ID), completed)
	if err != nil {
		return MutationResult{}, mapAppError("set completion", err)
	}
	return a.result(ctx, ack, in.Wait), nil
}

// DeleteEntity removes one entity.
func (a *AppServiceAdapter) DeleteEntity(ctx context.Context, in DeleteEntityRequest) (MutationResult, error) {
	if err := a.configured(); err != nil {
		return MutationResult{}, err
	}
	kind, err := parseKind(in.Kind)
	if err != nil {
		return MutationResult{}, err
	}
	ack, err := a.service.DeleteEntity(ctx, kind, strings.TrimSpace(in.ID))
	if err != nil {
		return MutationResult{}, mapAppError("delete entity", err)
	}
	return a.result(ctx, ack, in.Wait), nil
}

// ExportSnapshot exports every live entity.
func (a *AppServiceAdapter) ExportSnapshot(ctx context.Context) (app.Snapshot, error) {
	if err := a.configured(); err != nil {
		return app.Snapshot{}, err
	}
	snap, err := a.service.ExportSnapshot(ctx)
	if err != nil {
		return app.Snapshot{}, mapAppError("export snapshot", err)
	}
	return snap, nil
}

// ImportSnapshot imports one snapshot through the store contract.
func (a *AppServiceAdapter) ImportSnapshot(ctx context.Context, snap app.Snapshot) (app.ImportResult, error) {
	if err := a.configured(); err != nil {
		return app.ImportResult{}, err
	}
	if err := snap.Validate(); err != nil {
		return app.ImportResult{}, fmt.Errorf("import snapshot: %w", errors.Join(ErrInvalidRequest, err))
	}
	out, err := a.service.ImportSnapshot(ctx, snap)
	if err != nil {
		return out, mapAppError("import snapshot", err)
	}
	return out, nil
}

// configured guards against a zero adapter.
func (a *AppServiceAdapter) configured() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

// result converts an Ack, optionally waiting for its remote outcome.
func (a *AppServiceAdapter) result(ctx context.Context, ack app.Ack, wait bool) MutationResult {
	out := MutationResult{Entity: ack.Entity, HistoryID: ack.HistoryID, RemoteState: RemotePending}
	if !wait || ack.Remote == nil {
		return out
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.ackTimeout)
	defer cancel()
	select {
	case err := <-ack.Remote:
		out.RemoteState, out.RemoteError = remoteOutcome(err)
	case <-waitCtx.Done():
	}
	return out
}

// remoteOutcome classifies one remote ack error.
func remoteOutcome(err error) (RemoteState, string) {
	switch {
	case err == nil:
		return RemoteConfirmed, ""
	case errors.Is(err, app.ErrNoRemote), errors.Is(err, syncer.ErrNoUser):
		return RemoteLocalOnly, err.Error()
	default:
		return RemoteFailed, err.Error()
	}
}

// parseKind validates one transport kind value.
func parseKind(raw string) (domain.Kind, error) {
	kind, err := domain.ParseKind(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return kind, nil
}

// mapAppError maps app, domain, and sync errors onto transport sentinels.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, syncer.ErrConflictNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case domain.IsValidationError(err),
		errors.Is(err, domain.ErrInvalidKind),
		errors.Is(err, syncer.ErrInvalidChoice),
		errors.Is(err, app.ErrNotTaskLike):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	case errors.Is(err, history.ErrNotUndoable),
		errors.Is(err, history.ErrAlreadyUndone),
		errors.Is(err, history.ErrUndoExpired),
		errors.Is(err, syncer.ErrConflictPending),
		errors.Is(err, store.ErrDuplicateID),
		errors.Is(err, store.ErrRevisionChanged):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrConflict, err))
	case errors.Is(err, remote.ErrOffline),
		errors.Is(err, syncer.ErrBackoff):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrOffline, err))
	case errors.Is(err, app.ErrNoRemote),
		errors.Is(err, app.ErrNotInitialized),
		errors.Is(err, syncer.ErrNoUser),
		errors.Is(err, syncer.ErrStopped):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
