package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
	"github.com/evanschultz/tandem/internal/store"
	"github.com/evanschultz/tandem/internal/syncer"
)

// Sync runs one sync round per collection. A failing collection does not stop the others.
func (s *Service) Sync(ctx context.Context) error {
	return s.eachEngine(func(e *syncer.Engine) error { return e.Sync(ctx) })
}

// ForceSync is Sync without backoff short-circuits and with held failures re-armed.
func (s *Service) ForceSync(ctx context.Context) error {
	return s.eachEngine(func(e *syncer.Engine) error { return e.ForceSync(ctx) })
}

// Drain waits for background pushes of every collection.
func (s *Service) Drain(ctx context.Context) error {
	for _, kind := range domain.Kinds() {
		if engine := s.engines[kind]; engine != nil {
			if err := engine.Drain(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) eachEngine(fn func(*syncer.Engine) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(s.engines) == 0 {
		return ErrNoRemote
	}
	if s.User() == "" {
		return syncer.ErrNoUser
	}
	var errs []error
	for _, kind := range domain.Kinds() {
		if err := fn(s.engines[kind]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind.Collection(), err))
		}
	}
	return errors.Join(errs...)
}

// SyncStatus projects every collection's sync state into one UI-facing status.
func (s *Service) SyncStatus(ctx context.Context) (syncer.Status, error) {
	cols := make([]syncer.CollectionStatus, 0, len(s.stores))
	conflicts := make([]domain.SyncConflict, 0)
	user := s.User()
	for _, kind := range domain.Kinds() {
		if engine := s.engines[kind]; engine != nil {
			cols = append(cols, engine.Status())
			pending, err := engine.Conflicts(ctx)
			if err != nil {
				return syncer.Status{}, err
			}
			conflicts = append(conflicts, pending...)
			continue
		}
		cols = append(cols, syncer.CollectionStatus{
			Collection: kind.Collection(),
			State:      syncer.StateIdle,
			Online:     true,
			SignedIn:   user != "",
			Pending:    dirtyCount(s.stores[kind]),
		})
	}
	return syncer.Project(cols, conflicts), nil
}

func dirtyCount(st *store.Store) int {
	n := 0
	for _, rec := range st.Records() {
		if rec.Meta.Dirty() {
			n++
		}
	}
	return n
}

// Conflicts lists unresolved conflicts across collections, oldest first.
func (s *Service) Conflicts(ctx context.Context) ([]domain.SyncConflict, error) {
	st, err := s.SyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	return st.Conflicts, nil
}

// ResolveConflict completes a conflict with the chosen side.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, choice domain.ResolveChoice) (domain.SyncConflict, error) {
	if err := s.ready(); err != nil {
		return domain.SyncConflict{}, err
	}
	if len(s.engines) == 0 {
		return domain.SyncConflict{}, ErrNoRemote
	}
	for _, kind := range domain.Kinds() {
		engine := s.engines[kind]
		if !engine.HasConflict(ctx, conflictID) {
			continue
		}
		return engine.ResolveConflict(ctx, conflictID, choice)
	}
	return domain.SyncConflict{}, fmt.Errorf("%w: %s", syncer.ErrConflictNotFound, conflictID)
}

// SubscribeSyncErrors registers fn for published push failures of every collection.
func (s *Service) SubscribeSyncErrors(fn func(syncer.SyncError)) func() {
	unsubs := make([]func(), 0, len(s.engines))
	for _, kind := range domain.Kinds() {
		if engine := s.engines[kind]; engine != nil {
			unsubs = append(unsubs, engine.SubscribeErrors(fn))
		}
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Subscribe registers fn for change events of every collection. Events of one
// collection arrive in mutation order.
func (s *Service) Subscribe(fn store.Listener) func() {
	unsubs := make([]func(), 0, len(s.stores))
	for _, kind := range domain.Kinds() {
		unsubs = append(unsubs, s.stores[kind].Subscribe(fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// GetEntity returns one live entity.
func (s *Service) GetEntity(kind domain.Kind, id string) (domain.Entity, error) {
	st, err := s.storeFor(kind)
	if err != nil {
		return domain.Entity{}, err
	}
	return s.live(st, id)
}

// ListEntities returns the live entities of kind ordered by creation time.
func (s *Service) ListEntities(kind domain.Kind) ([]domain.Entity, error) {
	st, err := s.storeFor(kind)
	if err != nil {
		return nil, err
	}
	return st.GetAll(), nil
}

// Metadata returns the sync bookkeeping of one record.
func (s *Service) Metadata(kind domain.Kind, id string) (domain.SyncMetadata, bool) {
	st, err := s.storeFor(kind)
	if err != nil {
		return domain.SyncMetadata{}, false
	}
	return st.Metadata(id)
}

// ListHistory lists history entries newest first.
func (s *Service) ListHistory(ctx context.Context, filter history.Filter) ([]domain.HistoryEntry, error) {
	return s.history.List(ctx, filter)
}

// VisibleUndos returns the undo affordances currently shown.
func (s *Service) VisibleUndos() []history.Affordance {
	return s.tray.Visible()
}

// PurgeHistory physically deletes history entries created before the cutoff.
func (s *Service) PurgeHistory(ctx context.Context, before time.Time) (int, error) {
	n, err := s.history.Purge(ctx, before)
	if err != nil {
		return 0, err
	}
	s.logger.Info("history purged", "before", before.UTC().Format(time.RFC3339), "count", n)
	return n, nil
}
