package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/history"
	"github.com/evanschultz/tandem/internal/remote"
	"github.com/evanschultz/tandem/internal/store"
	"github.com/evanschultz/tandem/internal/syncer"
)

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Config holds Service dependencies and sync/undo policy.
type Config struct {
	Repo Repository
	// Remote is the remote document store. Nil keeps the service local-only.
	Remote            remote.DocumentStore
	DeviceID          string
	IDGen             IDGenerator
	Clock             Clock
	Logger            *log.Logger
	CollectionPrefix  string
	ManualFields      []string
	Backoff           syncer.Backoff
	MaxPushAttempts   int
	ReconnectInterval time.Duration
	ReconnectBurst    int
	UndoWindow        time.Duration
	MaxVisibleUndos   int
	// Watch opens remote change feeds on sign-in.
	Watch bool
}

// Policy is the part of Config that can change while the service runs.
type Policy struct {
	ManualFields    []string
	UndoWindow      time.Duration
	MaxVisibleUndos int
}

// Ack pairs the local acknowledgement of a mutation, which is the call
// returning, with the remote one.
type Ack struct {
	Entity    domain.Entity `json:"entity"`
	HistoryID string        `json:"historyId,omitempty"`
	// Remote yields nil once the remote confirms the write, or the error that
	// ended the attempt.
	Remote <-chan error `json:"-"`
}

// Service is the application entry point: it owns one store and one sync
// engine per collection, the action history, and the undo tray.
type Service struct {
	repo     Repository
	clock    Clock
	logger   *log.Logger
	watch    bool
	resolver *syncer.Resolver
	history  *history.Log
	tray     *history.Tray
	stores   map[domain.Kind]*store.Store
	engines  map[domain.Kind]*syncer.Engine

	// actionMu serializes user actions so propagation and rollback of one
	// action never interleave with another.
	actionMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	user        string
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
}

// NewService constructs a service. It does nothing until Init.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repo == nil {
		return nil, errors.New("service repository is required")
	}
	if cfg.IDGen == nil {
		cfg.IDGen = uuid.NewString
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	s := &Service{
		repo:     cfg.Repo,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		watch:    cfg.Watch,
		resolver: syncer.NewResolver(cfg.ManualFields),
		stores:   map[domain.Kind]*store.Store{},
		engines:  map[domain.Kind]*syncer.Engine{},
	}
	hist, err := history.NewLog(cfg.Repo, history.Config{IDGen: cfg.IDGen, Clock: cfg.Clock, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	s.history = hist
	s.tray = history.NewTray(hist, cfg.UndoWindow, cfg.MaxVisibleUndos)

	for _, kind := range domain.Kinds() {
		st, err := store.New(cfg.Repo, store.Config{
			Kind:     kind,
			DeviceID: cfg.DeviceID,
			IDGen:    store.IDGenerator(cfg.IDGen),
			Clock:    store.Clock(cfg.Clock),
		})
		if err != nil {
			return nil, err
		}
		s.stores[kind] = st
		if cfg.Remote == nil {
			continue
		}
		logger := cfg.Logger.With("collection", kind.Collection())
		col, err := remote.NewCollection(cfg.Remote, kind, remote.Options{
			Prefix:            cfg.CollectionPrefix,
			ReconnectInterval: cfg.ReconnectInterval,
			ReconnectBurst:    cfg.ReconnectBurst,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		engine, err := syncer.NewEngine(syncer.Config{
			Local:           st,
			Remote:          col,
			Conflicts:       cfg.Repo,
			Resolver:        s.resolver,
			IDGen:           cfg.IDGen,
			Clock:           cfg.Clock,
			Logger:          logger,
			Backoff:         cfg.Backoff,
			MaxPushAttempts: cfg.MaxPushAttempts,
		})
		if err != nil {
			return nil, err
		}
		s.engines[kind] = engine
	}
	return s, nil
}

// Init loads every collection from local persistence, starts the undo sweeper,
// and signs userID in when it is non-empty.
func (s *Service) Init(ctx context.Context, userID string) error {
	s.mu.RLock()
	initialized := s.initialized
	s.mu.RUnlock()
	if initialized {
		return errors.New("service already initialized")
	}
	for _, kind := range domain.Kinds() {
		if err := s.stores[kind].Load(ctx); err != nil {
			return err
		}
	}
	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.tray.Run(sweepCtx, time.Second)
	}()

	s.mu.Lock()
	s.initialized = true
	s.stopSweep = cancel
	s.sweepDone = done
	s.mu.Unlock()
	s.logger.Debug("service initialized", "remote", len(s.engines) > 0)

	if strings.TrimSpace(userID) != "" {
		return s.SignIn(ctx, userID)
	}
	return nil
}

// Teardown signs out, stops the undo sweeper, and waits for background work.
// No store or sync callbacks run after it returns.
func (s *Service) Teardown() {
	s.SignOut()
	s.mu.Lock()
	cancel, done := s.stopSweep, s.sweepDone
	s.stopSweep, s.sweepDone = nil, nil
	s.initialized = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// SignIn binds the service to userID: unowned local records are claimed and
// every sync engine starts, with change feeds when watching is enabled.
func (s *Service) SignIn(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return syncer.ErrNoUser
	}
	if err := s.ready(); err != nil {
		return err
	}
	if s.User() != "" {
		s.SignOut()
	}

	s.actionMu.Lock()
	for _, kind := range domain.Kinds() {
		n, err := s.stores[kind].Claim(ctx, userID)
		if err != nil {
			s.actionMu.Unlock()
			return fmt.Errorf("claim %s for %s: %w", kind.Collection(), userID, err)
		}
		if n > 0 {
			s.logger.Info("claimed local records", "collection", kind.Collection(), "count", n)
		}
	}
	s.actionMu.Unlock()

	s.mu.Lock()
	s.user = userID
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	started := make([]*syncer.Engine, 0, len(s.engines))
	for _, kind := range domain.Kinds() {
		engine := s.engines[kind]
		if engine == nil {
			continue
		}
		if err := engine.Start(runCtx, userID, s.watch); err != nil {
			for _, e := range started {
				e.Stop()
			}
			s.mu.Lock()
			s.user = ""
			s.mu.Unlock()
			return err
		}
		started = append(started, engine)
	}
	s.logger.Info("signed in", "user_id", userID, "watch", s.watch)
	return nil
}

// SignOut stops every sync engine and closes their change feeds. Local data is kept.
func (s *Service) SignOut() {
	s.mu.Lock()
	user := s.user
	s.user = ""
	s.mu.Unlock()
	if user == "" {
		return
	}
	for _, kind := range domain.Kinds() {
		if engine := s.engines[kind]; engine != nil {
			engine.Stop()
		}
	}
	s.logger.Info("signed out", "user_id", user)
}

// User returns the signed-in user id, empty when signed out.
func (s *Service) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetPolicy applies runtime policy changes.
func (s *Service) SetPolicy(p Policy) {
	if p.ManualFields != nil {
		s.resolver.SetManualFields(p.ManualFields)
	}
	s.tray.SetPolicy(p.UndoWindow, p.MaxVisibleUndos)
}

// CreateEntity creates an entity owned by the signed-in user.
func (s *Service) CreateEntity(ctx context.Context, draft domain.Draft) (Ack, error) {
	if err := s.ready(); err != nil {
		return Ack{}, err
	}
	st, err := s.storeFor(draft.Kind)
	if err != nil {
		return Ack{}, err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	if strings.TrimSpace(draft.UserID) == "" {
		draft.UserID = s.User()
	}
	created, err := st.Create(ctx, draft)
	if err != nil {
		return Ack{}, err
	}
	return Ack{
		Entity:    created,
		HistoryID: s.record(ctx, domain.ActionCreate, created.Kind, created.ID, nil, created.Ptr()),
		Remote:    s.enqueue(created.Kind, created.ID),
	}, nil
}

// UpdateEntity applies patch. Completion changes of task-like entities are
// propagated to the linked entity as in SetTaskCompletion.
func (s *Service) UpdateEntity(ctx context.Context, kind domain.Kind, id string, patch domain.Patch) (Ack, error) {
	if err := s.ready(); err != nil {
		return Ack{}, err
	}
	st, err := s.storeFor(kind)
	if err != nil {
		return Ack{}, err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	prev, err := s.live(st, id)
	if err != nil {
		return Ack{}, err
	}
	if patch.IsEmpty() {
		return Ack{Entity: prev, Remote: s.enqueue(kind, id)}, nil
	}
	return s.mutate(ctx, st, prev, patch)
}

// SetTaskCompletion marks an entity completed or pending and mirrors the
// change onto its linked entity in the same action. Repeating a call whose
// target state already holds writes nothing and records no history.
func (s *Service) SetTaskCompletion(ctx context.Context, kind domain.Kind, id string, completed bool) (Ack, error) {
	status := domain.StatusPending
	if completed {
		status = domain.StatusCompleted
	}
	return s.changeStatus(ctx, kind, id, status, true)
}

// ChangeStatus moves an entity to status.
func (s *Service) ChangeStatus(ctx context.Context, kind domain.Kind, id string, status domain.Status) (Ack, error) {
	return s.changeStatus(ctx, kind, id, status, false)
}

// changeStatus moves an entity to status. With settle set, an entity already
// in status still has its linked entity brought into line.
func (s *Service) changeStatus(ctx context.Context, kind domain.Kind, id string, status domain.Status, settle bool) (Ack, error) {
	if err := s.ready(); err != nil {
		return Ack{}, err
	}
	if !domain.IsValidStatus(status) {
		return Ack{}, &domain.ValidationError{Field: "status", Err: domain.ErrInvalidStatus}
	}
	st, err := s.storeFor(kind)
	if err != nil {
		return Ack{}, err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	prev, err := s.live(st, id)
	if err != nil {
		return Ack{}, err
	}
	if prev.Status == status {
		if settle && prev.Kind.IsTaskLike() {
			if linkedID, err := s.propagateCompletion(ctx, prev); err != nil {
				return Ack{}, &PropagationError{EntityID: id, LinkedID: linkedID, Err: err}
			}
		}
		return Ack{Entity: prev, Remote: s.enqueue(kind, id)}, nil
	}
	return s.mutate(ctx, st, prev, domain.StatusPatch(status))
}

// DeleteEntity removes an entity and removes or cancels its linked entity.
func (s *Service) DeleteEntity(ctx context.Context, kind domain.Kind, id string) (Ack, error) {
	if err := s.ready(); err != nil {
		return Ack{}, err
	}
	st, err := s.storeFor(kind)
	if err != nil {
		return Ack{}, err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	prev, err := s.live(st, id)
	if err != nil {
		return Ack{}, err
	}
	removed, err := st.Remove(ctx, id)
	if err != nil {
		return Ack{}, err
	}
	if !removed {
		return Ack{}, fmt.Errorf("%s %s: %w", kind.Label(), id, domain.ErrNotFound)
	}
	if prev.Kind.IsTaskLike() {
		if linkedID, err := s.propagateDeletion(ctx, prev.Kind, prev.ID, prev.LinkedID()); err != nil {
			perr := &PropagationError{EntityID: id, LinkedID: linkedID, Err: err}
			if _, rerr := st.Restore(ctx, prev); rerr != nil {
				s.logger.Error("rollback of delete failed", "entity_id", id, "err", rerr)
				return Ack{}, errors.Join(perr, fmt.Errorf("rollback %s: %w", id, rerr))
			}
			s.enqueue(kind, id)
			return Ack{}, perr
		}
	}
	return Ack{
		Entity:    prev,
		HistoryID: s.record(ctx, domain.ActionDelete, kind, id, prev.Ptr(), nil),
		Remote:    s.enqueue(kind, id),
	}, nil
}

// SyncTaskCompletion mirrors the completion state of entity id onto its
// directly linked entity. It writes nothing when the linked entity is missing
// or already in the target state.
func (s *Service) SyncTaskCompletion(ctx context.Context, id string, source domain.Kind, completed bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !source.IsTaskLike() {
		return fmt.Errorf("%w: %s", ErrNotTaskLike, source)
	}
	st, err := s.storeFor(source)
	if err != nil {
		return err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	e, err := s.live(st, id)
	if err != nil {
		return err
	}
	if completed {
		e.Status = domain.StatusCompleted
	} else if e.Completed() {
		e.Status = domain.StatusPending
	}
	if linkedID, err := s.propagateCompletion(ctx, e); err != nil {
		return &PropagationError{EntityID: id, LinkedID: linkedID, Err: err}
	}
	return nil
}

// SyncTaskDeletion removes or cancels the entity directly linked to id. The
// source entity may already be deleted.
func (s *Service) SyncTaskDeletion(ctx context.Context, id string, source domain.Kind) error {
	if err := s.ready(); err != nil {
		return err
	}
	if !source.IsTaskLike() {
		return fmt.Errorf("%w: %s", ErrNotTaskLike, source)
	}
	st, err := s.storeFor(source)
	if err != nil {
		return err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	linkedID := ""
	if rec, ok := st.Record(id); ok {
		linkedID = rec.Entity.LinkedID()
	}
	if linked, err := s.propagateDeletion(ctx, source, id, linkedID); err != nil {
		return &PropagationError{EntityID: id, LinkedID: linked, Err: err}
	}
	return nil
}

// Undo reverts a history entry through its undo affordance.
func (s *Service) Undo(ctx context.Context, historyID string) (domain.HistoryEntry, error) {
	if err := s.ready(); err != nil {
		return domain.HistoryEntry{}, err
	}
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	entry, err := s.tray.Undo(ctx, historyID, s.revert)
	if err != nil {
		return entry, err
	}
	s.logger.Info("undone", "history_id", historyID, "entity_id", entry.EntityID, "action", entry.Action)
	return entry, nil
}

// revert restores previous through the store contract.
func (s *Service) revert(ctx context.Context, previous *domain.Entity, entry domain.HistoryEntry) error {
	st, err := s.storeFor(entry.EntityType)
	if err != nil {
		return err
	}
	if previous == nil {
		if _, err := st.Remove(ctx, entry.EntityID); err != nil {
			return err
		}
		s.enqueue(entry.EntityType, entry.EntityID)
		return nil
	}
	current, ok := st.Get(entry.EntityID)
	if !ok {
		if _, err := st.Restore(ctx, *previous); err != nil {
			return err
		}
		s.enqueue(entry.EntityType, entry.EntityID)
		return nil
	}
	next, err := st.Update(ctx, entry.EntityID, domain.PatchFrom(*previous))
	if err != nil {
		return err
	}
	if next.Kind.IsTaskLike() && current.Completed() != next.Completed() {
		if linkedID, err := s.propagateCompletion(ctx, next); err != nil {
			return s.rollback(ctx, st, current, linkedID, err)
		}
	}
	s.enqueue(entry.EntityType, entry.EntityID)
	return nil
}

// mutate updates prev with patch, propagates completion changes, and records history.
func (s *Service) mutate(ctx context.Context, st *store.Store, prev domain.Entity, patch domain.Patch) (Ack, error) {
	next, err := st.Update(ctx, prev.ID, patch)
	if err != nil {
		return Ack{}, err
	}
	if next.Kind.IsTaskLike() && prev.Completed() != next.Completed() {
		if linkedID, err := s.propagateCompletion(ctx, next); err != nil {
			return Ack{}, s.rollback(ctx, st, prev, linkedID, err)
		}
	}
	return Ack{
		Entity:    next,
		HistoryID: s.record(ctx, actionFor(prev, next), next.Kind, next.ID, prev.Ptr(), next.Ptr()),
		Remote:    s.enqueue(next.Kind, next.ID),
	}, nil
}

// rollback writes prev back after a failed propagation and returns the
// PropagationError for the caller.
func (s *Service) rollback(ctx context.Context, st *store.Store, prev domain.Entity, linkedID string, cause error) error {
	perr := &PropagationError{EntityID: prev.ID, LinkedID: linkedID, Err: cause}
	if _, err := st.Update(ctx, prev.ID, domain.PatchFrom(prev)); err != nil {
		s.logger.Error("rollback after failed propagation", "entity_id", prev.ID, "err", err)
		return errors.Join(perr, fmt.Errorf("rollback %s: %w", prev.ID, err))
	}
	s.enqueue(prev.Kind, prev.ID)
	s.logger.Warn("propagation failed, change rolled back", "entity_id", prev.ID, "linked_id", linkedID, "err", cause)
	return perr
}

// propagateCompletion moves the entity linked to source into the matching
// completion state. Only the directly linked entity is touched.
func (s *Service) propagateCompletion(ctx context.Context, source domain.Entity) (string, error) {
	linked, st, ok := s.findLinked(source.Kind, source.ID, source.LinkedID())
	if !ok {
		return "", nil
	}
	var want domain.Status
	switch {
	case source.Completed() && !linked.Completed():
		want = domain.StatusCompleted
	case !source.Completed() && linked.Completed():
		want = domain.StatusPending
	default:
		return linked.ID, nil
	}
	if _, err := st.Update(ctx, linked.ID, domain.StatusPatch(want)); err != nil {
		return linked.ID, err
	}
	s.enqueue(linked.Kind, linked.ID)
	return linked.ID, nil
}

// propagateDeletion removes the linked entity when its kind hard deletes and
// cancels it otherwise.
func (s *Service) propagateDeletion(ctx context.Context, source domain.Kind, id, linkedID string) (string, error) {
	linked, st, ok := s.findLinked(source, id, linkedID)
	if !ok {
		return "", nil
	}
	switch {
	case linked.Kind.HardDeletes():
		if _, err := st.Remove(ctx, linked.ID); err != nil {
			return linked.ID, err
		}
	case linked.Status != domain.StatusCancelled:
		if _, err := st.Update(ctx, linked.ID, domain.StatusPatch(domain.StatusCancelled)); err != nil {
			return linked.ID, err
		}
	default:
		return linked.ID, nil
	}
	s.enqueue(linked.Kind, linked.ID)
	return linked.ID, nil
}

// findLinked resolves the live entity linked to source id, following the
// forward id first and then any entity pointing back at id.
func (s *Service) findLinked(source domain.Kind, id, linkedID string) (domain.Entity, *store.Store, bool) {
	src := domain.Entity{Kind: source}
	kind, ok := src.LinkedKind()
	if !ok {
		return domain.Entity{}, nil, false
	}
	st := s.stores[kind]
	if linkedID != "" {
		if e, ok := st.Get(linkedID); ok {
			return e, st, true
		}
	}
	back := st.Find(func(e domain.Entity) bool { return e.LinkedID() == id })
	if len(back) == 0 {
		return domain.Entity{}, nil, false
	}
	return back[0], st, true
}

func actionFor(prev, next domain.Entity) domain.ActionKind {
	switch {
	case !prev.Completed() && next.Completed():
		return domain.ActionComplete
	case prev.Completed() && !next.Completed():
		return domain.ActionUncomplete
	case prev.Status != next.Status:
		return domain.ActionStatusChange
	default:
		return domain.ActionUpdate
	}
}

// record appends a history entry and offers it for undo. The mutation already
// succeeded, so a history failure is logged rather than returned.
func (s *Service) record(ctx context.Context, action domain.ActionKind, kind domain.Kind, id string, prev, next *domain.Entity) string {
	entry, err := s.history.Record(ctx, history.RecordInput{
		EntityType: kind,
		EntityID:   id,
		Action:     action,
		Previous:   prev,
		Next:       next,
	})
	if err != nil {
		s.logger.Warn("record history failed", "entity_id", id, "action", action, "err", err)
		return ""
	}
	s.tray.Offer(entry)
	return entry.ID
}

// enqueue schedules a push and returns the remote ack.
func (s *Service) enqueue(kind domain.Kind, id string) <-chan error {
	engine := s.engines[kind]
	switch {
	case engine == nil:
		return resolvedAck(ErrNoRemote)
	case s.User() == "":
		return resolvedAck(syncer.ErrNoUser)
	default:
		return engine.Enqueue(id)
	}
}

func resolvedAck(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *Service) storeFor(kind domain.Kind) (*store.Store, error) {
	st, ok := s.stores[kind]
	if !ok {
		return nil, &domain.ValidationError{Field: "kind", Err: fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)}
	}
	return st, nil
}

func (s *Service) live(st *store.Store, id string) (domain.Entity, error) {
	e, ok := st.Get(strings.TrimSpace(id))
	if !ok {
		return domain.Entity{}, fmt.Errorf("%s %s: %w", st.Kind().Label(), id, domain.ErrNotFound)
	}
	return e, nil
}
