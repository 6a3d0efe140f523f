// Package syncer reconciles local entity stores with their remote collections.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/evanschultz/tandem/internal/domain"
	"github.com/evanschultz/tandem/internal/remote"
	"github.com/evanschultz/tandem/internal/store"
)

// State is the per-collection sync state.
type State string

// State values. Offline is tracked separately as an overlay.
const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateSynced   State = "synced"
	StateError    State = "error"
	StateConflict State = "conflict"
)

// Sentinel errors.
var (
	ErrNoUser           = errors.New("sync requires a signed-in user")
	ErrBackoff          = errors.New("sync is backing off after failures")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrConflictPending  = errors.New("entity has an unresolved sync conflict")
	ErrDiscarded        = errors.New("local change replaced by the remote version")
	ErrStopped          = errors.New("sync engine stopped")
	ErrInvalidChoice    = errors.New("invalid conflict resolution choice")
)

// Local is the entity store surface the engine drives.
type Local interface {
	Collection() string
	Record(id string) (domain.Record, bool)
	Records() []domain.Record
	ApplyRemote(ctx context.Context, e domain.Entity, opts store.ApplyOptions) (bool, error)
	MarkSynced(ctx context.Context, id string, revision uint64, serverUpdatedAt time.Time) (bool, error)
	AcknowledgeRemote(ctx context.Context, id string, serverUpdatedAt time.Time) error
}

// Remote is the remote collection surface the engine drives.
type Remote interface {
	Push(ctx context.Context, e domain.Entity, base *time.Time) (domain.Entity, error)
	Pull(ctx context.Context, userID string) ([]domain.Entity, error)
	Watch(ctx context.Context, userID string, fn remote.WatchFunc, lost remote.LostFunc) (*remote.Subscription, error)
}

// ConflictRepository persists sync conflicts.
type ConflictRepository interface {
	SaveConflict(ctx context.Context, c domain.SyncConflict) error
	GetConflict(ctx context.Context, id string) (domain.SyncConflict, error)
	ListConflicts(ctx context.Context, collection string, pendingOnly bool) ([]domain.SyncConflict, error)
}

// SyncError is published when a push fails terminally or exhausts its attempts.
type SyncError struct {
	Collection string    `json:"collection"`
	EntityID   string    `json:"entityId"`
	Terminal   bool      `json:"terminal"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
	Err        error     `json:"-"`
}

// Error implements error.
func (e SyncError) Error() string {
	return fmt.Sprintf("sync %s/%s failed after %d attempt(s): %v", e.Collection, e.EntityID, e.Attempts, e.Err)
}

// Unwrap returns the push error.
func (e SyncError) Unwrap() error {
	return e.Err
}

// Backoff bounds the delay between failed sync rounds.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait after the given number of consecutive failures.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < failures && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// maxStaleRounds bounds how often one push re-reconciles against a remote that
// keeps moving underneath it.
const maxStaleRounds = 3

// Config holds Engine dependencies and policy.
type Config struct {
	Local     Local
	Remote    Remote
	Conflicts ConflictRepository
	Resolver  *Resolver
	IDGen     func() string
	Clock     func() time.Time
	Logger    *log.Logger
	Backoff   Backoff
	// MaxPushAttempts is how many consecutive retryable failures of one entity
	// are tolerated before the failure is published.
	MaxPushAttempts int
}

type waiter struct {
	rev uint64
	ch  chan error
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// Engine syncs one collection.
type Engine struct {
	local       Local
	remote      Remote
	conflicts   ConflictRepository
	resolver    *Resolver
	idGen       func() string
	clock       func() time.Time
	logger      *log.Logger
	backoff     Backoff
	maxAttempts int
	collection  string

	locksMu sync.Mutex
	locks   map[string]*entityLock

	mu           sync.Mutex
	user         string
	runCtx       context.Context
	cancel       context.CancelFunc
	sub          *remote.Subscription
	online       bool
	state        State
	settled      State
	syncing      int
	lastSyncedAt *time.Time
	lastErr      error
	failures     int
	backoffUntil time.Time
	attempts     map[string]int
	terminal     map[string]error
	conflicted   map[string]string
	waiters      map[string][]waiter
	queued       map[string]bool
	active       int
	idle         chan struct{}

	errMu   sync.RWMutex
	errSubs map[uint64]func(SyncError)
	errNext uint64
}

// NewEngine constructs an engine. It does nothing until Start.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Local == nil:
		return nil, errors.New("sync engine local store is required")
	case cfg.Remote == nil:
		return nil, errors.New("sync engine remote collection is required")
	case cfg.Conflicts == nil:
		return nil, errors.New("sync engine conflict repository is required")
	case cfg.IDGen == nil:
		return nil, errors.New("sync engine id generator is required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 2 * time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = max(5*time.Minute, cfg.Backoff.Initial)
	}
	if cfg.MaxPushAttempts <= 0 {
		cfg.MaxPushAttempts = 5
	}
	return &Engine{
		local:       cfg.Local,
		remote:      cfg.Remote,
		conflicts:   cfg.Conflicts,
		resolver:    cfg.Resolver,
		idGen:       cfg.IDGen,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxPushAttempts,
		collection:  cfg.Local.Collection(),
		locks:       map[string]*entityLock{},
		online:      true,
		state:       StateIdle,
		attempts:    map[string]int{},
		terminal:    map[string]error{},
		conflicted:  map[string]string{},
		waiters:     map[string][]waiter{},
		queued:      map[string]bool{},
		errSubs:     map[uint64]func(SyncError){},
	}, nil
}

// Collection returns the collection name.
func (e *Engine) Collection() string {
	return e.collection
}

// Start binds the engine to userID, resumes pushing pending changes, and
// optionally opens the remote change feed.
func (e *Engine) Start(ctx context.Context, userID string, watch bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNoUser
	}
	pending, err := e.conflicts.ListConflicts(ctx, e.collection, true)
	if err != nil {
		return fmt.Errorf("load conflicts for %s: %w", e.collection, err)
	}

	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return fmt.Errorf("sync engine for %s already started", e.collection)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.user = userID
	e.runCtx = runCtx
	e.cancel = cancel
	e.online = true
	clear(e.conflicted)
	for _, c := range pending {
		e.conflicted[c.EntityID] = c.ID
	}
	e.refreshStateLocked()
	e.mu.Unlock()

	if watch {
		sub, err := e.remote.Watch(runCtx, userID, e.onRemote, e.onFeedLost)
		if err != nil {
			e.Stop()
			return fmt.Errorf("watch %s: %w", e.collection, err)
		}
		e.mu.Lock()
		e.sub = sub
		e.mu.Unlock()
	}
	e.logger.Debug("sync engine started", "collection", e.collection, "watch", watch)
	e.kick()
	return nil
}

// Stop closes the change feed, cancels in-flight pushes, and waits for them to
// return. Unconfirmed remote acks resolve with ErrStopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, sub := e.cancel, e.sub
	e.cancel, e.sub, e.runCtx = nil, nil, nil
	e.user = ""
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
	_ = e.Drain(context.Background())

	e.mu.Lock()
	for id, ws := range e.waiters {
		for _, w := range ws {
			w.ch <- ErrStopped
		}
		delete(e.waiters, id)
	}
	e.state = StateIdle
	e.mu.Unlock()
}

// Drain waits until no background push is running or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		e.mu.Lock()
		n, idle := e.active, e.idle
		e.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Enqueue schedules a push of the entity's latest local revision without
// blocking. The returned channel yields nil once the remote confirms the
// revision current at enqueue time, or the error that ended the attempt.
func (e *Engine) Enqueue(id string) <-chan error {
	ack := make(chan error, 1)
	rec, ok := e.local.Record(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.terminal, id)
	delete(e.attempts, id)
	switch {
	case !ok || !rec.Meta.Dirty():
		ack <- nil
		return ack
	case e.conflicted[id] != "":
		ack <- ErrConflictPending
		return ack
	}
	e.waiters[id] = append(e.waiters[id], waiter{rev: rec.Meta.LocalRevision, ch: ack})
	e.schedulePushLocked(id)
	return ack
}

// Sync pulls remote state, reconciles it entity by entity, and pushes local
// changes. It returns ErrBackoff without doing work while a failure backoff is active.
func (e *Engine) Sync(ctx context.Context) error {
	return e.sync(ctx, false)
}

// ForceSync is Sync without the backoff short-circuit. It also re-arms entities
// whose pushes failed terminally.
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.sync(ctx, true)
}

func (e *Engine) sync(ctx context.Context, force bool) error {
	e.mu.Lock()
	user := e.user
	if user == "" {
		e.mu.Unlock()
		return ErrNoUser
	}
	now := e.clock()
	if force {
		clear(e.terminal)
		clear(e.attempts)
		e.backoffUntil = time.Time{}
	} else if now.Before(e.backoffUntil) {
		until := e.backoffUntil
		e.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrBackoff, until.UTC().Format(time.RFC3339))
	}
	if e.syncing == 0 {
		e.settled = e.state
	}
	e.syncing++
	e.state = StateSyncing
	e.mu.Unlock()

	err := e.roundTrip(ctx, user)
	e.finishSync(err)
	return err
}

func (e *Engine) roundTrip(ctx context.Context, user string) error {
	remotes, err := e.remote.Pull(ctx, user)
	if err != nil {
		return err
	}
	e.SetOnline(true)

	byID := make(map[string]domain.Entity, len(remotes))
	ids := make([]string, 0, len(remotes))
	for _, r := range remotes {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}
	for _, rec := range e.local.Records() {
		if _, ok := byID[rec.Entity.ID]; !ok {
			ids = append(ids, rec.Entity.ID)
		}
	}
	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		unlock := e.lockEntity(id)
		var err error
		if r, ok := byID[id]; ok {
			err = e.reconcileLocked(ctx, r, 0)
		} else {
			err = e.pushLocked(ctx, id, 0)
		}
		unlock()
		if err == nil {
			continue
		}
		if remote.IsOffline(err) {
			return err
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) finishSync(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncing--
	now := e.clock().UTC()
	result := e.settled
	switch {
	case err == nil:
		e.failures = 0
		e.backoffUntil = time.Time{}
		e.lastSyncedAt = &now
		switch {
		case len(e.conflicted) > 0:
			result = StateConflict
		case len(e.terminal) > 0:
			// Held terminal failures keep the error visible until ForceSync.
			result = StateError
		default:
			e.lastErr = nil
			result = StateSynced
		}
	case remote.IsOffline(err):
		e.online = false
		e.logger.Info("remote unreachable, working offline", "collection", e.collection)
	case errors.Is(err, context.Canceled):
	default:
		e.failures++
		e.lastErr = err
		e.backoffUntil = now.Add(e.backoff.Delay(e.failures))
		result = StateError
		e.logger.Warn("sync failed", "collection", e.collection, "failures", e.failures, "err", err)
	}
	e.settled = result
	if e.syncing == 0 {
		e.state = result
	}
}

// reconcileLocked applies one remote version. The entity lock must be held.
// round counts stale-push reconciliations already made for this entity.
func (e *Engine) reconcileLocked(ctx context.Context, r domain.Entity, round int) error {
	rec, ok := e.local.Record(r.ID)
	if !ok {
		if r.Deleted() {
			return nil
		}
		_, err := e.local.ApplyRemote(ctx, r, store.ApplyOptions{})
		return err
	}
	if !rec.Meta.RemoteChanged(r.UpdatedAt) {
		return e.pushLocked(ctx, r.ID, round)
	}

	e.mu.Lock()
	conflictID := e.conflicted[r.ID]
	e.mu.Unlock()

	d := e.resolver.Resolve(rec.Entity, rec.Meta, r)
	if conflictID != "" && d.Outcome != OutcomeConverged {
		return e.recordConflict(ctx, conflictID, rec.Entity, r, d.Fields)
	}
	// Resolved writes are pinned to the revision the decision was made on.
	guard := store.ApplyOptions{Resolved: true, IfRevision: rec.Meta.LocalRevision}
	switch d.Outcome {
	case OutcomeConverged:
		if _, err := e.local.ApplyRemote(ctx, r, guard); err != nil {
			return e.retryReconcile(ctx, r, round, err)
		}
		if conflictID != "" {
			if err := e.closeConflict(ctx, conflictID, domain.ResolutionKeptRemote); err != nil {
				return err
			}
		}
		e.resolveWaiters(r.ID, math.MaxUint64, nil)
		return nil
	case OutcomeKeepLocal:
		if err := e.local.AcknowledgeRemote(ctx, r.ID, r.UpdatedAt); err != nil {
			return err
		}
		return e.pushLocked(ctx, r.ID, round)
	case OutcomeKeepRemote:
		if _, err := e.local.ApplyRemote(ctx, r, guard); err != nil {
			return e.retryReconcile(ctx, r, round, err)
		}
		var ackErr error
		if rec.Meta.Dirty() {
			ackErr = ErrDiscarded
			e.logger.Info("remote version won", "collection", e.collection, "entity_id", r.ID, "fields", d.Fields)
		}
		e.resolveWaiters(r.ID, math.MaxUint64, ackErr)
		return nil
	default:
		if err := e.recordConflict(ctx, "", rec.Entity, r, d.Fields); err != nil {
			return err
		}
		e.resolveWaiters(r.ID, math.MaxUint64, ErrConflictPending)
		return nil
	}
}

// retryReconcile decides again when a local edit raced the previous decision.
func (e *Engine) retryReconcile(ctx context.Context, r domain.Entity, round int, err error) error {
	if !errors.Is(err, store.ErrRevisionChanged) || round >= maxStaleRounds {
		return err
	}
	return e.reconcileLocked(ctx, r, round+1)
}

// pushLocked pushes the latest local revision when it is dirty. The entity
// lock must be held, which serializes pushes per entity. Each push is
// conditioned on the last confirmed server updatedAt; when the remote moved
// since then the current remote version is reconciled first.
func (e *Engine) pushLocked(ctx context.Context, id string, round int) error {
	rec, ok := e.local.Record(id)
	if !ok {
		e.resolveWaiters(id, math.MaxUint64, nil)
		return nil
	}
	if !rec.Meta.Dirty() {
		e.resolveWaiters(id, rec.Meta.LocalRevision, nil)
		return nil
	}
	e.mu.Lock()
	_, held := e.terminal[id]
	held = held || e.conflicted[id] != ""
	e.mu.Unlock()
	if held {
		return nil
	}

	base := rec.Meta.RemoteUpdatedAt
	pushed, err := e.remote.Push(ctx, rec.Entity, base)
	var stale *remote.StaleError
	if errors.As(err, &stale) && stale.Current == nil && base != nil {
		// The remote document is gone; write it back as new.
		pushed, err = e.remote.Push(ctx, rec.Entity, nil)
	}
	if errors.As(err, &stale) && stale.Current != nil && round < maxStaleRounds {
		e.logger.Debug("remote moved before push, reconciling", "collection", e.collection, "entity_id", id, "round", round+1)
		return e.reconcileLocked(ctx, *stale.Current, round+1)
	}
	if err != nil {
		return e.pushFailed(id, rec.Meta.LocalRevision, err)
	}
	current, err := e.local.MarkSynced(ctx, id, rec.Meta.LocalRevision, pushed.UpdatedAt)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.attempts, id)
	if !current {
		// Edited while the push was in flight.
		e.schedulePushLocked(id)
	}
	e.mu.Unlock()
	e.resolveWaiters(id, rec.Meta.LocalRevision, nil)
	e.logger.Debug("pushed", "collection", e.collection, "entity_id", id, "revision", rec.Meta.LocalRevision)
	return nil
}

func (e *Engine) pushFailed(id string, rev uint64, err error) error {
	if remote.IsOffline(err) {
		e.SetOnline(false)
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	terminal := remote.IsTerminal(err)
	e.mu.Lock()
	e.attempts[id]++
	attempts := e.attempts[id]
	if terminal {
		e.terminal[id] = err
	}
	e.mu.Unlock()
	e.resolveWaiters(id, rev, err)
	e.logger.Warn("push failed", "collection", e.collection, "entity_id", id, "attempts", attempts, "terminal", terminal, "err", err)
	if terminal || attempts >= e.maxAttempts {
		e.publishError(SyncError{
			Collection: e.collection,
			EntityID:   id,
			Terminal:   terminal,
			Attempts:   attempts,
			At:         e.clock().UTC(),
			Err:        err,
		})
	}
	return err
}

func (e *Engine) recordConflict(ctx context.Context, existingID string, local, r domain.Entity, fields []string) error {
	now := e.clock().UTC()
	c := domain.SyncConflict{
		ID:         existingID,
		Collection: e.collection,
		EntityID:   local.ID,
		Local:      local.Clone(),
		Remote:     r.Clone(),
		Fields:     slices.Clone(fields),
		Resolution: domain.ResolutionUnresolved,
		DetectedAt: now,
	}
	if existingID != "" {
		prev, err := e.conflicts.GetConflict(ctx, existingID)
		if err == nil {
			c.DetectedAt = prev.DetectedAt
		}
	} else {
		c.ID = e.idGen()
	}
	if err := e.conflicts.SaveConflict(ctx, c); err != nil {
		return fmt.Errorf("save conflict %s: %w", local.ID, err)
	}
	e.mu.Lock()
	e.conflicted[local.ID] = c.ID
	e.refreshStateLocked()
	e.mu.Unlock()
	e.logger.Info("sync conflict needs review", "collection", e.collection, "entity_id", local.ID, "fields", fields)
	return nil
}

func (e *Engine) closeConflict(ctx context.Context, id string, resolution domain.Resolution) error {
	c, err := e.conflicts.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	now := e.clock().UTC()
	c.Resolution = resolution
	c.ResolvedAt = &now
	if err := e.conflicts.SaveConflict(ctx, c); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.conflicted, c.EntityID)
	e.refreshStateLocked()
	e.mu.Unlock()
	return nil
}

// Conflicts lists the collection's unresolved conflicts.
func (e *Engine) Conflicts(ctx context.Context) ([]domain.SyncConflict, error) {
	return e.conflicts.ListConflicts(ctx, e.collection, true)
}

// ResolveConflict completes a conflict with the chosen side. Resolving an
// already resolved conflict is a no-op that returns it unchanged.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice domain.ResolveChoice) (domain.SyncConflict, error) {
	if choice != domain.ChoiceLocal && choice != domain.ChoiceRemote {
		return domain.SyncConflict{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	c, err := e.getConflict(ctx, id)
	if err != nil || !c.Pending() {
		return c, err
	}
	unlock := e.lockEntity(c.EntityID)
	defer unlock()
	if c, err = e.getConflict(ctx, id); err != nil || !c.Pending() {
		return c, err
	}

	resolution := domain.ResolutionKeptRemote
	if choice == domain.ChoiceLocal {
		resolution = domain.ResolutionKeptLocal
		if err := e.local.AcknowledgeRemote(ctx, c.EntityID, c.Remote.UpdatedAt); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return domain.SyncConflict{}, err
		}
	} else if _, err := e.local.ApplyRemote(ctx, c.Remote, store.ApplyOptions{Resolved: true}); err != nil {
		return domain.SyncConflict{}, err
	}
	if err := e.closeConflict(ctx, id, resolution); err != nil {
		return domain.SyncConflict{}, err
	}
	e.logger.Info("conflict resolved", "collection", e.collection, "entity_id", c.EntityID, "choice", choice)

	if choice == domain.ChoiceLocal {
		e.mu.Lock()
		ctxRun := e.runCtx
		e.mu.Unlock()
		if ctxRun != nil {
			if err := e.pushLocked(ctx, c.EntityID, 0); err != nil {
				e.logger.Warn("push after conflict resolution failed", "entity_id", c.EntityID, "err", err)
			}
		}
	}
	return e.getConflict(ctx, id)
}

func (e *Engine) getConflict(ctx context.Context, id string) (domain.SyncConflict, error) {
	c, err := e.conflicts.GetConflict(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && c.Collection != e.collection) {
		return domain.SyncConflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return c, err
}

// HasConflict reports whether conflictID belongs to this engine's collection.
func (e *Engine) HasConflict(ctx context.Context, conflictID string) bool {
	_, err := e.getConflict(ctx, conflictID)
	return err == nil
}

// onRemote handles change-feed batches.
func (e *Engine) onRemote(entities []domain.Entity, snapshot bool) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	e.SetOnline(true)
	for _, r := range entities {
		unlock := e.lockEntity(r.ID)
		err := e.reconcileLocked(ctx, r, 0)
		unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("apply remote change failed", "collection", e.collection, "entity_id", r.ID, "err", err)
		}
	}
	if snapshot {
		e.kick()
	}
}

// onFeedLost enters the offline overlay when the change feed drops for lack
// of connectivity. The reconnect snapshot in onRemote leaves it again.
func (e *Engine) onFeedLost(err error) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || !remote.IsOffline(err) {
		return
	}
	e.SetOnline(false)
}

// SetOnline sets the offline overlay. Coming back online resumes pending pushes.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()
	switch {
	case online && !was:
		e.logger.Info("remote reachable again", "collection", e.collection)
		e.kick()
	case !online && was:
		e.logger.Warn("remote unreachable, changes stay pending", "collection", e.collection)
	}
}

// kick schedules pushes for every dirty record.
func (e *Engine) kick() {
	recs := e.local.Records()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range recs {
		if rec.Meta.Dirty() {
			e.schedulePushLocked(rec.Entity.ID)
		}
	}
}

func (e *Engine) schedulePushLocked(id string) {
	if e.runCtx == nil || !e.online || e.queued[id] {
		return
	}
	if _, held := e.terminal[id]; held || e.conflicted[id] != "" {
		return
	}
	e.queued[id] = true
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
	go e.pushQueued(id)
}

func (e *Engine) pushQueued(id string) {
	defer func() {
		e.mu.Lock()
		e.active--
		if e.active == 0 {
			close(e.idle)
		}
		e.mu.Unlock()
	}()
	unlock := e.lockEntity(id)
	defer unlock()
	e.mu.Lock()
	delete(e.queued, id)
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	_ = e.pushLocked(ctx, id, 0)
}

func (e *Engine) lockEntity(id string) func() {
	e.locksMu.Lock()
	l := e.locks[id]
	if l == nil {
		l = &entityLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) resolveWaiters(id string, upTo uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws := e.waiters[id]
	kept := ws[:0]
	for _, w := range ws {
		if w.rev <= upTo {
			w.ch <- err
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		delete(e.waiters, id)
		return
	}
	e.waiters[id] = kept
}

// refreshStateLocked derives conflict/synced from the conflict set when no sync is running.
func (e *Engine) refreshStateLocked() {
	if e.syncing > 0 {
		return
	}
	switch {
	case len(e.conflicted) > 0:
		e.state = StateConflict
	case e.state == StateConflict && len(e.terminal) > 0:
		e.state = StateError
	case e.state == StateConflict:
		e.state = StateSynced
	}
}

// SubscribeErrors registers fn for published push failures.
func (e *Engine) SubscribeErrors(fn func(SyncError)) func() {
	e.errMu.Lock()
	e.errNext++
	id := e.errNext
	e.errSubs[id] = fn
	e.errMu.Unlock()
	return func() {
		e.errMu.Lock()
		delete(e.errSubs, id)
		e.errMu.Unlock()
	}
}

func (e *Engine) publishError(se SyncError) {
	e.mu.Lock()
	e.lastErr = se
	if e.syncing == 0 {
		e.state = StateError
	} else {
		e.settled = StateError
	}
	e.mu.Unlock()

	e.errMu.RLock()
	subs := make([]func(SyncError), 0, len(e.errSubs))
	for _, fn := range e.errSubs {
		subs = append(subs, fn)
	}
	e.errMu.RUnlock()
	for _, fn := range subs {
		fn(se)
	}
}

// State returns the current sync state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Online reports whether the remote was reachable at last contact.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Pending counts entities with local changes the remote has not confirmed.
func (e *Engine) Pending() int {
	n := 0
	for _, rec := range e.local.Records() {
		if rec.Meta.Dirty() {
			n++
		}
	}
	return n
}

// Status returns the collection's status snapshot.
func (e *Engine) Status() CollectionStatus {
	pending := e.Pending()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := CollectionStatus{
		Collection: e.collection,
		State:      e.state,
		Online:     e.online,
		SignedIn:   e.user != "",
		Pending:    pending,
		Conflicts:  len(e.conflicted),
		Failed:     len(e.terminal),
	}
	if e.lastSyncedAt != nil {
		ts := *e.lastSyncedAt
		out.LastSyncedAt = &ts
	}
	if e.lastErr != nil {
		out.LastError = e.lastErr.Error()
	}
	return out
}
