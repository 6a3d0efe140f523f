// Package store holds the local, persisted, versioned entity collections that
// are the source of truth while offline.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
)

// Repository persists records of one or more collections.
type Repository interface {
	LoadRecords(ctx context.Context, collection string) ([]domain.Record, error)
	SaveRecord(ctx context.Context, collection string, rec domain.Record) error
	DeleteRecord(ctx context.Context, collection string, id string) error
}

// Listener receives store change events in mutation order.
type Listener func(domain.ChangeEvent)

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Config holds construction parameters for one collection store.
type Config struct {
	Kind     domain.Kind
	DeviceID string
	IDGen    IDGenerator
	Clock    Clock
}

// ApplyOptions tunes remote reconciliation writes.
type ApplyOptions struct {
	// Resolved marks a write the conflict resolver already decided, which skips
	// the strictly-newer guard (equal timestamps resolve to remote).
	Resolved bool
	// IfRevision, when non-zero, rejects the write with ErrRevisionChanged
	// unless the local record is still at that revision.
	IfRevision uint64
}

var (
	// ErrDuplicateID reports an id collision on create.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrRevisionChanged reports a conditional remote write that lost a race with a local edit.
	ErrRevisionChanged = errors.New("local revision changed")
)

// Store is the entity store of one collection.
type Store struct {
	kind       domain.Kind
	collection string
	deviceID   string
	repo       Repository
	idGen      IDGenerator
	clock      Clock

	mu      sync.Mutex
	records map[string]domain.Record
	seq     uint64
	queue   []domain.ChangeEvent

	deliverMu sync.Mutex
	subsMu    sync.RWMutex
	subs      map[uint64]Listener
	subOrder  []uint64
	nextSub   uint64
}

// New constructs an empty store. Call Load to hydrate it from the repository.
func New(repo Repository, cfg Config) (*Store, error) {
	if repo == nil {
		return nil, errors.New("store repository is required")
	}
	collection := cfg.Kind.Collection()
	if collection == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKind, cfg.Kind)
	}
	if cfg.IDGen == nil {
		return nil, errors.New("store id generator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		kind:       cfg.Kind,
		collection: collection,
		deviceID:   strings.TrimSpace(cfg.DeviceID),
		repo:       repo,
		idGen:      cfg.IDGen,
		clock:      cfg.Clock,
		records:    map[string]domain.Record{},
		subs:       map[uint64]Listener{},
	}, nil
}

// Kind returns the entity kind held by this store.
func (s *Store) Kind() domain.Kind {
	return s.kind
}

// Collection returns the collection name.
func (s *Store) Collection() string {
	return s.collection
}

// Load replaces in-memory state with the persisted records.
func (s *Store) Load(ctx context.Context) error {
	recs, err := s.repo.LoadRecords(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.collection, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]domain.Record, len(recs))
	for _, rec := range recs {
		s.records[rec.Entity.ID] = cloneRecord(rec)
	}
	return nil
}

// Create validates the draft, assigns id and timestamps, and persists it.
func (s *Store) Create(ctx context.Context, draft domain.Draft) (domain.Entity, error) {
	if draft.Kind == "" {
		draft.Kind = s.kind
	}
	if draft.Kind != s.kind {
		return domain.Entity{}, &domain.ValidationError{Field: "kind", Err: domain.ErrInvalidKind}
	}

	s.mu.Lock()
	entity, err := domain.NewEntity(draft, s.idGen(), s.clock())
	if err != nil {
		s.mu.Unlock()
		return domain.Entity{}, err
	}
	if _, exists := s.records[entity.ID]; exists {
		s.mu.Unlock()
		return domain.Entity{}, fmt.Errorf("%w: %s", ErrDuplicateID, entity.ID)
	}
	rec := domain.Record{
		Entity: entity,
		Meta:   domain.SyncMetadata{DeviceID: s.deviceID, LocalRevision: 1},
	}
	if err := s.persistLocked(ctx, rec); err != nil {
		s.mu.Unlock()
		return domain.Entity{}, err
	}
	s.emitLocked(domain.ChangeOperationCreate, domain.OriginLocal, rec, nil)
	s.mu.Unlock()

	s.flush()
	return entity.Clone(), nil
}

// Update merges patch fields into a live entity and bumps updatedAt.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (domain.Entity, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Entity.Deleted() {
		s.mu.Unlock()
		return domain.Entity{}, fmt.Errorf("%s %s: %w", s.kind.Label(), id, domain.ErrNotFound)
	}
	prev := rec.Entity.Clone()
	next, err := rec.Entity.Apply(patch)
	if err != nil {
		s.mu.Unlock()
		return domain.Entity{}, err
	}
	next.UpdatedAt = s.nextTimestampLocked(prev.UpdatedAt)
	rec.Entity = next
	rec.Meta.LocalRevision++
	if err := s.persistLocked(ctx, rec); err != nil {
		s.mu.Unlock()
		return domain.Entity{}, err
	}
	s.emitLocked(domain.ChangeOperationUpdate, domain.OriginLocal, rec, &prev)
	s.mu.Unlock()

	s.flush()
	return next.Clone(), nil
}

// Remove tombstones a live entity. Kinds that hard delete purge the tombstone
// once the remote confirms it; the others keep it for audit, as ApplyRemote
// does for remote deletes. Returns false when no live entity exists.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.Entity.Deleted() {
		s.mu.Unlock()
		return false, nil
	}
	prev := rec.Entity.Clone()
	ts := s.nextTimestampLocked(prev.UpdatedAt)
	rec.Entity = prev.Clone()
	rec.Entity.UpdatedAt = ts
	rec.Entity.DeletedAt = &ts
	rec.Meta.LocalRevision++
	if err := s.persistLocked(ctx, rec); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.emitLocked(domain.ChangeOperationRemove, domain.OriginLocal, rec, &prev)
	s.mu.Unlock()

	s.flush()
	return true, nil
}

// Restore writes snapshot content back under its original id, reviving a
// tombstoned or purged record. Used by undo and compensating rollbacks.
func (s *Store) Restore(ctx context.Context, snapshot domain.Entity) (domain.Entity, error) {
	if snapshot.Kind != s.kind {
		return domain.Entity{}, &domain.ValidationError{Field: "kind", Err: domain.ErrInvalidKind}
	}
	restored := snapshot.Clone()
	restored.DeletedAt = nil
	if err := restored.Validate(); err != nil {
		return domain.Entity{}, err
	}

	s.mu.Lock()
	rec, exists := s.records[snapshot.ID]
	var prev *domain.Entity
	if exists {
		prev = rec.Entity.Ptr()
		restored.CreatedAt = rec.Entity.CreatedAt
		restored.UpdatedAt = s.nextTimestampLocked(rec.Entity.UpdatedAt)
		rec.Meta.LocalRevision++
	} else {
		restored.UpdatedAt = s.nextTimestampLocked(snapshot.UpdatedAt)
		rec.Meta = domain.SyncMetadata{DeviceID: s.deviceID, LocalRevision: 1}
	}
	rec.Entity = restored
	if err := s.persistLocked(ctx, rec); err != nil {
		s.mu.Unlock()
		return domain.Entity{}, err
	}
	s.emitLocked(domain.ChangeOperationRestore, domain.OriginLocal, rec, prev)
	s.mu.Unlock()

	s.flush()
	return restored.Clone(), nil
}

// Claim assigns userID to every record without an owner, including
// tombstones, and returns how many records it claimed. Claims are local
// mutations so the records are pushed under their new owner.
func (s *Store) Claim(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, nil
	}
	s.mu.Lock()
	ids := make([]string, 0)
	for id, rec := range s.records {
		if rec.Entity.UserID == "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	claimed := 0
	for _, id := range ids {
		rec := s.records[id]
		prev := rec.Entity.Clone()
		rec.Entity = prev.Clone()
		rec.Entity.UserID = userID
		rec.Entity.UpdatedAt = s.nextTimestampLocked(prev.UpdatedAt)
		rec.Meta.LocalRevision++
		if err := s.persistLocked(ctx, rec); err != nil {
			s.mu.Unlock()
			s.flush()
			return claimed, err
		}
		s.emitLocked(domain.ChangeOperationUpdate, domain.OriginLocal, rec, &prev)
		claimed++
	}
	s.mu.Unlock()

	s.flush()
	return claimed, nil
}

// ApplyRemote writes a remote version. Unless opts.Resolved is set, the write
// is accepted only when no local copy exists or the remote updatedAt is
// strictly newer than the locally held value.
func (s *Store) ApplyRemote(ctx context.Context, remote domain.Entity, opts ApplyOptions) (bool, error) {
	if remote.Kind != s.kind {
		return false, &domain.ValidationError{Field: "kind", Err: domain.ErrInvalidKind}
	}
	if err := remote.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	rec, exists := s.records[remote.ID]
	if opts.IfRevision != 0 && (!exists || rec.Meta.LocalRevision != opts.IfRevision) {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s %s", ErrRevisionChanged, s.kind.Label(), remote.ID)
	}
	if exists && !opts.Resolved && !remote.UpdatedAt.After(heldTimestamp(rec)) {
		s.mu.Unlock()
		return false, nil
	}
	if !exists && remote.Deleted() {
		s.mu.Unlock()
		return false, nil
	}

	now := s.clock().UTC()
	serverTS := remote.UpdatedAt.UTC()
	next := remote.Clone()
	op := domain.ChangeOperationCreate
	var prev *domain.Entity
	if exists {
		prev = rec.Entity.Ptr()
		op = domain.ChangeOperationUpdate
		if next.UpdatedAt.Before(rec.Entity.UpdatedAt) || next.UpdatedAt.Equal(rec.Entity.UpdatedAt) {
			next.UpdatedAt = rec.Entity.UpdatedAt.Add(time.Nanosecond)
		}
		rec.Meta.LocalRevision++
	} else {
		rec.Meta = domain.SyncMetadata{DeviceID: s.deviceID, LocalRevision: 1}
	}
	rec.Entity = next
	rec.Meta.SyncedRevision = rec.Meta.LocalRevision
	rec.Meta.LastSyncedAt = &now
	rec.Meta.RemoteUpdatedAt = &serverTS

	if next.Deleted() {
		op = domain.ChangeOperationRemove
		if s.kind.HardDeletes() {
			if err := s.repo.DeleteRecord(ctx, s.collection, next.ID); err != nil {
				s.mu.Unlock()
				return false, fmt.Errorf("delete %s %s: %w", s.collection, next.ID, err)
			}
			delete(s.records, next.ID)
			s.emitLocked(op, domain.OriginRemote, rec, prev)
			s.mu.Unlock()
			s.flush()
			return true, nil
		}
	}
	if err := s.persistLocked(ctx, rec); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.emitLocked(op, domain.OriginRemote, rec, prev)
	s.mu.Unlock()

	s.flush()
	return true, nil
}

// MarkSynced records a remote confirmation of revision and reports whether it
// covers the current local revision. Confirmations older than the last
// confirmed revision are discarded. A confirmation of an intermediate revision
// advances the sync point but leaves the newer local write dirty.
func (s *Store) MarkSynced(ctx context.Context, id string, revision uint64, serverUpdatedAt time.Time) (bool, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || revision <= rec.Meta.SyncedRevision || revision > rec.Meta.LocalRevision {
		s.mu.Unlock()
		return false, nil
	}
	now := s.clock().UTC()
	rec.Meta.SyncedRevision = revision
	rec.Meta.LastSyncedAt = &now
	rec.Meta.RemoteUpdatedAt = laterStamp(rec.Meta.RemoteUpdatedAt, serverUpdatedAt)
	current := revision == rec.Meta.LocalRevision

	if current && rec.Entity.Deleted() && s.kind.HardDeletes() {
		if err := s.repo.DeleteRecord(ctx, s.collection, id); err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("purge %s %s: %w", s.collection, id, err)
		}
		delete(s.records, id)
		s.emitLocked(domain.ChangeOperationPurge, domain.OriginSync, rec, nil)
		s.mu.Unlock()
		s.flush()
		return true, nil
	}
	if err := s.persistLocked(ctx, rec); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()
	return current, nil
}

// AcknowledgeRemote moves the sync point to a remote version the caller has
// seen and deliberately overridden, without touching local content.
func (s *Store) AcknowledgeRemote(ctx context.Context, id string, serverUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", s.kind.Label(), id, domain.ErrNotFound)
	}
	rec.Meta.RemoteUpdatedAt = laterStamp(rec.Meta.RemoteUpdatedAt, serverUpdatedAt)
	return s.persistLocked(ctx, rec)
}

// Purge physically deletes a record regardless of state.
func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := s.repo.DeleteRecord(ctx, s.collection, id); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("purge %s %s: %w", s.collection, id, err)
	}
	delete(s.records, id)
	s.emitLocked(domain.ChangeOperationPurge, domain.OriginSync, rec, nil)
	s.mu.Unlock()

	s.flush()
	return nil
}

// Get returns one live entity.
func (s *Store) Get(id string) (domain.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Entity.Deleted() {
		return domain.Entity{}, false
	}
	return rec.Entity.Clone(), true
}

// GetAll returns live entities ordered by creation time.
func (s *Store) GetAll() []domain.Entity {
	s.mu.Lock()
	out := make([]domain.Entity, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Entity.Deleted() {
			continue
		}
		out = append(out, rec.Entity.Clone())
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Find returns live entities matching pred.
func (s *Store) Find(pred func(domain.Entity) bool) []domain.Entity {
	all := s.GetAll()
	out := make([]domain.Entity, 0)
	for _, e := range all {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Record returns one record including tombstones and sync metadata.
func (s *Store) Record(id string) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.Record{}, false
	}
	return cloneRecord(rec), true
}

// Records returns every record including tombstones, ordered by id.
func (s *Store) Records() []domain.Record {
	s.mu.Lock()
	out := make([]domain.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b domain.Record) int {
		return strings.Compare(a.Entity.ID, b.Entity.ID)
	})
	return out
}

// Metadata returns the sync metadata of one record.
func (s *Store) Metadata(id string) (domain.SyncMetadata, bool) {
	rec, ok := s.Record(id)
	if !ok {
		return domain.SyncMetadata{}, false
	}
	return rec.Meta, true
}

// Subscribe registers a listener invoked after every mutation. The returned
// function revokes it; no events are delivered to it after it returns.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.subOrder = append(s.subOrder, id)
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subOrder = slices.DeleteFunc(s.subOrder, func(v uint64) bool { return v == id })
			s.subsMu.Unlock()
		})
	}
}

// persistLocked writes one record through the repository and then memory.
// Memory is left unchanged when the repository fails.
func (s *Store) persistLocked(ctx context.Context, rec domain.Record) error {
	if err := s.repo.SaveRecord(ctx, s.collection, rec); err != nil {
		return fmt.Errorf("save %s %s: %w", s.collection, rec.Entity.ID, err)
	}
	s.records[rec.Entity.ID] = cloneRecord(rec)
	return nil
}

// emitLocked queues one change event; s.mu must be held so queue order is mutation order.
func (s *Store) emitLocked(op domain.ChangeOperation, origin domain.ChangeOrigin, rec domain.Record, prev *domain.Entity) {
	s.seq++
	s.queue = append(s.queue, domain.ChangeEvent{
		Seq:        s.seq,
		Collection: s.collection,
		Operation:  op,
		Origin:     origin,
		Entity:     rec.Entity.Clone(),
		Previous:   prev,
		Revision:   rec.Meta.LocalRevision,
	})
}

// flush delivers queued events in order. Only one goroutine delivers at a time;
// events queued by listeners (nested mutations) are drained by the active
// deliverer after the current listener returns.
func (s *Store) flush() {
	for {
		if !s.deliverMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.deliver(ev)
		}
		s.deliverMu.Unlock()

		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Store) deliver(ev domain.ChangeEvent) {
	s.subsMu.RLock()
	ids := append([]uint64(nil), s.subOrder...)
	s.subsMu.RUnlock()
	for _, id := range ids {
		s.subsMu.RLock()
		fn, ok := s.subs[id]
		s.subsMu.RUnlock()
		if !ok {
			continue
		}
		fn(ev)
	}
}

// nextTimestampLocked returns a timestamp strictly after prev.
func (s *Store) nextTimestampLocked(prev time.Time) time.Time {
	now := s.clock().UTC()
	if !now.After(prev) {
		now = prev.UTC().Add(time.Nanosecond)
	}
	return now
}

// heldTimestamp is the local value a remote write must beat: the server stamp
// of the last confirmed sync point, or the local updatedAt when never confirmed.
func heldTimestamp(rec domain.Record) time.Time {
	if rec.Meta.RemoteUpdatedAt != nil {
		return *rec.Meta.RemoteUpdatedAt
	}
	return rec.Entity.UpdatedAt
}

func laterStamp(held *time.Time, ts time.Time) *time.Time {
	ts = ts.UTC()
	if held != nil && !ts.After(*held) {
		out := *held
		return &out
	}
	return &ts
}

func cloneRecord(rec domain.Record) domain.Record {
	out := domain.Record{Entity: rec.Entity.Clone(), Meta: rec.Meta}
	if rec.Meta.LastSyncedAt != nil {
		ts := *rec.Meta.LastSyncedAt
		out.Meta.LastSyncedAt = &ts
	}
	if rec.Meta.RemoteUpdatedAt != nil {
		ts := *rec.Meta.RemoteUpdatedAt
		out.Meta.RemoteUpdatedAt = &ts
	}
	return out
}
