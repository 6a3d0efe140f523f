// Package memdoc provides an in-memory remote document store with server
// timestamps, per-user change feeds, and fault injection.
package memdoc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/evanschultz/tandem/internal/remote"
)

// feedBuffer bounds queued changes per feed. A feed that falls further behind
// is disconnected and its owner resubscribes from a snapshot.
const feedBuffer = 256

// ErrSlowConsumer ends a feed whose buffer overflowed.
var ErrSlowConsumer = errors.New("change feed consumer too slow")

// Store is an in-memory remote.DocumentStore.
type Store struct {
	clock func() time.Time

	mu      sync.Mutex
	docs    map[string]map[string]remote.Document
	last    time.Time
	offline bool
	denied  map[string]error
	feeds   map[*feed]struct{}
}

// New constructs an empty store. A nil clock uses time.Now.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:  clock,
		docs:   map[string]map[string]remote.Document{},
		denied: map[string]error{},
		feeds:  map[*feed]struct{}{},
	}
}

// SetOffline toggles simulated network loss. Going offline ends every open feed.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	var ended []*feed
	if offline {
		for f := range s.feeds {
			ended = append(ended, f)
		}
		clear(s.feeds)
	}
	s.mu.Unlock()
	for _, f := range ended {
		f.end(remote.ErrOffline)
	}
}

// Reject makes every write to collection/id fail with err until cleared with a nil err.
func (s *Store) Reject(collection, id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collection + "/" + id
	if err == nil {
		delete(s.denied, key)
		return
	}
	s.denied[key] = err
}

// Put upserts doc and stamps a strictly increasing server updatedAt.
func (s *Store) Put(ctx context.Context, collection string, doc remote.Document) (remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return remote.Document{}, err
	}
	collection = strings.TrimSpace(collection)
	if collection == "" || strings.TrimSpace(doc.ID) == "" {
		return remote.Document{}, fmt.Errorf("%w: collection and id are required", remote.ErrRejected)
	}
	if strings.TrimSpace(doc.UserID) == "" {
		return remote.Document{}, fmt.Errorf("%w: document has no owner", remote.ErrPermissionDenied)
	}

	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return remote.Document{}, remote.ErrOffline
	}
	if err := s.denied[collection+"/"+doc.ID]; err != nil {
		s.mu.Unlock()
		return remote.Document{}, err
	}
	existing, exists := s.docs[collection][doc.ID]
	if exists && existing.UserID != doc.UserID {
		s.mu.Unlock()
		return remote.Document{}, fmt.Errorf("%w: %s/%s belongs to another user", remote.ErrPermissionDenied, collection, doc.ID)
	}
	if err := checkBase(existing, exists, doc.Base); err != nil {
		s.mu.Unlock()
		return remote.Document{}, err
	}
	now := s.clock().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	stored := doc
	stored.Base = nil
	stored.UpdatedAt = now
	stored.Body = append([]byte(nil), doc.Body...)
	if s.docs[collection] == nil {
		s.docs[collection] = map[string]remote.Document{}
	}
	s.docs[collection][doc.ID] = stored

	var targets []*feed
	for f := range s.feeds {
		if f.collection == collection && f.userID == stored.UserID {
			targets = append(targets, f)
		}
	}
	// Enqueue under the lock so feeds observe writes in commit order.
	var overflowed []*feed
	for _, f := range targets {
		if !f.enqueue(remote.Change{Documents: []remote.Document{stored}}) {
			overflowed = append(overflowed, f)
			delete(s.feeds, f)
		}
	}
	s.mu.Unlock()

	for _, f := range overflowed {
		f.end(ErrSlowConsumer)
	}
	return stored, nil
}

// checkBase enforces the write precondition carried by Document.Base.
func checkBase(existing remote.Document, exists bool, base *time.Time) error {
	switch {
	case !exists && base == nil:
		return nil
	case !exists:
		return &remote.StaleDocumentError{}
	case base == nil || !existing.UpdatedAt.Equal(*base):
		current := existing
		return &remote.StaleDocumentError{Current: &current}
	default:
		return nil
	}
}

// Query returns every document userID owns in collection, ordered by id.
func (s *Store) Query(ctx context.Context, collection, userID string) ([]remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, remote.ErrOffline
	}
	return s.snapshotLocked(collection, userID), nil
}

// Get returns one document regardless of owner. It is meant for inspection.
func (s *Store) Get(collection, id string) (remote.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][id]
	return doc, ok
}

// Listen opens a change feed. The first change is a snapshot of the user's documents.
func (s *Store) Listen(ctx context.Context, collection, userID string, fn func(remote.Change)) (remote.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("listen callback is required")
	}
	f := &feed{
		owner:      s,
		collection: collection,
		userID:     userID,
		queue:      make(chan remote.Change, feedBuffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return nil, remote.ErrOffline
	}
	f.enqueue(remote.Change{Documents: s.snapshotLocked(collection, userID), Snapshot: true})
	s.feeds[f] = struct{}{}
	s.mu.Unlock()

	go f.run(ctx, fn)
	return f, nil
}

func (s *Store) snapshotLocked(collection, userID string) []remote.Document {
	out := make([]remote.Document, 0)
	for _, doc := range s.docs[collection] {
		if doc.UserID != userID {
			continue
		}
		out = append(out, doc)
	}
	slices.SortFunc(out, func(a, b remote.Document) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) detach(f *feed) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
}

type feed struct {
	owner      *Store
	collection string
	userID     string
	queue      chan remote.Change
	stop       chan struct{}
	done       chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// enqueue reports false when the buffer is full.
func (f *feed) enqueue(ch remote.Change) bool {
	select {
	case f.queue <- ch:
		return true
	default:
		return false
	}
}

func (f *feed) run(ctx context.Context, fn func(remote.Change)) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.owner.detach(f)
			f.setErr(ctx.Err())
			return
		case <-f.stop:
			return
		case ch := <-f.queue:
			select {
			case <-f.stop:
				return
			default:
			}
			fn(ch)
		}
	}
}

func (f *feed) end(err error) {
	f.once.Do(func() {
		f.setErr(err)
		close(f.stop)
	})
}

func (f *feed) setErr(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
}

func (f *feed) Done() <-chan struct{} {
	return f.done
}

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.owner.detach(f)
	f.once.Do(func() { close(f.stop) })
	<-f.done
	return nil
}
