package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/evanschultz/tandem/internal/domain"
)

// Options tunes a Collection.
type Options struct {
	// Prefix is prepended to the remote collection name.
	Prefix string
	// ReconnectInterval spaces watch re-subscriptions.
	ReconnectInterval time.Duration
	// ReconnectBurst allows immediate re-subscriptions before spacing applies.
	ReconnectBurst int
	Logger         *log.Logger
}

// Collection is the remote adapter for one domain collection.
type Collection struct {
	store  DocumentStore
	kind   domain.Kind
	name   string
	opts   Options
	logger *log.Logger
}

// NewCollection constructs an adapter for kind over store.
func NewCollection(store DocumentStore, kind domain.Kind, opts Options) (*Collection, error) {
	if store == nil {
		return nil, errors.New("document store is required")
	}
	name := kind.Collection()
	if name == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	if opts.ReconnectBurst <= 0 {
		opts.ReconnectBurst = 1
	}
	return &Collection{
		store:  store,
		kind:   kind,
		name:   strings.TrimSpace(opts.Prefix) + name,
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// Name returns the remote collection name.
func (c *Collection) Name() string {
	return c.name
}

// Push upserts one entity conditioned on base, the server updatedAt last
// confirmed locally (nil for never-confirmed entities), and returns it with the
// new server-stamped updatedAt. A moved remote yields *StaleError.
func (c *Collection) Push(ctx context.Context, e domain.Entity, base *time.Time) (domain.Entity, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return domain.Entity{}, &WriteError{Collection: c.name, ID: e.ID, Terminal: true, Err: errors.New("entity has no owning user")}
	}
	doc, err := c.encode(e)
	if err != nil {
		return domain.Entity{}, &WriteError{Collection: c.name, ID: e.ID, Terminal: true, Err: err}
	}
	if base != nil {
		ts := base.UTC()
		doc.Base = &ts
	}
	stored, err := c.store.Put(ctx, c.name, doc)
	var stale *StaleDocumentError
	if errors.As(err, &stale) {
		out := &StaleError{Collection: c.name, ID: e.ID}
		if stale.Current != nil {
			current, decodeErr := c.decode(*stale.Current)
			if decodeErr != nil {
				return domain.Entity{}, &WriteError{Collection: c.name, ID: e.ID, Err: decodeErr}
			}
			out.Current = &current
		}
		return domain.Entity{}, out
	}
	if err != nil {
		return domain.Entity{}, classify(c.name, e.ID, err)
	}
	out, err := c.decode(stored)
	if err != nil {
		return domain.Entity{}, &WriteError{Collection: c.name, ID: e.ID, Err: err}
	}
	return out, nil
}

// Pull reads every document the user owns, tombstones included.
func (c *Collection) Pull(ctx context.Context, userID string) ([]domain.Entity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("pull requires a user id")
	}
	docs, err := c.store.Query(ctx, c.name, userID)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", c.name, err)
	}
	return c.decodeAll(userID, docs), nil
}

// WatchFunc receives decoded entities from the change feed. snapshot is true
// when the batch is the full per-user state sent on (re)subscription.
type WatchFunc func(entities []domain.Entity, snapshot bool)

// LostFunc is told why the change feed dropped. The watch keeps re-subscribing
// and the next snapshot marks the feed live again.
type LostFunc func(err error)

// Subscription is a live watch. Close stops it; no callbacks run after Close returns.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	feed   Feed
}

// Close tears the watch down. It must not be called from inside the callback.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	feed := s.feed
	s.mu.Unlock()
	s.cancel()
	if feed != nil {
		_ = feed.Close()
	}
	<-s.done
}

// Done is closed once the watch loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watch opens a long-lived change feed for userID and re-subscribes after
// disconnects. Each (re)subscription starts with a snapshot so writes missed
// while disconnected are still delivered. lost may be nil.
func (c *Collection) Watch(ctx context.Context, userID string, fn WatchFunc, lost LostFunc) (*Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("watch requires a user id")
	}
	if fn == nil {
		return nil, errors.New("watch callback is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	limiter := rate.NewLimiter(rate.Every(c.opts.ReconnectInterval), c.opts.ReconnectBurst)

	deliver := func(ch Change) {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		fn(c.decodeAll(userID, ch.Documents), ch.Snapshot)
	}
	report := func(err error) {
		if lost == nil {
			return
		}
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.closed {
			return
		}
		lost(err)
	}

	go func() {
		defer close(sub.done)
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			feed, err := c.store.Listen(ctx, c.name, userID, deliver)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logWarn("watch subscribe failed", "collection", c.name, "err", err)
				report(err)
				continue
			}
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				_ = feed.Close()
				return
			}
			sub.feed = feed
			sub.mu.Unlock()

			select {
			case <-ctx.Done():
				_ = feed.Close()
				return
			case <-feed.Done():
			}
			if ctx.Err() != nil {
				return
			}
			dropErr := feed.Err()
			if dropErr == nil {
				dropErr = fmt.Errorf("%w: change feed for %s closed", ErrOffline, c.name)
			}
			c.logWarn("watch disconnected, resubscribing", "collection", c.name, "err", dropErr)
			report(dropErr)
		}
	}()
	return sub, nil
}

func (c *Collection) encode(e domain.Entity) (Document, error) {
	if e.Kind != c.kind {
		return Document{}, fmt.Errorf("%w: %q in %s", domain.ErrInvalidKind, e.Kind, c.name)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s: %w", e.ID, err)
	}
	return Document{
		ID:        e.ID,
		UserID:    e.UserID,
		UpdatedAt: e.UpdatedAt,
		Deleted:   e.Deleted(),
		Body:      body,
	}, nil
}

func (c *Collection) decode(doc Document) (domain.Entity, error) {
	var e domain.Entity
	if err := json.Unmarshal(doc.Body, &e); err != nil {
		return domain.Entity{}, fmt.Errorf("decode %s/%s: %w", c.name, doc.ID, err)
	}
	e.ID = doc.ID
	e.UserID = doc.UserID
	e.UpdatedAt = doc.UpdatedAt.UTC()
	if e.Kind == "" {
		e.Kind = c.kind
	}
	if doc.Deleted && e.DeletedAt == nil {
		ts := e.UpdatedAt
		e.DeletedAt = &ts
	}
	if err := e.Validate(); err != nil {
		return domain.Entity{}, fmt.Errorf("decode %s/%s: %w", c.name, doc.ID, err)
	}
	return e, nil
}

// decodeAll drops documents of other users and malformed documents.
func (c *Collection) decodeAll(userID string, docs []Document) []domain.Entity {
	out := make([]domain.Entity, 0, len(docs))
	for _, doc := range docs {
		if doc.UserID != userID {
			continue
		}
		e, err := c.decode(doc)
		if err != nil {
			c.logWarn("skipping malformed remote document", "collection", c.name, "id", doc.ID, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (c *Collection) logWarn(msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Warn(msg, keyvals...)
}
