// Package history keeps the append-only action log and the transient undo
// affordances built on top of it.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/evanschultz/tandem/internal/domain"
)

// Sentinel errors returned by Undo.
var (
	ErrNotUndoable   = errors.New("history entry cannot be undone")
	ErrAlreadyUndone = errors.New("history entry already undone")
	ErrUndoExpired   = errors.New("undo window expired")
	ErrSuperseded    = fmt.Errorf("%w: a later action on the same entity was undone", ErrNotUndoable)
)

// Filter narrows a history listing.
type Filter struct {
	EntityID string
	Limit    int
}

// Repository persists history entries.
type Repository interface {
	AppendHistory(context.Context, domain.HistoryEntry) (domain.HistoryEntry, error)
	UpdateHistory(context.Context, domain.HistoryEntry) error
	GetHistory(context.Context, string) (domain.HistoryEntry, error)
	// ListHistory returns matching entries newest first.
	ListHistory(context.Context, Filter) ([]domain.HistoryEntry, error)
	PurgeHistory(context.Context, time.Time) (int, error)
}

// RecordInput holds the values captured for one reversible action.
type RecordInput struct {
	EntityType  domain.Kind
	EntityID    string
	Action      domain.ActionKind
	Previous    *domain.Entity
	Next        *domain.Entity
	Description string
}

// UndoFunc restores previous, the state captured before the action. previous is
// nil when undoing a create.
type UndoFunc func(ctx context.Context, previous *domain.Entity, entry domain.HistoryEntry) error

// Config holds Log dependencies.
type Config struct {
	IDGen  func() string
	Clock  func() time.Time
	Logger *log.Logger
}

// Log is the action history.
type Log struct {
	repo   Repository
	idGen  func() string
	clock  func() time.Time
	logger *log.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewLog constructs a Log over repo.
func NewLog(repo Repository, cfg Config) (*Log, error) {
	if repo == nil {
		return nil, errors.New("history repository is required")
	}
	if cfg.IDGen == nil {
		return nil, errors.New("history id generator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Log{
		repo:     repo,
		idGen:    cfg.IDGen,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		inflight: map[string]struct{}{},
	}, nil
}

// Record appends one entry. Entries start undoable.
func (l *Log) Record(ctx context.Context, in RecordInput) (domain.HistoryEntry, error) {
	in.EntityID = strings.TrimSpace(in.EntityID)
	if in.EntityID == "" {
		return domain.HistoryEntry{}, fmt.Errorf("record history: %w", domain.ErrInvalidID)
	}
	if !domain.IsValidActionKind(in.Action) {
		return domain.HistoryEntry{}, fmt.Errorf("record history: unsupported action %q", in.Action)
	}
	entry := domain.HistoryEntry{
		ID:          l.idGen(),
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Action:      in.Action,
		Previous:    clonePtr(in.Previous),
		Next:        clonePtr(in.Next),
		Description: strings.TrimSpace(in.Description),
		CanUndo:     true,
		CreatedAt:   l.clock().UTC(),
	}
	if entry.Description == "" {
		entry.Description = Describe(entry)
	}
	stored, err := l.repo.AppendHistory(ctx, entry)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("record history: %w", err)
	}
	return stored, nil
}

// Get returns one entry.
func (l *Log) Get(ctx context.Context, id string) (domain.HistoryEntry, error) {
	return l.repo.GetHistory(ctx, id)
}

// List returns entries newest first.
func (l *Log) List(ctx context.Context, filter Filter) ([]domain.HistoryEntry, error) {
	return l.repo.ListHistory(ctx, filter)
}

// Purge physically removes entries created before cutoff.
func (l *Log) Purge(ctx context.Context, before time.Time) (int, error) {
	n, err := l.repo.PurgeHistory(ctx, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	if l.logger != nil {
		l.logger.Info("history purged", "before", before.UTC().Format(time.RFC3339), "removed", n)
	}
	return n, nil
}

// Expire clears CanUndo so the entry stays for audit but can no longer be undone.
func (l *Log) Expire(ctx context.Context, id string) error {
	entry, err := l.repo.GetHistory(ctx, id)
	if err != nil {
		return err
	}
	if !entry.CanUndo {
		return nil
	}
	entry.CanUndo = false
	return l.repo.UpdateHistory(ctx, entry)
}

// Undo reverts one entry through fn. The entry is claimed before fn runs so a
// concurrent second undo is rejected, and it becomes terminal (undoneAt set)
// only when fn succeeds.
func (l *Log) Undo(ctx context.Context, id string, fn UndoFunc) (domain.HistoryEntry, error) {
	if fn == nil {
		return domain.HistoryEntry{}, errors.New("undo callback is required")
	}
	entry, err := l.claim(ctx, id)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	defer l.release(id)

	if err := fn(ctx, clonePtr(entry.Previous), entry); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("undo %s: %w", id, err)
	}
	now := l.clock().UTC()
	entry.UndoneAt = &now
	entry.CanUndo = false
	if err := l.repo.UpdateHistory(ctx, entry); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("mark undone %s: %w", id, err)
	}
	if l.logger != nil {
		l.logger.Info("action undone", "history_id", id, "entity_id", entry.EntityID, "action", entry.Action)
	}
	return entry, nil
}

func (l *Log) claim(ctx context.Context, id string) (domain.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return domain.HistoryEntry{}, ErrAlreadyUndone
	}
	entry, err := l.repo.GetHistory(ctx, id)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	if entry.Undone() {
		return domain.HistoryEntry{}, ErrAlreadyUndone
	}
	if !entry.CanUndo {
		return domain.HistoryEntry{}, ErrNotUndoable
	}
	later, err := l.repo.ListHistory(ctx, Filter{EntityID: entry.EntityID})
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	for _, other := range later {
		if other.Seq > entry.Seq && other.Undone() {
			return domain.HistoryEntry{}, ErrSuperseded
		}
	}
	l.inflight[id] = struct{}{}
	return entry, nil
}

func (l *Log) release(id string) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

// Describe renders a default human-readable description for an entry.
func Describe(entry domain.HistoryEntry) string {
	title := ""
	switch {
	case entry.Next != nil:
		title = entry.Next.Title
	case entry.Previous != nil:
		title = entry.Previous.Title
	}
	label := entry.EntityType.Label()
	switch entry.Action {
	case domain.ActionCreate:
		return fmt.Sprintf("Created %s %q", label, title)
	case domain.ActionDelete:
		return fmt.Sprintf("Deleted %s %q", label, title)
	case domain.ActionComplete:
		return fmt.Sprintf("Completed %q", title)
	case domain.ActionUncomplete:
		return fmt.Sprintf("Reopened %q", title)
	case domain.ActionStatusChange:
		if entry.Next != nil {
			return fmt.Sprintf("Moved %q to %s", title, strings.ReplaceAll(string(entry.Next.Status), "_", " "))
		}
		return fmt.Sprintf("Changed status of %q", title)
	default:
		return fmt.Sprintf("Edited %s %q", label, title)
	}
}

func clonePtr(e *domain.Entity) *domain.Entity {
	if e == nil {
		return nil
	}
	return e.Ptr()
}
