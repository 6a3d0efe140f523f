package history

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
)

// Default undo affordance policy.
const (
	DefaultWindow     = 10 * time.Second
	DefaultMaxVisible = 3
)

// Affordance is one visible undo prompt.
type Affordance struct {
	EntryID     string            `json:"historyId"`
	EntityID    string            `json:"entityId"`
	EntityType  domain.Kind       `json:"entityType"`
	Action      domain.ActionKind `json:"action"`
	Description string            `json:"description"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Remaining   time.Duration     `json:"remaining"`
}

// SecondsLeft rounds the remaining window up to whole seconds for display.
func (a Affordance) SecondsLeft() int {
	if a.Remaining <= 0 {
		return 0
	}
	return int((a.Remaining + time.Second - 1) / time.Second)
}

type offer struct {
	entry     domain.HistoryEntry
	expiresAt time.Time
}

// Tray holds the bounded set of concurrently shown undo affordances.
type Tray struct {
	log   *Log
	clock func() time.Time

	mu         sync.Mutex
	window     time.Duration
	maxVisible int
	offers     []offer
}

// NewTray constructs a tray over log. Non-positive values fall back to defaults.
func NewTray(log *Log, window time.Duration, maxVisible int) *Tray {
	t := &Tray{log: log, clock: log.clock}
	t.SetPolicy(window, maxVisible)
	return t
}

// SetPolicy updates the window and display bound. Existing offers keep their expiry.
func (t *Tray) SetPolicy(window time.Duration, maxVisible int) {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxVisible <= 0 {
		maxVisible = DefaultMaxVisible
	}
	t.mu.Lock()
	t.window = window
	t.maxVisible = maxVisible
	t.trimLocked()
	t.mu.Unlock()
}

// Window returns the current undo window.
func (t *Tray) Window() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.window
}

// Offer shows an undo affordance for entry, dropping the oldest shown one when
// the display bound is exceeded. Dropped entries stay undoable by id until
// their window ends.
func (t *Tray) Offer(entry domain.HistoryEntry) Affordance {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := offer{entry: entry, expiresAt: entry.CreatedAt.Add(t.window)}
	t.offers = append(t.offers, o)
	t.trimLocked()
	return o.affordance(t.clock())
}

// Visible returns the shown, unexpired affordances, oldest first.
func (t *Tray) Visible() []Affordance {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Affordance, 0, len(t.offers))
	for _, o := range t.offers {
		if !now.Before(o.expiresAt) {
			continue
		}
		out = append(out, o.affordance(now))
	}
	return out
}

// Undo reverts entryID while its window is open.
func (t *Tray) Undo(ctx context.Context, entryID string, fn UndoFunc) (domain.HistoryEntry, error) {
	now := t.clock()
	t.mu.Lock()
	idx := slices.IndexFunc(t.offers, func(o offer) bool { return o.entry.ID == entryID })
	var shown *offer
	if idx >= 0 {
		o := t.offers[idx]
		shown = &o
		t.offers = slices.Delete(t.offers, idx, idx+1)
	}
	window := t.window
	t.mu.Unlock()

	expiresAt := time.Time{}
	if shown != nil {
		expiresAt = shown.expiresAt
	} else {
		entry, err := t.log.Get(ctx, entryID)
		if err != nil {
			return domain.HistoryEntry{}, err
		}
		expiresAt = entry.CreatedAt.Add(window)
	}
	if !now.Before(expiresAt) {
		if err := t.log.Expire(ctx, entryID); err != nil {
			return domain.HistoryEntry{}, err
		}
		return domain.HistoryEntry{}, ErrUndoExpired
	}

	entry, err := t.log.Undo(ctx, entryID, fn)
	if err != nil && shown != nil && !errors.Is(err, ErrAlreadyUndone) && !errors.Is(err, ErrNotUndoable) {
		t.mu.Lock()
		t.offers = append(t.offers, *shown)
		slices.SortFunc(t.offers, func(a, b offer) int { return a.expiresAt.Compare(b.expiresAt) })
		t.mu.Unlock()
	}
	return entry, err
}

// Sweep removes expired affordances and clears their CanUndo flag. It returns
// the expired entry ids.
func (t *Tray) Sweep(ctx context.Context) ([]string, error) {
	now := t.clock()
	t.mu.Lock()
	var expired []string
	kept := t.offers[:0]
	for _, o := range t.offers {
		if now.Before(o.expiresAt) {
			kept = append(kept, o)
			continue
		}
		expired = append(expired, o.entry.ID)
	}
	t.offers = kept
	t.mu.Unlock()

	var errs []error
	for _, id := range expired {
		if err := t.log.Expire(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is cancelled.
func (t *Tray) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil && t.log.logger != nil {
				t.log.logger.Warn("undo sweep failed", "err", err)
			}
		}
	}
}

func (t *Tray) trimLocked() {
	if over := len(t.offers) - t.maxVisible; over > 0 {
		t.offers = slices.Delete(t.offers, 0, over)
	}
}

func (o offer) affordance(now time.Time) Affordance {
	remaining := o.expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Affordance{
		EntryID:     o.entry.ID,
		EntityID:    o.entry.EntityID,
		EntityType:  o.entry.EntityType,
		Action:      o.entry.Action,
		Description: o.entry.Description,
		ExpiresAt:   o.expiresAt,
		Remaining:   remaining,
	}
}
