package syncer

import (
	"slices"
	"strings"
	"sync"

	"github.com/evanschultz/tandem/internal/domain"
)

// DefaultManualFields lists the fields whose divergent edits need a user decision.
var DefaultManualFields = []string{domain.FieldStatus}

// Outcome is the verdict for one local/remote pair.
type Outcome int

// Outcome values.
const (
	OutcomeConverged Outcome = iota
	OutcomeKeepLocal
	OutcomeKeepRemote
	OutcomeConflict
)

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeConverged:
		return "converged"
	case OutcomeKeepLocal:
		return "keep-local"
	case OutcomeKeepRemote:
		return "keep-remote"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decision is the resolver result.
type Decision struct {
	Outcome Outcome
	// Fields lists differing content fields.
	Fields []string
	// Diverged is true when both sides changed since the last confirmed sync point.
	Diverged bool
}

// Resolver decides between local and remote versions of one entity.
type Resolver struct {
	mu     sync.RWMutex
	manual []string
}

// NewResolver constructs a resolver. A nil field list uses DefaultManualFields.
func NewResolver(manualFields []string) *Resolver {
	r := &Resolver{}
	if manualFields == nil {
		manualFields = DefaultManualFields
	}
	r.SetManualFields(manualFields)
	return r
}

// SetManualFields replaces the manual-resolution field list.
func (r *Resolver) SetManualFields(fields []string) {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || slices.Contains(out, f) {
			continue
		}
		out = append(out, f)
	}
	slices.Sort(out)
	r.mu.Lock()
	r.manual = out
	r.mu.Unlock()
}

// ManualFields returns the current manual-resolution field list.
func (r *Resolver) ManualFields() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.manual)
}

// Resolve compares local, whose sync bookkeeping is meta, against remote.
// One-sided changes propagate. Divergent edits touching a manual field of a
// task-like entity become conflicts; other divergent edits go to the later
// updatedAt, with remote winning ties.
func (r *Resolver) Resolve(local domain.Entity, meta domain.SyncMetadata, remote domain.Entity) Decision {
	fields := domain.DiffFields(local, remote)
	if len(fields) == 0 {
		return Decision{Outcome: OutcomeConverged}
	}
	localChanged := meta.Dirty()
	remoteChanged := meta.RemoteChanged(remote.UpdatedAt)
	switch {
	case localChanged && !remoteChanged:
		return Decision{Outcome: OutcomeKeepLocal, Fields: fields}
	case !localChanged:
		return Decision{Outcome: OutcomeKeepRemote, Fields: fields}
	}

	d := Decision{Fields: fields, Diverged: true}
	if local.Kind.IsTaskLike() && r.touchesManual(fields) {
		d.Outcome = OutcomeConflict
		return d
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		d.Outcome = OutcomeKeepLocal
		return d
	}
	d.Outcome = OutcomeKeepRemote
	return d
}

func (r *Resolver) touchesManual(fields []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range fields {
		if slices.Contains(r.manual, f) {
			return true
		}
	}
	return false
}
