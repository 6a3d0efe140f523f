package syncer

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/evanschultz/tandem/internal/domain"
)

// CollectionStatus is one engine's status snapshot.
type CollectionStatus struct {
	Collection   string     `json:"collection"`
	State        State      `json:"state"`
	Online       bool       `json:"online"`
	SignedIn     bool       `json:"signedIn"`
	Pending      int        `json:"pending"`
	Conflicts    int        `json:"conflicts"`
	Failed       int        `json:"failed"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// Status is the UI-facing sync summary across collections.
type Status struct {
	Online       bool                  `json:"online"`
	SignedIn     bool                  `json:"signedIn"`
	Syncing      bool                  `json:"syncing"`
	Pending      int                   `json:"pending"`
	Failed       int                   `json:"failed"`
	LastSyncedAt *time.Time            `json:"lastSyncedAt,omitempty"`
	LastError    string                `json:"lastError,omitempty"`
	Collections  []CollectionStatus    `json:"collections"`
	Conflicts    []domain.SyncConflict `json:"conflicts"`
	Message      string                `json:"message"`
}

// Project folds collection snapshots and pending conflicts into a Status.
// Any offline collection makes the whole projection offline.
func Project(collections []CollectionStatus, conflicts []domain.SyncConflict) Status {
	out := Status{
		Online:      true,
		Collections: slices.Clone(collections),
		Conflicts:   make([]domain.SyncConflict, 0, len(conflicts)),
	}
	slices.SortFunc(out.Collections, func(a, b CollectionStatus) int { return strings.Compare(a.Collection, b.Collection) })
	for _, c := range conflicts {
		if c.Pending() {
			out.Conflicts = append(out.Conflicts, c)
		}
	}
	slices.SortFunc(out.Conflicts, func(a, b domain.SyncConflict) int { return a.DetectedAt.Compare(b.DetectedAt) })

	for _, c := range out.Collections {
		out.Online = out.Online && c.Online
		out.SignedIn = out.SignedIn || c.SignedIn
		out.Syncing = out.Syncing || c.State == StateSyncing
		out.Pending += c.Pending
		out.Failed += c.Failed
		if c.State == StateError && out.LastError == "" {
			out.LastError = c.LastError
		}
		if c.LastSyncedAt != nil && (out.LastSyncedAt == nil || c.LastSyncedAt.After(*out.LastSyncedAt)) {
			ts := *c.LastSyncedAt
			out.LastSyncedAt = &ts
		}
	}
	out.Message = out.render()
	return out
}

// render picks the single most important condition for the status line.
func (s Status) render() string {
	switch {
	case !s.Online && s.Pending > 0:
		return fmt.Sprintf("Offline, %s pending", plural(s.Pending, "change", "changes"))
	case !s.Online:
		return "Offline"
	case len(s.Conflicts) == 1:
		return "1 conflict needs review"
	case len(s.Conflicts) > 1:
		return fmt.Sprintf("%d conflicts need review", len(s.Conflicts))
	case s.LastError != "":
		return "Sync error: " + s.LastError
	case s.Syncing && s.Pending > 0:
		return fmt.Sprintf("Syncing %s", plural(s.Pending, "change", "changes"))
	case s.Syncing:
		return "Syncing"
	case !s.SignedIn && s.Pending > 0:
		return fmt.Sprintf("Signed out, %s saved locally", plural(s.Pending, "change", "changes"))
	case s.Pending > 0:
		return fmt.Sprintf("%s pending", plural(s.Pending, "change", "changes"))
	default:
		return "All changes synced"
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}
