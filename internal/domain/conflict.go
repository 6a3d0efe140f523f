package domain

import "time"

// Resolution tracks the reconciliation state of a SyncConflict.
type Resolution string

// Resolution values.
const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionKeptLocal  Resolution = "kept-local"
	ResolutionKeptRemote Resolution = "kept-remote"
)

// ResolveChoice is the side a user picks when resolving a conflict.
type ResolveChoice string

// ResolveChoice values.
const (
	ChoiceLocal  ResolveChoice = "local"
	ChoiceRemote ResolveChoice = "remote"
)

// SyncConflict records divergent local and remote edits awaiting a user decision.
type SyncConflict struct {
	ID         string     `json:"id"`
	Collection string     `json:"collection"`
	EntityID   string     `json:"entityId"`
	Local      Entity     `json:"local"`
	Remote     Entity     `json:"remote"`
	Fields     []string   `json:"fields"`
	Resolution Resolution `json:"resolution"`
	DetectedAt time.Time  `json:"detectedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Pending reports whether the conflict still needs a decision.
func (c SyncConflict) Pending() bool {
	return c.Resolution == ResolutionUnresolved
}
